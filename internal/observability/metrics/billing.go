package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BillingMetrics captures financial and lifecycle engine signals.
type BillingMetrics struct {
	ledgerPostings  *prometheus.CounterVec
	invoicesIssued  prometheus.Counter
	paymentsSettled prometheus.Counter
	transitions     *prometheus.CounterVec
	outboxDelivered *prometheus.CounterVec
	outboxFailed    *prometheus.CounterVec
	balanceDrift    prometheus.Counter
	couponRedeemed  prometheus.Counter
	usageSyncFailed prometheus.Counter
}

var (
	billingOnce sync.Once
	billingInst *BillingMetrics
)

func Billing() *BillingMetrics {
	billingOnce.Do(func() {
		billingInst = &BillingMetrics{
			ledgerPostings: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ispbill_ledger_postings_total",
				Help: "Ledger transactions appended, by category.",
			}, []string{"category"}),
			invoicesIssued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ispbill_invoices_issued_total",
				Help: "Invoices created by the generator.",
			}),
			paymentsSettled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ispbill_payments_settled_total",
				Help: "Invoices marked paid.",
			}),
			transitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ispbill_lifecycle_transitions_total",
				Help: "Customer lifecycle transitions applied.",
			}, []string{"transition"}),
			outboxDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ispbill_outbox_delivered_total",
				Help: "Outbox tasks delivered, by kind.",
			}, []string{"kind"}),
			outboxFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ispbill_outbox_failed_total",
				Help: "Outbox tasks that exhausted their retry budget.",
			}, []string{"kind"}),
			balanceDrift: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ispbill_ledger_balance_drift_total",
				Help: "Owners whose cached balance diverged from the ledger sum.",
			}),
			couponRedeemed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ispbill_coupons_redeemed_total",
				Help: "Successful coupon redemptions.",
			}),
			usageSyncFailed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ispbill_usage_sync_failures_total",
				Help: "Per-customer usage source failures, isolated from the batch.",
			}),
		}
	})
	return billingInst
}

func (m *BillingMetrics) IncLedgerPosting(category string) {
	m.ledgerPostings.WithLabelValues(category).Inc()
}

func (m *BillingMetrics) IncInvoiceIssued()  { m.invoicesIssued.Inc() }
func (m *BillingMetrics) IncPaymentSettled() { m.paymentsSettled.Inc() }

func (m *BillingMetrics) IncTransition(transition string) {
	m.transitions.WithLabelValues(transition).Inc()
}

func (m *BillingMetrics) IncOutboxDelivered(kind string) {
	m.outboxDelivered.WithLabelValues(kind).Inc()
}

func (m *BillingMetrics) IncOutboxFailed(kind string) {
	m.outboxFailed.WithLabelValues(kind).Inc()
}

func (m *BillingMetrics) IncBalanceDrift()    { m.balanceDrift.Inc() }
func (m *BillingMetrics) IncCouponRedeemed()  { m.couponRedeemed.Inc() }
func (m *BillingMetrics) IncUsageSyncFailed() { m.usageSyncFailed.Inc() }
