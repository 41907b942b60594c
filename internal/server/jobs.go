package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/nusalink/ispbill/internal/invoice/domain"
	"github.com/shopspring/decimal"
)

func snowflakeParse(s string) (snowflake.ID, error) { return snowflake.ParseString(s) }
func decimalParse(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// runInvoiceGeneration triggers a generation run for the given period
// (defaults to the current month). Re-invoking is safe: existing invoices
// are skipped.
func (s *Server) runInvoiceGeneration(c *gin.Context) {
	periodStr := c.Query("period")
	var (
		period invoicedomain.Period
		err    error
	)
	if periodStr == "" {
		period = invoicedomain.PeriodOf(time.Now().UTC())
	} else if period, err = invoicedomain.ParsePeriod(periodStr); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_period"})
		return
	}

	summary, _, err := s.invoiceSvc.GenerateForPeriod(c.Request.Context(), period)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"period":   period.String(),
		"eligible": summary.Eligible,
		"created":  summary.Created,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
	})
}

func (s *Server) runSuspensionSweep(c *gin.Context) {
	summary, err := s.dunningSvc.Sweep(c.Request.Context(), time.Now().UTC())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scanned":   summary.Scanned,
		"suspended": summary.Suspended,
		"skipped":   summary.Skipped,
		"failed":    summary.Failed,
	})
}

func (s *Server) runOverdueReminders(c *gin.Context) {
	summary, err := s.dunningSvc.Remind(c.Request.Context(), time.Now().UTC())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scanned":  summary.Scanned,
		"reminded": summary.Reminded,
		"skipped":  summary.Skipped,
	})
}

// runFupCheck enforces the quota policy for one customer when customer_id is
// given, or for the whole active base otherwise.
func (s *Server) runFupCheck(c *gin.Context) {
	if raw := c.Query("customer_id"); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_customer_id"})
			return
		}
		if err := s.fupSvc.CheckOne(c.Request.Context(), id); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"checked": 1})
		return
	}

	summary, err := s.fupSvc.CheckAll(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"checked": summary.Checked,
		"failed":  summary.Failed,
	})
}
