// Package server exposes the billing engine over HTTP: read endpoints for
// customers, invoices and balances, manual job triggers for operators, and
// Prometheus metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/nusalink/ispbill/internal/config"
	coupondomain "github.com/nusalink/ispbill/internal/coupon/domain"
	customerdomain "github.com/nusalink/ispbill/internal/customer/domain"
	"github.com/nusalink/ispbill/internal/dunning"
	"github.com/nusalink/ispbill/internal/fup"
	invoicedomain "github.com/nusalink/ispbill/internal/invoice/domain"
	ledgerdomain "github.com/nusalink/ispbill/internal/ledger/domain"
	"github.com/nusalink/ispbill/internal/payment"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	log         *zap.Logger
	customerSvc customerdomain.Service
	invoiceSvc  invoicedomain.Service
	ledgerSvc   ledgerdomain.Service
	paymentSvc  payment.Service
	couponSvc   coupondomain.Service
	dunningSvc  dunning.Service
	fupSvc      fup.Service
}

type Params struct {
	fx.In

	Gin         *gin.Engine
	Log         *zap.Logger
	CustomerSvc customerdomain.Service
	InvoiceSvc  invoicedomain.Service
	LedgerSvc   ledgerdomain.Service
	PaymentSvc  payment.Service
	CouponSvc   coupondomain.Service
	DunningSvc  dunning.Service
	FupSvc      fup.Service
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:      p.Gin,
		log:         p.Log.Named("http"),
		customerSvc: p.CustomerSvc,
		invoiceSvc:  p.InvoiceSvc,
		ledgerSvc:   p.LedgerSvc,
		paymentSvc:  p.PaymentSvc,
		couponSvc:   p.CouponSvc,
		dunningSvc:  p.DunningSvc,
		fupSvc:      p.FupSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	v1.GET("/customers", s.listCustomers)
	v1.GET("/customers/:id", s.getCustomer)
	v1.GET("/customers/:id/invoices", s.listCustomerInvoices)
	v1.GET("/customers/:id/balance", s.getCustomerBalance)
	v1.POST("/customers/:id/plan", s.changeCustomerPlan)

	v1.GET("/invoices/:id", s.getInvoice)
	v1.POST("/invoices/:id/pay", s.payInvoice)

	v1.POST("/coupons/validate", s.validateCoupon)

	jobs := v1.Group("/jobs")
	jobs.POST("/invoice-generation", s.runInvoiceGeneration)
	jobs.POST("/suspension-sweep", s.runSuspensionSweep)
	jobs.POST("/overdue-reminders", s.runOverdueReminders)
	jobs.POST("/fup-check", s.runFupCheck)
}

func parseID(c *gin.Context, param string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}
