package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nusalink/ispbill/internal/payment"
	"go.uber.org/zap"
)

func errField(err error) zap.Field { return zap.Error(err) }

func (s *Server) getInvoice(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	invoice, err := s.invoiceSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if invoice == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	items, err := s.invoiceSvc.ListItems(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": invoice, "items": items})
}

type payInvoiceRequest struct {
	Method string `json:"method" binding:"required"`
}

func (s *Server) payInvoice(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req payInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_method"})
		return
	}

	var (
		result payment.Result
		err    error
	)
	if req.Method == "balance" {
		result, err = s.paymentSvc.PayWithBalance(c.Request.Context(), id)
	} else {
		result, err = s.paymentSvc.ProcessPayment(c.Request.Context(), id, req.Method)
	}
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrInvoiceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		case errors.Is(err, payment.ErrInvoiceVoid):
			c.JSON(http.StatusConflict, gin.H{"error": "invoice_void"})
		case errors.Is(err, payment.ErrMissingMethod):
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_method"})
		default:
			s.fail(c, err)
		}
		return
	}

	status := http.StatusOK
	if result.InsufficientBalance {
		status = http.StatusPaymentRequired
	}
	c.JSON(status, gin.H{
		"paid":                 result.Paid,
		"already_paid":         result.AlreadyPaid,
		"insufficient_balance": result.InsufficientBalance,
		"reactivated":          result.Reactivated,
	})
}

type validateCouponRequest struct {
	Code       string `json:"code" binding:"required"`
	CustomerID string `json:"customer_id" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
}

func (s *Server) validateCoupon(c *gin.Context) {
	var req validateCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	customerID, err := snowflakeParse(req.CustomerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_customer_id"})
		return
	}
	amount, err := decimalParse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount"})
		return
	}

	result, err := s.couponSvc.Validate(c.Request.Context(), req.Code, customerID, amount)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":    result.Valid,
		"reason":   result.Reason,
		"discount": result.Discount,
	})
}
