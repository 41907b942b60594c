package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	customerdomain "github.com/nusalink/ispbill/internal/customer/domain"
	ledgerdomain "github.com/nusalink/ispbill/internal/ledger/domain"
)

func (s *Server) listCustomers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	filter := customerdomain.ListCustomerFilter{
		Status: customerdomain.CustomerStatus(c.Query("status")),
		PlanID: c.Query("plan_id"),
		Limit:  limit,
		Offset: offset,
	}

	customers, err := s.customerSvc.List(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": customers})
}

func (s *Server) getCustomer(c *gin.Context) {
	customer, err := s.customerSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (s *Server) changeCustomerPlan(c *gin.Context) {
	var req struct {
		PlanID string `json:"plan_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	customer, err := s.customerSvc.ChangePlan(c.Request.Context(), c.Param("id"), req.PlanID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (s *Server) listCustomerInvoices(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	invoices, err := s.invoiceSvc.ListByCustomer(c.Request.Context(), id, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

// getCustomerBalance returns both the cached balance and the recomputed
// ledger sum so operators can spot drift from the outside.
func (s *Server) getCustomerBalance(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	owner := ledgerdomain.Owner{Type: ledgerdomain.OwnerTypeCustomer, ID: id}

	report, err := s.ledgerSvc.CheckConsistency(c.Request.Context(), owner)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"customer_id": id.String(),
		"cached":      report.Cached,
		"computed":    report.Computed,
		"consistent":  report.Consistent,
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, customerdomain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, customerdomain.ErrInvalidID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
	case errors.Is(err, customerdomain.ErrInvalidPlan):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan"})
	case errors.Is(err, customerdomain.ErrCancelled):
		c.JSON(http.StatusConflict, gin.H{"error": "customer_cancelled"})
	default:
		s.log.Error("request failed", errField(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
