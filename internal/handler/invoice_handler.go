package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"factura-ingest-go/internal/repository"
)

// ListInvoices returns extracted invoice headers filtered by query params.
func (h *Handlers) ListInvoices(c *gin.Context) {
	filter := repository.InvoiceFilter{
		TenantID: c.Query("tenant_id"),
		Method:   c.Query("method"),
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid since date"})
			return
		}
		filter.Since = t
	}

	invoices, err := h.repo.ListInvoices(c.Request.Context(), filter)
	if err != nil {
		logrus.Errorf("Failed to list invoices: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list invoices"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices, "count": len(invoices)})
}

// GetInvoice returns one invoice with its line items.
func (h *Handlers) GetInvoice(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid invoice id"})
		return
	}

	invoice, err := h.repo.InvoiceByID(c.Request.Context(), uint(id))
	if err != nil {
		logrus.Errorf("Failed to load invoice %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load invoice"})
		return
	}
	if invoice == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "invoice not found"})
		return
	}
	c.JSON(http.StatusOK, invoice)
}
