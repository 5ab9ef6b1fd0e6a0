package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CancelTenant raises the tenant's stop flag. Workers drop the tenant's
// jobs between steps from then on.
func (h *Handlers) CancelTenant(c *gin.Context) {
	tenant := c.Param("id")
	if tenant == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing tenant id"})
		return
	}
	if err := h.cancels.Cancel(c.Request.Context(), tenant); err != nil {
		logrus.Errorf("Failed to cancel tenant %s: %v", tenant, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to cancel processing"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"tenant_id": tenant, "processing": "cancelled"})
}

// ResumeTenant clears the tenant's stop flag.
func (h *Handlers) ResumeTenant(c *gin.Context) {
	tenant := c.Param("id")
	if err := h.cancels.Resume(c.Request.Context(), tenant); err != nil {
		logrus.Errorf("Failed to resume tenant %s: %v", tenant, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to resume processing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenant, "processing": "active"})
}

// GetProcessing returns the tenant's ledger entries, optionally filtered by
// status.
func (h *Handlers) GetProcessing(c *gin.Context) {
	tenant := c.Param("id")
	entries, err := h.ledger.ListByTenant(c.Request.Context(), tenant, c.Query("status"), 200)
	if err != nil {
		logrus.Errorf("Failed to list processing for tenant %s: %v", tenant, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list processing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenant, "entries": entries})
}

// GetQuota returns the tenant's AI usage for the current period.
func (h *Handlers) GetQuota(c *gin.Context) {
	tenant := c.Param("id")
	counter, err := h.quota.Usage(c.Request.Context(), tenant)
	if err != nil {
		logrus.Errorf("Failed to read quota for tenant %s: %v", tenant, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to read quota"})
		return
	}
	c.JSON(http.StatusOK, QuotaResponse{
		TenantID: tenant,
		Period:   counter.Period,
		Used:     counter.Used,
		Limit:    counter.Limit,
	})
}
