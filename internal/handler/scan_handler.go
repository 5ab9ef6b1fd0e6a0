package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"factura-ingest-go/internal/discovery"
	"factura-ingest-go/internal/dispatch"
	"factura-ingest-go/internal/metrics"
)

// TriggerScan starts a manual scan for one account. A scan already holding
// the account lock answers 409.
func (h *Handlers) TriggerScan(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid account id"})
		return
	}

	account, err := h.repo.Account(c.Request.Context(), uint(id))
	if err != nil {
		logrus.Errorf("Failed to load account %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load account"})
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "account not found"})
		return
	}
	if !account.Enabled {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "account is disabled"})
		return
	}

	var req ScanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
			return
		}
	}

	opts := discovery.Options{Limit: req.Limit}
	trigger := dispatch.TriggerManual
	if req.Since != "" || req.Before != "" {
		trigger = dispatch.TriggerRange
		if opts.Since, err = parseScanDate(req.Since); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid since date"})
			return
		}
		if opts.Before, err = parseScanDate(req.Before); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid before date"})
			return
		}
	}

	if trigger == dispatch.TriggerManual && h.manualBatch > 0 {
		if opts.Limit <= 0 || opts.Limit > h.manualBatch {
			opts.Limit = h.manualBatch
		}
	}

	queued, err := h.scanner.Scan(c.Request.Context(), account, trigger, opts)
	if err != nil {
		if errors.Is(err, discovery.ErrScanInProgress) {
			metrics.ScansTotal.WithLabelValues(trigger, "busy").Inc()
			c.JSON(http.StatusConflict, ErrorResponse{Error: "scan already in progress"})
			return
		}
		logrus.Errorf("Manual scan of account %d failed: %v", id, err)
		metrics.ScansTotal.WithLabelValues(trigger, "error").Inc()
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "scan failed"})
		return
	}

	metrics.ScansTotal.WithLabelValues(trigger, "ok").Inc()
	c.JSON(http.StatusAccepted, ScanResponse{AccountID: uint(id), Queued: queued})
}

func parseScanDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
