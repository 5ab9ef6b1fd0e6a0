package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RunScheduler runs one discovery cycle over every scheduled account.
func (h *Handlers) RunScheduler(c *gin.Context) {
	h.sched.RunOnce()

	c.JSON(http.StatusOK, gin.H{
		"message": "Discovery cycle completed",
	})
}

// GetSchedulerStatus returns the current scheduler status.
func (h *Handlers) GetSchedulerStatus(c *gin.Context) {
	status := "stopped"
	if h.sched.IsRunning() {
		status = "running"
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
	})
}
