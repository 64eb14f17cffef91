package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/incidentops/courier/db"
	"github.com/incidentops/courier/services"
)

type NotificationHandler struct {
	Engine *services.NotificationEngine
}

func NewNotificationHandler(engine *services.NotificationEngine) *NotificationHandler {
	return &NotificationHandler{Engine: engine}
}

// SubmitNotification routes and dispatches one notification request.
// ?async=true enqueues everything and returns without waiting for sends.
func (h *NotificationHandler) SubmitNotification(c *gin.Context) {
	var req db.NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var result *db.NotificationResult
	var err error
	if c.Query("async") == "true" {
		result, err = h.Engine.SubmitAsync(c.Request.Context(), req)
	} else {
		result, err = h.Engine.Submit(c.Request.Context(), req)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, result)
}

// GetNotificationStatus returns the per-tuple delivery records of one
// notification.
func (h *NotificationHandler) GetNotificationStatus(c *gin.Context) {
	id := c.Param("id")

	records, err := h.Engine.GetStatus(c.Request.Context(), id)
	if err != nil {
		if err == db.ErrStatusNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"notification_id": id,
		"deliveries":      records,
		"total":           len(records),
	})
}

// CancelNotification drops pending deferred sends and escalation timers of one
// notification. Already-dispatched deliveries are unaffected.
func (h *NotificationHandler) CancelNotification(c *gin.Context) {
	id := c.Param("id")

	dropped, escalations := h.Engine.Cancel(id)
	c.JSON(http.StatusOK, gin.H{
		"notification_id":       id,
		"cancelled_deliveries":  dropped,
		"cancelled_escalations": escalations,
	})
}
