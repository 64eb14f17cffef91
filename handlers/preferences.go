package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/incidentops/courier/db"
	"github.com/incidentops/courier/services"
)

type PreferencesHandler struct {
	Service *services.PreferencesService
}

func NewPreferencesHandler(service *services.PreferencesService) *PreferencesHandler {
	return &PreferencesHandler{Service: service}
}

func (h *PreferencesHandler) GetPreferences(c *gin.Context) {
	teamID := c.Param("team")

	prefs, err := h.Service.GetPreferences(c.Request.Context(), teamID)
	if err != nil {
		if err == services.ErrPreferencesNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (h *PreferencesHandler) UpsertPreferences(c *gin.Context) {
	teamID := c.Param("team")

	var prefs db.NotificationPreferences
	if err := c.ShouldBindJSON(&prefs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// The path segment is authoritative for the team id.
	prefs.TeamID = teamID

	if prefs.QuietHours != nil {
		if prefs.QuietHours.Start == "" || prefs.QuietHours.End == "" || prefs.QuietHours.Timezone == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "quiet_hours requires start, end and timezone"})
			return
		}
	}

	if err := h.Service.UpsertPreferences(c.Request.Context(), &prefs); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (h *PreferencesHandler) DeletePreferences(c *gin.Context) {
	teamID := c.Param("team")

	if err := h.Service.DeletePreferences(c.Request.Context(), teamID); err != nil {
		if err == services.ErrPreferencesNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.Status(http.StatusNoContent)
}
