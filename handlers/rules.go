package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/incidentops/courier/db"
	"github.com/incidentops/courier/services"
)

type RoutingRuleHandler struct {
	Service *services.RuleService
}

func NewRoutingRuleHandler(service *services.RuleService) *RoutingRuleHandler {
	return &RoutingRuleHandler{Service: service}
}

func (h *RoutingRuleHandler) ListRules(c *gin.Context) {
	rules := h.Service.ListRules()

	c.JSON(http.StatusOK, gin.H{
		"rules": rules,
		"total": len(rules),
	})
}

func (h *RoutingRuleHandler) GetRule(c *gin.Context) {
	id := c.Param("id")

	rule, err := h.Service.GetRule(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *RoutingRuleHandler) CreateRule(c *gin.Context) {
	var req db.CreateRoutingRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateRuleParts(req.Conditions, req.Actions); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule, err := h.Service.CreateRule(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *RoutingRuleHandler) UpdateRule(c *gin.Context) {
	id := c.Param("id")

	var req db.UpdateRoutingRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateRuleParts(req.Conditions, req.Actions); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule, err := h.Service.UpdateRule(c.Request.Context(), id, req)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *RoutingRuleHandler) DeleteRule(c *gin.Context) {
	id := c.Param("id")

	if err := h.Service.DeleteRule(c.Request.Context(), id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.Status(http.StatusNoContent)
}

var (
	validOperators = map[string]bool{
		db.OperatorEquals: true, db.OperatorNotEquals: true, db.OperatorIn: true,
		db.OperatorNotIn: true, db.OperatorGreaterThan: true, db.OperatorLessThan: true,
	}
	validActionTypes = map[string]bool{
		db.ActionSendNotification: true, db.ActionEscalate: true,
		db.ActionCreateIssue: true, db.ActionSuppress: true,
	}
)

// validateRuleParts rejects unknown operators and action types up front.
// Unknown condition TYPES are accepted: they resolve against the request's
// extra context keys at evaluation time.
func validateRuleParts(conditions []db.RoutingCondition, actions []db.RoutingAction) error {
	for _, cond := range conditions {
		if !validOperators[cond.Operator] {
			return &validationError{field: "conditions", detail: "unknown operator: " + cond.Operator}
		}
	}
	for _, action := range actions {
		if !validActionTypes[action.Type] {
			return &validationError{field: "actions", detail: "unknown action type: " + action.Type}
		}
	}
	return nil
}

type validationError struct {
	field  string
	detail string
}

func (e *validationError) Error() string {
	return e.field + ": " + e.detail
}
