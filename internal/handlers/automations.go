package handlers

import (
	"errors"
	"net/http"

	"spa_engine/internal/models"
	"spa_engine/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	errListRules   = "failed to load automations"
	errSaveRule    = "failed to save automation"
	errDeleteRule  = "failed to delete automation"
	errRunRule     = "failed to run automation"
	errRuleMissing = "automation not found"
)

// ruleRequest is the create/update body.
type ruleRequest struct {
	Name    string                 `json:"name" binding:"required"`
	Enabled *bool                  `json:"enabled"`
	Trigger models.Trigger         `json:"trigger"`
	Action  models.CommandTemplate `json:"action"`
}

// input leaves Enabled nil when the body omits it: new rules start enabled, edits keep
// the rule's current flag.
func (r ruleRequest) input() service.RuleInput {
	return service.RuleInput{Name: r.Name, Enabled: r.Enabled, Trigger: r.Trigger, Action: r.Action}
}

// RuleRequest is an exported model for Swagger docs of the automation payload.
type RuleRequest struct {
	Name    string                 `json:"name" example:"Evening heat"`
	Enabled bool                   `json:"enabled" example:"true"`
	Trigger models.Trigger         `json:"trigger"`
	Action  models.CommandTemplate `json:"action"`
}

// ruleError maps scheduler errors to HTTP statuses.
func (h *Handler) ruleError(c *gin.Context, err error, userMsg, logKey string, kv ...interface{}) {
	switch {
	case errors.Is(err, service.ErrRuleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": errRuleMissing})
	case errors.Is(err, service.ErrInvalidRule):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logAndJSONError(c, http.StatusInternalServerError, userMsg, logKey, err, kv...)
	}
}

// @Summary      List automations
// @Tags         automations
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, rules"
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/automations [get]
func (h *Handler) listRules(c *gin.Context) {
	rules, err := h.services.Automations.List(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errListRules, "automations_list_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(rules), "rules": rules})
}

// @Summary      Get automation
// @Tags         automations
// @Produce      json
// @Param        id   path      string  true  "Rule id"
// @Success      200  {object}  models.AutomationRule
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/automations/{id} [get]
func (h *Handler) getRule(c *gin.Context) {
	rule, err := h.services.Automations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.ruleError(c, err, errListRules, "automation_get_failed", "rule_id", c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, rule)
}

// @Summary      Create automation
// @Description  Trigger is {"type":"daily","at":"HH:MM","days":[1,3,5]} or {"type":"once","when":"RFC3339"}.
// @Tags         automations
// @Accept       json
// @Produce      json
// @Param        body  body      RuleRequest  true  "Rule"
// @Success      201   {object}  models.AutomationRule
// @Failure      400   {object}  map[string]string
// @Failure      500   {object}  map[string]string
// @Router       /api/v1/automations [post]
func (h *Handler) createRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	rule, err := h.services.Automations.Create(c.Request.Context(), req.input())
	if err != nil {
		h.ruleError(c, err, errSaveRule, "automation_create_failed", "name", req.Name)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// @Summary      Update automation
// @Tags         automations
// @Accept       json
// @Produce      json
// @Param        id    path      string       true  "Rule id"
// @Param        body  body      RuleRequest  true  "Rule"
// @Success      200   {object}  models.AutomationRule
// @Failure      400   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Failure      500   {object}  map[string]string
// @Router       /api/v1/automations/{id} [put]
func (h *Handler) updateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	id := c.Param("id")
	rule, err := h.services.Automations.Update(c.Request.Context(), id, req.input())
	if err != nil {
		h.ruleError(c, err, errSaveRule, "automation_update_failed", "rule_id", id)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// @Summary      Delete automation
// @Tags         automations
// @Param        id   path  string  true  "Rule id"
// @Success      204
// @Failure      404  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/automations/{id} [delete]
func (h *Handler) deleteRule(c *gin.Context) {
	id := c.Param("id")
	if err := h.services.Automations.Delete(c.Request.Context(), id); err != nil {
		h.ruleError(c, err, errDeleteRule, "automation_delete_failed", "rule_id", id)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary      Run automation now
// @Description  Fires the rule immediately as a scheduled fire would and returns the command result.
// @Tags         automations
// @Produce      json
// @Param        id   path      string  true  "Rule id"
// @Success      200  {object}  models.CommandResult
// @Failure      404  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/automations/{id}/run [post]
func (h *Handler) runRule(c *gin.Context) {
	id := c.Param("id")
	res, err := h.services.Automations.RunNow(c.Request.Context(), id)
	if err != nil {
		h.ruleError(c, err, errRunRule, "automation_run_failed", "rule_id", id)
		return
	}
	c.JSON(http.StatusOK, res)
}
