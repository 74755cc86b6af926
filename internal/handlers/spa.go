package handlers

import (
	"net/http"
	"strings"

	"spa_engine/internal/models"

	"github.com/gin-gonic/gin"
)

const (
	errGetState        = "failed to load state"
	errInvalidBodyPref = "invalid body: "
)

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

// commandRequest is the control-command body.
type commandRequest struct {
	Kind    string                `json:"kind" binding:"required"`
	Payload models.CommandPayload `json:"payload"`
}

// CommandRequest is an exported model for Swagger docs of the command payload.
type CommandRequest struct {
	// Command kind. Allowed: set-temperature, toggle-actuator, toggle-light
	Kind string `json:"kind" example:"set-temperature"`
	// Kind-specific arguments, e.g. {"temperature":101} or {"actuator_id":"pump1","state":"on"}
	Payload models.CommandPayload `json:"payload"`
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  service.HealthInfo
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, h.services.Monitoring.Health())
}

// @Summary      Get spa state
// @Description  Latest snapshot (null before the first read) with connection metadata. Never waits for the device.
// @Tags         spa
// @Produce      json
// @Success      200  {object}  models.StateView
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/spa/state [get]
func (h *Handler) getState(c *gin.Context) {
	st, err := h.services.Monitoring.GetState(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errGetState, "spa_get_state_failed", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      Submit command
// @Description  Waits until the command is written to the controller or rejected. Rejections are reported as ok=false with a reason.
// @Tags         spa
// @Accept       json
// @Produce      json
// @Param        body  body      CommandRequest  true  "Command payload"
// @Success      200   {object}  models.CommandResult
// @Failure      400   {object}  map[string]string
// @Router       /api/v1/spa/command [post]
func (h *Handler) submitCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	res := h.services.Control.Submit(c.Request.Context(), models.Command{
		Kind:    models.CommandKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		Payload: req.Payload,
		Origin:  models.OriginUser,
	})
	if !res.OK && h.log != nil {
		h.log.Infow("command_rejected", "kind", req.Kind, "command_id", res.CommandID, "reason", res.Error)
	}
	c.JSON(http.StatusOK, res)
}
