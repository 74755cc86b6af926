package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"spa_engine/internal/service"

	"github.com/gin-gonic/gin"
)

const errLimitInvalid = "invalid 'limit'; use a positive integer"

// @Summary      Tail history
// @Description  Most recent history entries, oldest first. Without a category all categories are merged by time.
// @Tags         logs
// @Produce      json
// @Param        category  query     string  false  "History category"  Enums(command,connection,automation)
// @Param        limit     query     int     false  "Maximum entries (default 100, capped by history.tail_max)"  example(50)
// @Success      200       {object}  map[string]interface{}  "count, entries"
// @Failure      400       {object}  map[string]string
// @Failure      500       {object}  map[string]string
// @Router       /api/v1/logs [get]
func (h *Handler) getLogs(c *gin.Context) {
	f := service.LogFilter{Category: c.Query("category")}
	if qs := c.Query("limit"); qs != "" {
		n, err := strconv.Atoi(qs)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": errLimitInvalid})
			return
		}
		f.Limit = n
	}

	entries, err := h.services.History.Tail(c.Request.Context(), f)
	if err != nil {
		if errors.Is(err, service.ErrInvalidFilter) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logAndJSONError(c, http.StatusInternalServerError, "failed to load logs", "logs_tail_failed", err,
			"category", f.Category, "limit", f.Limit)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(entries),
		"entries": entries,
	})
}
