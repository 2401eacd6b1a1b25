package task

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

// StatusHandler serves GET .../task/:id with the record as JSON.
func StatusHandler(m Manager, logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(c *gin.Context) {
		id := c.Param("id")

		rec, err := m.GetTaskStatus(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, util.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"error":   "task not found",
					"message": "no task with id " + id,
				})
				return
			}

			logger.WithContext(c.Request.Context()).Error("task status lookup failed",
				observability.String("task_id", id),
				observability.Error(err),
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "task store unavailable",
				"message": "please try again later",
			})
			return
		}

		c.JSON(http.StatusOK, rec)
	}
}
