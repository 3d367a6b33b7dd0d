package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"project-realtime-server/internal/realtime"

	"github.com/gin-gonic/gin"
)

// PublishEventRequest represents an event submitted by the CRUD layer
type PublishEventRequest struct {
	Event string          `json:"event" binding:"required"`
	Data  json.RawMessage `json:"data"`
}

/*
*
PublishEvent handles POST /api/events
Routes a task/project/comment/notification event exactly like one received
on a socket, with the authenticated caller as origin user.
*/
func PublishEvent(router *realtime.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User ID not found"})
			return
		}

		var req PublishEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		env := realtime.Envelope{Event: realtime.EventKind(req.Event), Data: req.Data}
		if err := router.Publish(c.Request.Context(), userID, env); err != nil {
			switch {
			case errors.Is(err, realtime.ErrMalformedEvent), errors.Is(err, realtime.ErrInvalidRoom):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Realtime router unavailable"})
			}
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"status": "accepted",
			"event":  req.Event,
		})
	}
}
