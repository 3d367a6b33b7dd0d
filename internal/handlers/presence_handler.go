package handlers

import (
	"net/http"
	"strings"

	"project-realtime-server/internal/realtime"

	"github.com/gin-gonic/gin"
)

// GetPresence handles GET /api/presence
// Returns the same snapshot a socket receives as users:active
func GetPresence(router *realtime.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := router.Snapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Realtime router unavailable"})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// GetRoomMembers handles GET /api/rooms/:roomKey/members
func GetRoomMembers(router *realtime.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomKey := strings.TrimSpace(c.Param("roomKey"))
		if roomKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomKey is required"})
			return
		}

		members, err := router.Members(c.Request.Context(), roomKey)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Realtime router unavailable"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"room":    roomKey,
			"members": members,
			"count":   len(members),
		})
	}
}
