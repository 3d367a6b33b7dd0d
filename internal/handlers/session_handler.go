package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"project-realtime-server/internal/database"
	"project-realtime-server/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

/*
*
GetSessions handles GET /api/sessions
Returns recorded connection sessions, newest first by default. Closed
sessions carry durationMs.
Optional query params: userId, page (default 1), limit (default 20, max 100),
sort (asc|desc on joined_at).
*/
func GetSessions(c *gin.Context) {
	db := database.GetDB()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Session history is disabled"})
		return
	}

	pageStr := c.DefaultQuery("page", "1")
	limitStr := c.DefaultQuery("limit", "20")
	sortParam := strings.ToLower(c.DefaultQuery("sort", "desc"))
	filterUserID := c.Query("userId")

	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := (page - 1) * limit

	order := "joined_at desc"
	if sortParam == "asc" {
		order = "joined_at asc"
	} else {
		sortParam = "desc"
	}

	scoped := func() *gorm.DB {
		query := db.Model(&models.Session{})
		if filterUserID != "" {
			query = query.Where("user_id = ?", filterUserID)
		}
		return query
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count sessions"})
		return
	}

	sessions := []models.Session{}
	if err := scoped().Order(order).Limit(limit).Offset(offset).Find(&sessions).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch sessions"})
		return
	}
	for i := range sessions {
		sessions[i].DurationMs = sessions[i].Duration().Milliseconds()
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
		"total":    total,
		"page":     page,
		"limit":    limit,
		"sort":     sortParam,
	})
}
