package models

import (
	"time"
)

// Session records the lifetime of one websocket connection
type Session struct {
	ID        string     `json:"socketId" gorm:"primaryKey"`
	UserID    string     `json:"userId" gorm:"column:user_id;not null;index"`
	JoinedAt  time.Time  `json:"joinedAt" gorm:"column:joined_at;not null;index"`
	LeftAt    *time.Time `json:"leftAt,omitempty" gorm:"column:left_at"`
	CreatedAt time.Time  `json:"-"`
	UpdatedAt time.Time  `json:"-"`

	// DurationMs is filled from Duration when sessions are listed
	DurationMs int64 `json:"durationMs,omitempty" gorm:"-"`
}

// TableName specifies the table name for Session Model
func (Session) TableName() string {
	return "connection_sessions"
}

// Duration returns how long the connection lasted, or zero while it is still open.
func (s Session) Duration() time.Duration {
	if s.LeftAt == nil {
		return 0
	}
	return s.LeftAt.Sub(s.JoinedAt)
}
