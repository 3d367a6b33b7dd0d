package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventKind names an inbound or outbound websocket event.
type EventKind string

// Inbound kinds (client -> server)
const (
	KindProjectJoin      EventKind = "project:join"
	KindProjectLeave     EventKind = "project:leave"
	KindTaskUpdate       EventKind = "task:update"
	KindTaskCreate       EventKind = "task:create"
	KindProjectUpdate    EventKind = "project:update"
	KindCommentAdd       EventKind = "comment:add"
	KindNotificationSend EventKind = "notification:send"
)

// Outbound kinds (server -> client)
const (
	KindUserJoined      EventKind = "user:joined"
	KindUserLeft        EventKind = "user:left"
	KindTaskUpdated     EventKind = "task:updated"
	KindTaskCreated     EventKind = "task:created"
	KindProjectUpdated  EventKind = "project:updated"
	KindCommentAdded    EventKind = "comment:added"
	KindNotificationNew EventKind = "notification:new"
	KindUsersActive     EventKind = "users:active"
)

// Room key prefixes
const (
	projectRoomPrefix  = "project:"
	personalRoomPrefix = "user:"
)

// ProjectRoom returns the room key of a project scope.
func ProjectRoom(projectID string) string {
	return projectRoomPrefix + projectID
}

// PersonalRoom returns the room key of a user's private scope.
func PersonalRoom(userID string) string {
	return personalRoomPrefix + userID
}

// isProjectRoom reports whether roomKey is a project scope and returns its project ID.
func isProjectRoom(roomKey string) (string, bool) {
	if !strings.HasPrefix(roomKey, projectRoomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(roomKey, projectRoomPrefix), true
}

// Envelope is the inbound frame format: {"event": "...", "data": {...}}.
type Envelope struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Outbound is the frame format written to clients. Room is only set on
// room-scoped copies so receivers can tell them apart from broadcast copies.
type Outbound struct {
	Event EventKind `json:"event"`
	Room  string    `json:"room,omitempty"`
	Data  any       `json:"data"`
}

// ID is an identifier that may arrive as a JSON string or number.
type ID string

// UnmarshalJSON accepts "42", 42 and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// idField extracts an identifier field from an opaque payload object.
func idField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Inbound payloads

type projectRoomPayload struct {
	ProjectID ID `json:"projectId"`
}

type taskUpdatePayload struct {
	TaskID ID             `json:"taskId"`
	Update map[string]any `json:"update"`
	UserID ID             `json:"userId"`
}

type taskCreatePayload struct {
	Task   map[string]any `json:"task"`
	UserID ID             `json:"userId"`
}

type projectUpdatePayload struct {
	ProjectID ID             `json:"projectId"`
	Update    map[string]any `json:"update"`
	UserID    ID             `json:"userId"`
}

type commentAddPayload struct {
	TaskID  ID              `json:"taskId"`
	Comment json.RawMessage `json:"comment"`
	UserID  ID              `json:"userId"`
}

type notificationSendPayload struct {
	TargetUserID ID             `json:"targetUserId"`
	Notification map[string]any `json:"notification"`
}

// Outbound payloads

// PresenceEvent is the data of user:joined and user:left.
type PresenceEvent struct {
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskUpdatedEvent is the data of task:updated.
type TaskUpdatedEvent struct {
	TaskID    string         `json:"taskId"`
	Update    map[string]any `json:"update"`
	UpdatedBy string         `json:"updatedBy"`
	Timestamp time.Time      `json:"timestamp"`
}

// TaskCreatedEvent is the data of task:created.
type TaskCreatedEvent struct {
	Task      map[string]any `json:"task"`
	CreatedBy string         `json:"createdBy"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProjectUpdatedEvent is the data of project:updated.
type ProjectUpdatedEvent struct {
	ProjectID string         `json:"projectId"`
	Update    map[string]any `json:"update"`
	UpdatedBy string         `json:"updatedBy"`
	Timestamp time.Time      `json:"timestamp"`
}

// CommentAddedEvent is the data of comment:added.
type CommentAddedEvent struct {
	TaskID    string          `json:"taskId"`
	Comment   json.RawMessage `json:"comment,omitempty"`
	Author    string          `json:"author"`
	Timestamp time.Time       `json:"timestamp"`
}

// ActiveUsers is the data of users:active.
type ActiveUsers struct {
	Count int              `json:"count"`
	Users []ConnectionInfo `json:"users"`
}

// notificationEvent spreads the notification fields and stamps a timestamp.
func notificationEvent(fields map[string]any, at time.Time) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["timestamp"] = at
	return out
}

// DecodeEnvelope parses a raw inbound frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}
	return env, nil
}

// decodeData unmarshals the envelope data into dst. Absent data decodes as an
// empty object so the per-kind field checks produce the error.
func decodeData(env Envelope, dst any) error {
	data := env.Data
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Event, err)
	}
	return nil
}

func missing(kind EventKind, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMalformedEvent, kind, field)
}
