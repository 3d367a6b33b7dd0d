package realtime

import (
	"sort"
	"strings"
	"time"
)

// Client represents a single websocket client connection.
// The actual network conn is managed in the ws handler; Send must not block.
type Client interface {
	Send(message []byte) bool
	Close()
}

// ConnectionInfo is the public view of a live connection.
type ConnectionInfo struct {
	SocketID string    `json:"socketId"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Connection is a live socket admitted to the registry.
type Connection struct {
	ID       string
	UserID   string
	JoinedAt time.Time

	client  Client
	rooms   map[string]struct{}
	closing bool
}

// Info returns the public view of c.
func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{SocketID: c.ID, UserID: c.UserID, JoinedAt: c.JoinedAt}
}

// Subscribed reports whether the connection has joined roomKey.
func (c *Connection) Subscribed(roomKey string) bool {
	_, ok := c.rooms[roomKey]
	return ok
}

// Rooms returns the room keys this connection has joined, sorted.
func (c *Connection) Rooms() []string {
	out := make([]string, 0, len(c.rooms))
	for k := range c.rooms {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Registry is the authoritative record of live connections.
// It is not goroutine-safe; the Router owns it.
type Registry struct {
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Admit registers a new connection for userID.
func (r *Registry) Admit(connID, userID string, client Client, at time.Time) (*Connection, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidIdentity
	}
	if _, exists := r.conns[connID]; exists || connID == "" {
		return nil, ErrDuplicateConnection
	}

	conn := &Connection{
		ID:       connID,
		UserID:   userID,
		JoinedAt: at,
		client:   client,
		rooms:    make(map[string]struct{}),
	}
	r.conns[connID] = conn
	if _, ok := r.byUser[userID]; !ok {
		r.byUser[userID] = make(map[string]*Connection)
	}
	r.byUser[userID][connID] = conn
	return conn, nil
}

// Remove deregisters a connection. Unknown IDs are a no-op.
func (r *Registry) Remove(connID string) (*Connection, bool) {
	conn, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)
	if userConns, ok := r.byUser[conn.UserID]; ok {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	return conn, true
}

// Get returns the live connection with the given ID.
func (r *Registry) Get(connID string) (*Connection, bool) {
	conn, ok := r.conns[connID]
	return conn, ok
}

// ForUser returns every live connection of userID.
func (r *Registry) ForUser(userID string) []*Connection {
	userConns := r.byUser[userID]
	out := make([]*Connection, 0, len(userConns))
	for _, c := range userConns {
		out = append(out, c)
	}
	return out
}

// Online reports whether userID has at least one live connection.
func (r *Registry) Online(userID string) bool {
	return len(r.byUser[userID]) > 0
}

// All returns every live connection.
func (r *Registry) All() []*Connection {
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.conns)
}

// Snapshot returns the count and list of live connections, oldest first.
func (r *Registry) Snapshot() ActiveUsers {
	users := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		users = append(users, c.Info())
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].SocketID < users[j].SocketID
		}
		return users[i].JoinedAt.Before(users[j].JoinedAt)
	})
	return ActiveUsers{Count: len(users), Users: users}
}
