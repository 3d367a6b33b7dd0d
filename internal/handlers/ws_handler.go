package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"project-realtime-server/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wsClient implements realtime.Client by wrapping a websocket connection.
// Frames are queued on send and written by writePump, so the router never
// waits on the network.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn, buffer int) *wsClient {
	if buffer < 16 {
		buffer = 16
	}
	return &wsClient{
		conn:   conn,
		send:   make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

func (c *wsClient) Send(message []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *wsClient) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				// ping failed; reader loop will exit on next error
				return
			}
		case <-c.closed:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *wsClient) readPump(router *realtime.Router, connID string, maxMessageSize int64) {
	defer func() {
		if err := router.Disconnect(context.Background(), connID); err != nil && !errors.Is(err, realtime.ErrRouterStopped) {
			log.Printf("Error disconnecting %s: %v", connID, err)
		}
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			logReadError(connID, err)
			return
		}
		// malformed events are logged and dropped by the router
		if err := router.HandleMessage(context.Background(), connID, raw); errors.Is(err, realtime.ErrRouterStopped) {
			return
		}
	}
}

func logReadError(connID string, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Printf("Message from %s exceeded the read limit", connID)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
		errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		// normal close
	default:
		log.Printf("WebSocket read error from %s: %v", connID, err)
	}
}

// WebSocketOptions configures WebSocketHandler.
type WebSocketOptions struct {
	CheckOrigin    func(r *http.Request) bool
	MaxMessageSize int64
	SendBufferSize int
}

// WebSocketHandler upgrades the connection and admits it to the router.
// It requires the identity middleware to have set "user_id" in context.
func WebSocketHandler(router *realtime.Router, opts WebSocketOptions) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     opts.CheckOrigin,
	}

	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authorized"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Println("websocket upgrade error:", err)
			return
		}

		client := newWSClient(conn, opts.SendBufferSize)
		connID := uuid.NewString()
		go client.writePump()

		if err := router.Connect(context.Background(), connID, userID, client); err != nil {
			log.Printf("Closing connection %s: %v", connID, err)
			client.Close()
			return
		}

		client.readPump(router, connID, opts.MaxMessageSize)
	}
}
