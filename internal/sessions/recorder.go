// Package sessions persists connection open/close times so operators can see
// who was connected and when. Event payloads are never stored.
package sessions

import (
	"context"
	"log"
	"time"

	"project-realtime-server/internal/models"
	"project-realtime-server/internal/realtime"

	"gorm.io/gorm"
)

type recordKind int

const (
	recordOpened recordKind = iota
	recordClosed
)

type record struct {
	kind recordKind
	info realtime.ConnectionInfo
	at   time.Time
}

// Recorder queues connection lifecycle records and writes them on its own
// goroutine, so the router never waits on the database.
type Recorder struct {
	db    *gorm.DB
	queue chan record
	done  chan struct{}
}

// NewRecorder creates a recorder writing to db with room for buffer pending records.
func NewRecorder(db *gorm.DB, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		db:    db,
		queue: make(chan record, buffer),
		done:  make(chan struct{}),
	}
}

// ConnectionOpened implements realtime.SessionObserver.
func (r *Recorder) ConnectionOpened(info realtime.ConnectionInfo) {
	r.enqueue(record{kind: recordOpened, info: info, at: info.JoinedAt})
}

// ConnectionClosed implements realtime.SessionObserver.
func (r *Recorder) ConnectionClosed(info realtime.ConnectionInfo, at time.Time) {
	r.enqueue(record{kind: recordClosed, info: info, at: at})
}

func (r *Recorder) enqueue(rec record) {
	select {
	case r.queue <- rec:
	default:
		log.Printf("Session queue full; dropping record for connection %s", rec.info.SocketID)
	}
}

// Run writes queued records until ctx is cancelled, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case rec := <-r.queue:
			r.write(rec)
		}
	}
}

// Done is closed once Run has flushed and returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) flush() {
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(rec record) {
	switch rec.kind {
	case recordOpened:
		session := models.Session{
			ID:       rec.info.SocketID,
			UserID:   rec.info.UserID,
			JoinedAt: rec.info.JoinedAt,
		}
		if err := r.db.Create(&session).Error; err != nil {
			log.Printf("Failed to record session %s: %v", rec.info.SocketID, err)
		}

	case recordClosed:
		leftAt := rec.at
		result := r.db.Model(&models.Session{}).Where("id = ?", rec.info.SocketID).Update("left_at", leftAt)
		if result.Error != nil {
			log.Printf("Failed to close session %s: %v", rec.info.SocketID, result.Error)
			return
		}
		if result.RowsAffected > 0 {
			return
		}
		// the open record was dropped; keep what we know
		session := models.Session{
			ID:       rec.info.SocketID,
			UserID:   rec.info.UserID,
			JoinedAt: rec.info.JoinedAt,
			LeftAt:   &leftAt,
		}
		if err := r.db.Create(&session).Error; err != nil {
			log.Printf("Failed to record session %s: %v", rec.info.SocketID, err)
		}
	}
}

// Ensure Recorder implements realtime.SessionObserver at compile time.
var _ realtime.SessionObserver = (*Recorder)(nil)
