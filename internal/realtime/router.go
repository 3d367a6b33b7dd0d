// Package realtime tracks live websocket connections and project room
// membership, and fans task, project, comment and notification events out
// to the right subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// SessionObserver is notified when connections open and close. Calls happen
// on the router goroutine and must return without blocking.
type SessionObserver interface {
	ConnectionOpened(info ConnectionInfo)
	ConnectionClosed(info ConnectionInfo, at time.Time)
}

// Router owns the connection registry and room index. Every operation is
// executed on the single goroutine started by Run, so registry and index
// never see two handlers interleave.
type Router struct {
	registry *Registry
	rooms    *RoomIndex
	observer SessionObserver
	now      func() time.Time

	ops     chan func()
	stopped chan struct{}
}

// Option configures a Router.
type Option func(*Router)

// WithObserver registers a lifecycle observer.
func WithObserver(o SessionObserver) Option {
	return func(r *Router) { r.observer = o }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a router. Call Run before using it.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		registry: NewRegistry(),
		rooms:    NewRoomIndex(),
		now:      time.Now,
		ops:      make(chan func()),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes operations until ctx is cancelled, then closes every client.
func (r *Router) Run(ctx context.Context) {
	defer close(r.stopped)

	for {
		select {
		case <-ctx.Done():
			r.shutdownClients()
			return
		case op := <-r.ops:
			r.runOp(op)
		}
	}
}

// Done is closed once Run has returned.
func (r *Router) Done() <-chan struct{} {
	return r.stopped
}

func (r *Router) runOp(op func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Recovered from panic in router operation: %v", rec)
		}
	}()
	op()
}

// do hands fn to the router goroutine and waits for it to finish.
func (r *Router) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}

	select {
	case r.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrRouterStopped
	}
	<-done
	return nil
}

// Connect admits a connection for userID, subscribes it to its personal
// room, announces the user and sends it the users:active snapshot.
func (r *Router) Connect(ctx context.Context, connID, userID string, client Client) error {
	var err error
	if doErr := r.do(ctx, func() { err = r.admit(connID, userID, client) }); doErr != nil {
		return doErr
	}
	return err
}

// Disconnect removes a connection and cleans up its rooms. Unknown IDs are ignored.
func (r *Router) Disconnect(ctx context.Context, connID string) error {
	return r.do(ctx, func() { r.remove(connID) })
}

// HandleMessage decodes a raw frame received on connID and routes it.
// Malformed frames are logged and dropped; the returned error is informational.
func (r *Router) HandleMessage(ctx context.Context, connID string, raw []byte) error {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		r.drop(connID, err)
		return err
	}

	if doErr := r.do(ctx, func() {
		conn, ok := r.registry.Get(connID)
		if !ok {
			err = fmt.Errorf("%w: unknown connection %s", ErrMalformedEvent, connID)
		} else {
			err = r.dispatch(conn, conn.UserID, env)
		}
		if err != nil {
			r.drop(connID, err)
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// Publish routes an event submitted from outside the socket layer, such as
// the CRUD API. There is no sender connection to exclude.
func (r *Router) Publish(ctx context.Context, originUserID string, env Envelope) error {
	var err error
	if doErr := r.do(ctx, func() {
		err = r.dispatch(nil, strings.TrimSpace(originUserID), env)
		if err != nil {
			r.drop("external:"+originUserID, err)
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// Snapshot returns the live connections.
func (r *Router) Snapshot(ctx context.Context) (ActiveUsers, error) {
	var snap ActiveUsers
	err := r.do(ctx, func() { snap = r.registry.Snapshot() })
	return snap, err
}

// Members returns the user IDs subscribed to roomKey.
func (r *Router) Members(ctx context.Context, roomKey string) ([]string, error) {
	var members []string
	err := r.do(ctx, func() { members = r.rooms.MembersOf(roomKey) })
	return members, err
}

// RoomsOf returns the rooms userID belongs to.
func (r *Router) RoomsOf(ctx context.Context, userID string) ([]string, error) {
	var rooms []string
	err := r.do(ctx, func() { rooms = r.rooms.RoomsContaining(userID) })
	return rooms, err
}

func (r *Router) admit(connID, userID string, client Client) error {
	userID = strings.TrimSpace(userID)
	now := r.now()

	conn, err := r.registry.Admit(connID, userID, client, now)
	if err != nil {
		log.Printf("Rejected connection %s: %v", connID, err)
		return err
	}
	if _, err := r.subscribe(conn, PersonalRoom(userID)); err != nil {
		r.registry.Remove(connID)
		return err
	}
	r.updateGauges()
	log.Printf("User %s connected on %s. Total connections: %d", userID, connID, r.registry.Len())

	r.broadcast(Outbound{
		Event: KindUserJoined,
		Data:  PresenceEvent{UserID: userID, Timestamp: now},
	}, conn.ID)

	if payload, ok := r.encode(Outbound{Event: KindUsersActive, Data: r.registry.Snapshot()}); ok {
		r.deliver(conn, payload, "direct")
	}

	if r.observer != nil {
		r.observer.ConnectionOpened(conn.Info())
	}
	return nil
}

func (r *Router) remove(connID string) {
	conn, ok := r.registry.Remove(connID)
	if !ok {
		return
	}
	now := r.now()

	for _, roomKey := range conn.Rooms() {
		if !r.unsubscribe(conn, roomKey) {
			continue
		}
		if projectID, ok := isProjectRoom(roomKey); ok {
			r.toRoom(roomKey, Outbound{
				Event: KindUserLeft,
				Room:  roomKey,
				Data:  PresenceEvent{UserID: conn.UserID, ProjectID: projectID, Timestamp: now},
			}, conn.ID)
		}
	}

	r.broadcast(Outbound{
		Event: KindUserLeft,
		Data:  PresenceEvent{UserID: conn.UserID, Timestamp: now},
	}, conn.ID)

	r.updateGauges()
	log.Printf("User %s disconnected from %s. Total connections: %d", conn.UserID, connID, r.registry.Len())

	if r.observer != nil {
		r.observer.ConnectionClosed(conn.Info(), now)
	}
}

// subscribe adds conn to roomKey and reports whether the user's membership began.
func (r *Router) subscribe(conn *Connection, roomKey string) (bool, error) {
	if conn.Subscribed(roomKey) {
		return false, nil
	}
	began := !r.rooms.IsMember(roomKey, conn.UserID)
	if err := r.rooms.Join(roomKey, conn.UserID); err != nil {
		return false, err
	}
	conn.rooms[roomKey] = struct{}{}
	return began, nil
}

// unsubscribe removes conn from roomKey and reports whether the user's
// membership ended, i.e. no other live connection of the user holds the room.
func (r *Router) unsubscribe(conn *Connection, roomKey string) bool {
	if !conn.Subscribed(roomKey) {
		return false
	}
	delete(conn.rooms, roomKey)

	for _, other := range r.registry.ForUser(conn.UserID) {
		if other.ID != conn.ID && other.Subscribed(roomKey) {
			return false
		}
	}
	_ = r.rooms.Leave(roomKey, conn.UserID)
	return true
}

func (r *Router) dispatch(sender *Connection, origin string, env Envelope) error {
	senderID := ""
	if sender != nil {
		senderID = sender.ID
	}

	var err error
	switch env.Event {
	case KindProjectJoin, KindProjectLeave:
		if sender == nil {
			return fmt.Errorf("%w: %s requires a socket connection", ErrMalformedEvent, env.Event)
		}
		if env.Event == KindProjectJoin {
			err = r.joinProject(sender, env)
		} else {
			err = r.leaveProject(sender, env)
		}
	case KindTaskUpdate:
		err = r.taskUpdate(senderID, origin, env)
	case KindTaskCreate:
		err = r.taskCreate(senderID, origin, env)
	case KindProjectUpdate:
		err = r.projectUpdate(origin, env)
	case KindCommentAdd:
		err = r.commentAdd(senderID, origin, env)
	case KindNotificationSend:
		err = r.notificationSend(env)
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, env.Event)
	}
	if err != nil {
		return err
	}

	eventsRouted.WithLabelValues(string(env.Event)).Inc()
	return nil
}

func (r *Router) joinProject(conn *Connection, env Envelope) error {
	var p projectRoomPayload
	if err := decodeData(env, &p); err != nil {
		return err
	}
	if p.ProjectID == "" {
		return fmt.Errorf("%w: %s requires projectId", ErrInvalidRoom, env.Event)
	}

	projectID := string(p.ProjectID)
	roomKey := ProjectRoom(projectID)
	began, err := r.subscribe(conn, roomKey)
	if err != nil {
		return err
	}
	r.updateGauges()
	log.Printf("User %s joined project %s", conn.UserID, projectID)

	if began {
		r.toRoom(roomKey, Outbound{
			Event: KindUserJoined,
			Room:  roomKey,
			Data:  PresenceEvent{UserID: conn.UserID, ProjectID: projectID, Timestamp: r.now()},
		}, conn.ID)
	}
	return nil
}

func (r *Router) leaveProject(conn *Connection, env Envelope) error {
	var p projectRoomPayload
	if err := decodeData(env, &p); err != nil {
		return err
	}
	if p.ProjectID == "" {
		return fmt.Errorf("%w: %s requires projectId", ErrInvalidRoom, env.Event)
	}

	projectID := string(p.ProjectID)
	roomKey := ProjectRoom(projectID)
	if !r.unsubscribe(conn, roomKey) {
		return nil
	}
	r.updateGauges()
	log.Printf("User %s left project %s", conn.UserID, projectID)

	r.toRoom(roomKey, Outbound{
		Event: KindUserLeft,
		Room:  roomKey,
		Data:  PresenceEvent{UserID: conn.UserID, ProjectID: projectID, Timestamp: r.now()},
	}, conn.ID)
	return nil
}

func (r *Router) taskUpdate(senderID, origin string, env Envelope) error {
	var p taskUpdatePayload
	if err := decodeData(env, &p); err != nil {
		return err
	}
	if p.TaskID == "" {
		return missing(env.Event, "taskId")
	}
	if p.Update == nil {
		return missing(env.Event, "update")
	}

	by := firstNonEmpty(string(p.UserID), origin)
	log.Printf("Task %s updated by %s", p.TaskID, by)

	data := TaskUpdatedEvent{TaskID: string(p.TaskID), Update: p.Update, UpdatedBy: by, Timestamp: r.now()}
	r.broadcast(Outbound{Event: KindTaskUpdated, Data: data}, senderID)
	if projectID := idField(p.Update, "projectId"); projectID != "" {
		roomKey := ProjectRoom(projectID)
		r.toRoom(roomKey, Outbound{Event: KindTaskUpdated, Room: roomKey, Data: data}, senderID)
	}
	return nil
}

func (r *Router) taskCreate(senderID, origin string, env Envelope) error {
	var p taskCreatePayload
	if err := decodeData(env, &p); err != nil {
		return err
	}
	if p.Task == nil {
		return missing(env.Event, "task")
	}

	by := firstNonEmpty(string(p.UserID), origin)
	log.Printf("New task created by %s", by)

	data := TaskCreatedEvent{Task: p.Task, CreatedBy: by, Timestamp: r.now()}
	r.broadcast(Outbound{Event: KindTaskCreated, Data: data}, senderID)
	if projectID := idField(p.Task, "projectId"); projectID != "" {
		roomKey := ProjectRoom(projectID)
		r.toRoom(roomKey, Outbound{Event: KindTaskCreated, Room: roomKey, Data: data}, senderID)
	}
	return nil
}

func (r *Router) projectUpdate(origin string, env Envelope) error {
	var p projectUpdatePayload
	if err := decodeData(env, &p); err != nil {
		return err
	}
	if p.ProjectID == "" {
		return missing(env.Event, "projectId")
	}

	by := firstNonEmpty(string(p.UserID), origin)
	log.Printf("Project %s updated by %s", p.ProjectID, by)

	roomKey := ProjectRoom(string(p.ProjectID))
	r.toRoom(roomKey, Outbound{
		Event: KindProjectUpdated,
		Room:  roomKey,
		Data: ProjectUpdatedEvent{
			ProjectID: string(p.ProjectID),
			Update:    p.Update,
			UpdatedBy: by,
			Timestamp: r.now(),
		},
	}, "")
	return nil
}

func (r *Router) commentAdd(senderID, origin string, env Envelope) error {
	var p commentAddPayload
	if err := decodeData(env, &p); err != nil {
		return err
	}
	if p.TaskID == "" {
		return missing(env.Event, "taskId")
	}

	author := firstNonEmpty(string(p.UserID), origin)
	log.Printf("New comment on task %s by %s", p.TaskID, author)

	r.broadcast(Outbound{
		Event: KindCommentAdded,
		Data: CommentAddedEvent{
			TaskID:    string(p.TaskID),
			Comment:   p.Comment,
			Author:    author,
			Timestamp: r.now(),
		},
	}, senderID)
	return nil
}

func (r *Router) notificationSend(env Envelope) error {
	var p notificationSendPayload
	if err := decodeData(env, &p); err != nil {
		return err
	}
	if p.TargetUserID == "" {
		return missing(env.Event, "targetUserId")
	}

	roomKey := PersonalRoom(string(p.TargetUserID))
	r.toRoom(roomKey, Outbound{
		Event: KindNotificationNew,
		Room:  roomKey,
		Data:  notificationEvent(p.Notification, r.now()),
	}, "")
	return nil
}

// broadcast queues out to every live connection except exceptID.
func (r *Router) broadcast(out Outbound, exceptID string) {
	payload, ok := r.encode(out)
	if !ok {
		return
	}
	for _, conn := range r.registry.All() {
		if conn.ID == exceptID || conn.closing {
			continue
		}
		r.deliver(conn, payload, "all")
	}
}

// toRoom queues out to every connection subscribed to roomKey except exceptID.
// An empty room is a silent no-op.
func (r *Router) toRoom(roomKey string, out Outbound, exceptID string) {
	members := r.rooms.MembersOf(roomKey)
	if len(members) == 0 {
		return
	}
	payload, ok := r.encode(out)
	if !ok {
		return
	}
	for _, userID := range members {
		for _, conn := range r.registry.ForUser(userID) {
			if conn.ID == exceptID || conn.closing || !conn.Subscribed(roomKey) {
				continue
			}
			r.deliver(conn, payload, "room")
		}
	}
}

func (r *Router) encode(out Outbound) ([]byte, bool) {
	payload, err := json.Marshal(out)
	if err != nil {
		log.Printf("Error encoding %s event: %v", out.Event, err)
		eventsDropped.WithLabelValues("encode").Inc()
		return nil, false
	}
	return payload, true
}

// deliver hands payload to the client's send queue. A full queue closes the
// connection once; it gets no further frames while its read loop reports
// the disconnect.
func (r *Router) deliver(conn *Connection, payload []byte, scope string) {
	if conn.closing {
		return
	}
	if conn.client.Send(payload) {
		deliveries.WithLabelValues(scope).Inc()
		return
	}
	conn.closing = true
	slowConsumers.Inc()
	log.Printf("Send queue full for connection %s (user %s); closing", conn.ID, conn.UserID)
	conn.client.Close()
}

func (r *Router) drop(source string, err error) {
	reason := "error"
	switch {
	case errors.Is(err, ErrInvalidRoom):
		reason = "invalid_room"
	case errors.Is(err, ErrInvalidIdentity):
		reason = "invalid_identity"
	case errors.Is(err, ErrMalformedEvent):
		reason = "malformed"
	}
	eventsDropped.WithLabelValues(reason).Inc()
	log.Printf("Dropped event from %s: %v", source, err)
}

func (r *Router) updateGauges() {
	connectionsGauge.Set(float64(r.registry.Len()))
	roomsGauge.Set(float64(r.rooms.Len()))
}

// shutdownClients closes every live connection and reports each one closed
// to the observer. Disconnects arriving after Run returns are not seen.
func (r *Router) shutdownClients() {
	conns := r.registry.All()
	now := r.now()
	for _, conn := range conns {
		conn.closing = true
		conn.client.Close()
		if r.observer != nil {
			r.observer.ConnectionClosed(conn.Info(), now)
		}
	}
	log.Printf("Closed %d client connections", len(conns))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
