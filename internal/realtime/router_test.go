package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRouter_ConnectSendsSnapshotAndAnnounces(t *testing.T) {
	r := startRouter(t)

	a := connect(t, r, "c-a", "user_1")
	active := a.received(KindUsersActive)
	require.Len(t, active, 1)
	require.GreaterOrEqual(t, decode[ActiveUsers](t, active[0]).Count, 1)
	require.Empty(t, a.received(KindUserJoined))

	b := connect(t, r, "c-b", "user_2")
	snap := decode[ActiveUsers](t, b.received(KindUsersActive)[0])
	require.Equal(t, 2, snap.Count)

	joined := a.received(KindUserJoined)
	require.Len(t, joined, 1)
	require.Equal(t, "user_2", decode[PresenceEvent](t, joined[0]).UserID)
	require.Empty(t, b.received(KindUserJoined))

	rooms, err := r.RoomsOf(context.Background(), "user_2")
	require.NoError(t, err)
	require.Equal(t, []string{PersonalRoom("user_2")}, rooms)
}

func TestRouter_ConnectRejectsMissingIdentity(t *testing.T) {
	r := startRouter(t)
	other := connect(t, r, "c-other", "user_9")
	other.reset()

	err := r.Connect(context.Background(), "c-1", "", newFakeClient())
	require.ErrorIs(t, err, ErrInvalidIdentity)
	require.Zero(t, other.count())

	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, snap.Count)
}

func TestRouter_TaskUpdateRouting(t *testing.T) {
	r := startRouter(t)
	sender := connect(t, r, "c-s", "user_s")
	member := connect(t, r, "c-m", "user_m")
	outsider := connect(t, r, "c-o", "user_o")
	require.NoError(t, emit(t, r, "c-m", KindProjectJoin, map[string]any{"projectId": "P"}))
	sender.reset()
	member.reset()
	outsider.reset()

	err := emit(t, r, "c-s", KindTaskUpdate, map[string]any{
		"taskId": "t-1",
		"update": map[string]any{"projectId": "P", "status": "done"},
		"userId": "user_s",
	})
	require.NoError(t, err)

	got := member.received(KindTaskUpdated)
	require.Len(t, got, 2)
	require.Equal(t, "", got[0].Room)
	require.Equal(t, ProjectRoom("P"), got[1].Room)
	evt := decode[TaskUpdatedEvent](t, got[1])
	require.Equal(t, "t-1", evt.TaskID)
	require.Equal(t, "user_s", evt.UpdatedBy)

	require.Len(t, outsider.received(KindTaskUpdated), 1)
	require.Empty(t, sender.received(KindTaskUpdated))
}

func TestRouter_ProjectUpdateOnlyReachesRoom(t *testing.T) {
	r := startRouter(t)
	sender := connect(t, r, "c-s", "user_s")
	member := connect(t, r, "c-m", "user_m")
	outsider := connect(t, r, "c-o", "user_o")
	require.NoError(t, emit(t, r, "c-s", KindProjectJoin, map[string]any{"projectId": "P"}))
	require.NoError(t, emit(t, r, "c-m", KindProjectJoin, map[string]any{"projectId": "P"}))

	require.NoError(t, emit(t, r, "c-s", KindProjectUpdate, map[string]any{
		"projectId": "P",
		"update":    map[string]any{"name": "Renamed"},
	}))

	require.Len(t, member.received(KindProjectUpdated), 1)
	require.Len(t, sender.received(KindProjectUpdated), 1)
	require.Empty(t, outsider.received(KindProjectUpdated))

	evt := decode[ProjectUpdatedEvent](t, member.received(KindProjectUpdated)[0])
	require.Equal(t, "P", evt.ProjectID)
	require.Equal(t, "user_s", evt.UpdatedBy)
}

func TestRouter_NotificationOnlyReachesTarget(t *testing.T) {
	r := startRouter(t)
	sender := connect(t, r, "c-s", "user_s")
	target1 := connect(t, r, "c-t1", "U")
	target2 := connect(t, r, "c-t2", "U")
	other := connect(t, r, "c-o", "user_o")

	require.NoError(t, emit(t, r, "c-s", KindNotificationSend, map[string]any{
		"targetUserId": "U",
		"notification": map[string]any{"title": "Assigned", "taskId": "t-1"},
	}))

	for _, c := range []*fakeClient{target1, target2} {
		got := c.received(KindNotificationNew)
		require.Len(t, got, 1)
		fields := decode[map[string]any](t, got[0])
		require.Equal(t, "Assigned", fields["title"])
		require.Contains(t, fields, "timestamp")
	}
	require.Empty(t, sender.received(KindNotificationNew))
	require.Empty(t, other.received(KindNotificationNew))
}

func TestRouter_CommentBroadcastsExceptSender(t *testing.T) {
	r := startRouter(t)
	sender := connect(t, r, "c-s", "user_s")
	other := connect(t, r, "c-o", "user_o")

	require.NoError(t, emit(t, r, "c-s", KindCommentAdd, map[string]any{
		"taskId":  7,
		"comment": map[string]any{"body": "looks good"},
	}))

	got := other.received(KindCommentAdded)
	require.Len(t, got, 1)
	evt := decode[CommentAddedEvent](t, got[0])
	require.Equal(t, "7", evt.TaskID)
	require.Equal(t, "user_s", evt.Author)
	require.Empty(t, sender.received(KindCommentAdded))
}

func TestRouter_TaskCreateDualDelivery(t *testing.T) {
	r := startRouter(t)
	a := connect(t, r, "c-a", "user_1")
	require.NoError(t, emit(t, r, "c-a", KindProjectJoin, map[string]any{"projectId": "42"}))
	b := connect(t, r, "c-b", "user_2")
	require.NoError(t, emit(t, r, "c-b", KindProjectJoin, map[string]any{"projectId": 42}))

	require.NoError(t, emit(t, r, "c-a", KindTaskCreate, map[string]any{
		"task":   map[string]any{"id": "t-9", "projectId": "42"},
		"userId": "user_1",
	}))

	got := b.received(KindTaskCreated)
	require.Len(t, got, 2)
	rooms := []string{got[0].Room, got[1].Room}
	require.ElementsMatch(t, []string{"", "project:42"}, rooms)
	require.Equal(t, "user_1", decode[TaskCreatedEvent](t, got[0]).CreatedBy)
	require.Empty(t, a.received(KindTaskCreated))
}

func TestRouter_DisconnectCleansRoomsAndNotifies(t *testing.T) {
	r := startRouter(t)
	ctx := context.Background()
	connect(t, r, "c-a", "user_1")
	require.NoError(t, emit(t, r, "c-a", KindProjectJoin, map[string]any{"projectId": "42"}))
	require.NoError(t, emit(t, r, "c-a", KindProjectJoin, map[string]any{"projectId": "7"}))
	b := connect(t, r, "c-b", "user_2")
	require.NoError(t, emit(t, r, "c-b", KindProjectJoin, map[string]any{"projectId": "42"}))
	b.reset()

	require.NoError(t, r.Disconnect(ctx, "c-a"))

	rooms, err := r.RoomsOf(ctx, "user_1")
	require.NoError(t, err)
	require.Empty(t, rooms)

	left := b.received(KindUserLeft)
	require.Len(t, left, 2)
	var scoped, global int
	for _, fr := range left {
		evt := decode[PresenceEvent](t, fr)
		require.Equal(t, "user_1", evt.UserID)
		if fr.Room == "project:42" {
			scoped++
			require.Equal(t, "42", evt.ProjectID)
		} else {
			global++
			require.Empty(t, fr.Room)
		}
	}
	require.Equal(t, 1, scoped)
	require.Equal(t, 1, global)

	members, err := r.Members(ctx, "project:42")
	require.NoError(t, err)
	require.Equal(t, []string{"user_2"}, members)

	// disconnect is always safe to repeat
	require.NoError(t, r.Disconnect(ctx, "c-a"))
	require.NoError(t, r.Disconnect(ctx, "c-never"))
}

func TestRouter_LeaveKeepsOtherMembers(t *testing.T) {
	r := startRouter(t)
	ctx := context.Background()
	connect(t, r, "c-a", "user_1")
	b := connect(t, r, "c-b", "user_2")
	require.NoError(t, emit(t, r, "c-a", KindProjectJoin, map[string]any{"projectId": "42"}))
	require.NoError(t, emit(t, r, "c-b", KindProjectJoin, map[string]any{"projectId": "42"}))
	b.reset()

	require.NoError(t, emit(t, r, "c-a", KindProjectLeave, map[string]any{"projectId": "42"}))
	members, err := r.Members(ctx, "project:42")
	require.NoError(t, err)
	require.Equal(t, []string{"user_2"}, members)
	require.Len(t, b.received(KindUserLeft), 1)

	// leaving again is a no-op
	b.reset()
	require.NoError(t, emit(t, r, "c-a", KindProjectLeave, map[string]any{"projectId": "42"}))
	require.Zero(t, b.count())
}

func TestRouter_MembershipPerUserAcrossConnections(t *testing.T) {
	r := startRouter(t)
	ctx := context.Background()
	observer := connect(t, r, "c-obs", "watcher")
	connect(t, r, "c-1", "user_1")
	connect(t, r, "c-2", "user_1")
	// every admitted connection is announced, even a second one of the same user
	require.Len(t, observer.received(KindUserJoined), 2)
	observer.reset()

	require.NoError(t, emit(t, r, "c-obs", KindProjectJoin, map[string]any{"projectId": "42"}))
	require.NoError(t, emit(t, r, "c-1", KindProjectJoin, map[string]any{"projectId": "42"}))
	require.NoError(t, emit(t, r, "c-2", KindProjectJoin, map[string]any{"projectId": "42"}))
	joined := observer.received(KindUserJoined)
	require.Len(t, joined, 1) // the user's room membership began once
	require.Equal(t, "project:42", joined[0].Room)
	observer.reset()

	require.NoError(t, emit(t, r, "c-1", KindProjectLeave, map[string]any{"projectId": "42"}))
	members, err := r.Members(ctx, "project:42")
	require.NoError(t, err)
	require.Contains(t, members, "user_1")
	require.Empty(t, observer.received(KindUserLeft))

	require.NoError(t, r.Disconnect(ctx, "c-2"))
	members, err = r.Members(ctx, "project:42")
	require.NoError(t, err)
	require.Equal(t, []string{"watcher"}, members)

	left := observer.received(KindUserLeft)
	require.Len(t, left, 2)
	require.ElementsMatch(t, []string{"", "project:42"}, []string{left[0].Room, left[1].Room})
}

func TestRouter_EveryConnectionAnnouncedOnBroadcast(t *testing.T) {
	r := startRouter(t)
	ctx := context.Background()
	watcher := connect(t, r, "c-w", "watcher")
	connect(t, r, "c-1", "user_1")
	watcher.reset()

	connect(t, r, "c-2", "user_1")
	joined := watcher.received(KindUserJoined)
	require.Len(t, joined, 1)
	require.Empty(t, joined[0].Room)
	require.Equal(t, "user_1", decode[PresenceEvent](t, joined[0]).UserID)

	require.NoError(t, r.Disconnect(ctx, "c-2"))
	left := watcher.received(KindUserLeft)
	require.Len(t, left, 1)
	require.Empty(t, left[0].Room)
	require.Equal(t, "user_1", decode[PresenceEvent](t, left[0]).UserID)
}

func TestRouter_MalformedEventsAreDropped(t *testing.T) {
	r := startRouter(t)
	ctx := context.Background()
	sender := connect(t, r, "c-s", "user_s")
	other := connect(t, r, "c-o", "user_o")
	require.NoError(t, emit(t, r, "c-o", KindProjectJoin, map[string]any{"projectId": "P"}))
	sender.reset()
	other.reset()

	require.ErrorIs(t, r.HandleMessage(ctx, "c-s", []byte("not json")), ErrMalformedEvent)
	require.ErrorIs(t, r.HandleMessage(ctx, "c-s", []byte(`{"data":{}}`)), ErrMalformedEvent)
	require.ErrorIs(t, emit(t, r, "c-s", "task:explode", map[string]any{}), ErrMalformedEvent)
	require.ErrorIs(t, emit(t, r, "c-s", KindTaskUpdate, map[string]any{"update": map[string]any{}}), ErrMalformedEvent)
	require.ErrorIs(t, emit(t, r, "c-s", KindTaskUpdate, map[string]any{"taskId": "t-1"}), ErrMalformedEvent)
	require.ErrorIs(t, emit(t, r, "c-s", KindTaskCreate, map[string]any{"userId": "x"}), ErrMalformedEvent)
	require.ErrorIs(t, emit(t, r, "c-s", KindProjectUpdate, map[string]any{"update": map[string]any{}}), ErrMalformedEvent)
	require.ErrorIs(t, emit(t, r, "c-s", KindCommentAdd, map[string]any{"comment": "hi"}), ErrMalformedEvent)
	require.ErrorIs(t, emit(t, r, "c-s", KindNotificationSend, map[string]any{"notification": map[string]any{}}), ErrMalformedEvent)
	require.ErrorIs(t, emit(t, r, "c-s", KindProjectJoin, map[string]any{}), ErrInvalidRoom)
	require.ErrorIs(t, emit(t, r, "c-s", KindProjectLeave, map[string]any{"projectId": ""}), ErrInvalidRoom)

	require.Zero(t, sender.count())
	require.Zero(t, other.count())
	require.False(t, sender.isClosed())

	// the connection keeps working afterwards
	require.NoError(t, emit(t, r, "c-s", KindCommentAdd, map[string]any{"taskId": "t-1"}))
	require.Len(t, other.received(KindCommentAdded), 1)
}

func TestRouter_EmptyRoomIsSilent(t *testing.T) {
	r := startRouter(t)
	a := connect(t, r, "c-a", "user_1")
	a.reset()

	require.NoError(t, emit(t, r, "c-a", KindProjectUpdate, map[string]any{"projectId": "nobody-here"}))
	require.NoError(t, emit(t, r, "c-a", KindNotificationSend, map[string]any{"targetUserId": "offline"}))
	require.Zero(t, a.count())
}

func TestRouter_PublishFromOutside(t *testing.T) {
	r := startRouter(t)
	ctx := context.Background()
	a := connect(t, r, "c-a", "user_1")
	require.NoError(t, emit(t, r, "c-a", KindProjectJoin, map[string]any{"projectId": "42"}))
	a.reset()

	env, err := DecodeEnvelope([]byte(`{"event":"task:update","data":{"taskId":"t-1","update":{"projectId":42}}}`))
	require.NoError(t, err)
	require.NoError(t, r.Publish(ctx, "api-user", env))

	got := a.received(KindTaskUpdated)
	require.Len(t, got, 2)
	require.Equal(t, "api-user", decode[TaskUpdatedEvent](t, got[0]).UpdatedBy)

	join, err := DecodeEnvelope([]byte(`{"event":"project:join","data":{"projectId":"42"}}`))
	require.NoError(t, err)
	require.ErrorIs(t, r.Publish(ctx, "api-user", join), ErrMalformedEvent)
}

func TestRouter_SlowConsumerIsClosed(t *testing.T) {
	r := startRouter(t)
	slow := connect(t, r, "c-slow", "user_slow")
	other := connect(t, r, "c-o", "user_o")
	connect(t, r, "c-a", "user_1")
	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()
	attempts := slow.sendAttempts()
	other.reset()

	for i := 0; i < 5; i++ {
		require.NoError(t, emit(t, r, "c-a", KindCommentAdd, map[string]any{"taskId": "t-1"}))
	}
	require.True(t, slow.isClosed())
	// closed once, then skipped until its read loop disconnects it
	require.Equal(t, attempts+1, slow.sendAttempts())
	require.Len(t, other.received(KindCommentAdded), 5)

	require.NoError(t, r.Disconnect(context.Background(), "c-slow"))
	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, snap.Count)
}

type recordingObserver struct {
	mu     sync.Mutex
	opened []ConnectionInfo
	closed []ConnectionInfo
}

func (o *recordingObserver) ConnectionOpened(info ConnectionInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, info)
}

func (o *recordingObserver) ConnectionClosed(info ConnectionInfo, _ time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, info)
}

func TestRouter_ObserverAndClock(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	obs := &recordingObserver{}
	r := startRouter(t, WithObserver(obs), WithClock(func() time.Time { return fixed }))

	a := connect(t, r, "c-a", "user_1")
	require.NoError(t, r.Disconnect(context.Background(), "c-a"))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.opened, 1)
	require.Len(t, obs.closed, 1)
	require.Equal(t, "user_1", obs.closed[0].UserID)
	require.True(t, obs.opened[0].JoinedAt.Equal(fixed))

	snap := decode[ActiveUsers](t, a.received(KindUsersActive)[0])
	require.True(t, snap.Users[0].JoinedAt.Equal(fixed))
}

func TestRouter_StopClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRouter()
	go r.Run(ctx)

	a := newFakeClient()
	require.NoError(t, r.Connect(context.Background(), "c-a", "user_1", a))

	cancel()
	<-r.Done()
	require.True(t, a.isClosed())
	require.ErrorIs(t, r.Disconnect(context.Background(), "c-a"), ErrRouterStopped)
}

func TestRouter_StopReportsOpenConnectionsClosed(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	obs := &recordingObserver{}
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRouter(WithObserver(obs), WithClock(func() time.Time { return fixed }))
	go r.Run(ctx)

	require.NoError(t, r.Connect(context.Background(), "c-a", "user_1", newFakeClient()))
	require.NoError(t, r.Connect(context.Background(), "c-b", "user_2", newFakeClient()))
	require.NoError(t, r.Disconnect(context.Background(), "c-b"))

	cancel()
	<-r.Done()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.closed, 2)
	var ids []string
	for _, info := range obs.closed {
		ids = append(ids, info.SocketID)
	}
	require.ElementsMatch(t, []string{"c-a", "c-b"}, ids)
}
