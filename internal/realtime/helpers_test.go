package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type frame struct {
	Event EventKind       `json:"event"`
	Room  string          `json:"room"`
	Data  json.RawMessage `json:"data"`
}

// fakeClient records every frame queued to it.
type fakeClient struct {
	mu       sync.Mutex
	frames   []frame
	attempts int
	full     bool
	closed   bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{}
}

func (f *fakeClient) Send(message []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.full || f.closed {
		return false
	}
	var fr frame
	if err := json.Unmarshal(message, &fr); err != nil {
		return false
	}
	f.frames = append(f.frames, fr)
	return true
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeClient) received(kind EventKind) []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []frame
	for _, fr := range f.frames {
		if fr.Event == kind {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeClient) sendAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeClient) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func startRouter(t *testing.T, opts ...Option) *Router {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRouter(opts...)
	go r.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-r.Done()
	})
	return r
}

func connect(t *testing.T, r *Router, connID, userID string) *fakeClient {
	t.Helper()
	c := newFakeClient()
	require.NoError(t, r.Connect(context.Background(), connID, userID, c))
	return c
}

func emit(t *testing.T, r *Router, connID string, kind EventKind, data any) error {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": kind, "data": data})
	require.NoError(t, err)
	return r.HandleMessage(context.Background(), connID, raw)
}

func decode[T any](t *testing.T, fr frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(fr.Data, &v))
	return v
}
