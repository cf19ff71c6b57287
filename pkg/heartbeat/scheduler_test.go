package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wangjinchao-pacvue/switch-service/pkg/events"
	"github.com/wangjinchao-pacvue/switch-service/pkg/registry"
	"github.com/wangjinchao-pacvue/switch-service/pkg/storage"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

type fakeRenewer struct {
	mu       sync.Mutex
	err      error
	calls    int
	interval time.Duration
}

func (f *fakeRenewer) Renew(ctx context.Context, serviceName string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeRenewer) HeartbeatInterval() time.Duration { return f.interval }

func (f *fakeRenewer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRenewer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T, renewer *fakeRenewer) (*Scheduler, *storage.BoltStore, *recorder) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	rec := &recorder{}
	return NewScheduler(renewer, store, rec), store, rec
}

func TestBeatEventsAreEdgeTriggered(t *testing.T) {
	renewer := &fakeRenewer{interval: time.Hour}
	s, store, rec := newTestScheduler(t, renewer)
	ctx := context.Background()
	key := types.NewServiceKey("api", 4000)

	renewer.setErr(errors.New("connection refused"))
	for i := 0; i < 3; i++ {
		s.Beat(ctx, "api", 4000)
	}
	assert.Equal(t, 1, rec.count(events.EventHeartbeatFailed))

	info, failing := s.Error(key)
	require.True(t, failing)
	assert.Equal(t, "NETWORK_ERROR", info.Code)

	renewer.setErr(nil)
	s.Beat(ctx, "api", 4000)
	s.Beat(ctx, "api", 4000)
	assert.Equal(t, 1, rec.count(events.EventHeartbeatRecovered))
	_, failing = s.Error(key)
	assert.False(t, failing)

	history, err := store.RecentHeartbeats(key, 10)
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, types.HeartbeatError, history[0].Status)
	assert.Equal(t, "connection refused", history[0].Message)
	assert.Equal(t, types.HeartbeatSuccess, history[4].Status)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.HeartbeatStatus
	}{
		{"nil", nil, types.HeartbeatSuccess},
		{"timeout", fmt.Errorf("renew: %w", registry.ErrTimeout), types.HeartbeatTimeout},
		{"deadline", context.DeadlineExceeded, types.HeartbeatTimeout},
		{"status", &registry.StatusError{Code: 404}, types.HeartbeatError},
		{"other", errors.New("boom"), types.HeartbeatError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
	assert.Equal(t, "404", errorCode(&registry.StatusError{Code: 404}))
}

func TestStartIsIdempotentAndStopClearsState(t *testing.T) {
	renewer := &fakeRenewer{interval: 10 * time.Millisecond}
	s, store, _ := newTestScheduler(t, renewer)
	key := types.NewServiceKey("api", 4000)

	s.Start("api", 4000)
	s.Start("api", 4000)
	assert.Equal(t, []types.ServiceKey{key}, s.Keys())

	require.Eventually(t, func() bool { return renewer.callCount() >= 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, store.PutHealthStatus(&types.ServiceHealthStatus{ServiceName: "api", Port: 4000, Status: types.HealthWarning}))
	require.NoError(t, s.Stop("api", 4000))
	assert.False(t, s.Running(key))

	calls := renewer.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, renewer.callCount(), "no ticks after stop")

	history, err := store.RecentHeartbeats(key, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
	_, err = store.GetHealthStatus(key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.NoError(t, s.Stop("api", 4000), "stop is idempotent")
}

func TestStopAllKeepsHistory(t *testing.T) {
	renewer := &fakeRenewer{interval: 10 * time.Millisecond}
	s, store, _ := newTestScheduler(t, renewer)
	s.Start("a", 4000)
	s.Start("b", 4001)

	keyA := types.NewServiceKey("a", 4000)
	require.Eventually(t, func() bool {
		history, err := store.RecentHeartbeats(keyA, 1)
		return err == nil && len(history) == 1
	}, time.Second, 5*time.Millisecond)

	s.StopAll()
	assert.Empty(t, s.Keys())

	history, err := store.RecentHeartbeats(keyA, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}
