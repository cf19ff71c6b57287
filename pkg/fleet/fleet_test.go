package fleet

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wangjinchao-pacvue/switch-service/pkg/events"
	"github.com/wangjinchao-pacvue/switch-service/pkg/heartbeat"
	"github.com/wangjinchao-pacvue/switch-service/pkg/proxy"
	"github.com/wangjinchao-pacvue/switch-service/pkg/registry"
	"github.com/wangjinchao-pacvue/switch-service/pkg/registry/registrytest"
	"github.com/wangjinchao-pacvue/switch-service/pkg/storage"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

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

type staticAvailability struct{ state types.Availability }

func (s staticAvailability) Availability() types.RegistryAvailability {
	return types.RegistryAvailability{IsAvailable: s.state}
}

type env struct {
	ctrl     *Controller
	store    *storage.BoltStore
	runtime  *proxy.Runtime
	beats    *heartbeat.Scheduler
	registry *registrytest.Server
	events   *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	reg := registrytest.NewServer(t)
	client := registry.NewClient(reg.Config())
	rec := &recorder{}
	rt := proxy.NewRuntime(proxy.Options{GracePeriod: time.Second})
	beats := heartbeat.NewScheduler(client, store, rec)
	ctrl := NewController(store, rt, client, beats, rec, Options{})

	t.Cleanup(func() {
		beats.StopAll()
		rt.StopAll(context.Background())
		store.Close()
	})
	return &env{ctrl: ctrl, store: store, runtime: rt, beats: beats, registry: reg, events: rec}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func upstream(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, name)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fetch(t *testing.T, port int) string {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

func (e *env) create(t *testing.T, name string, port int, targets map[string]string, active string) *types.ProxyService {
	t.Helper()
	svc, err := e.ctrl.CreateService(ServiceSpec{ServiceName: name, Port: port, Targets: targets, ActiveTarget: active})
	require.NoError(t, err)
	return svc
}

func TestLifecycleScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	x, y := upstream(t, "x"), upstream(t, "y")
	port := freePort(t)

	svc := e.create(t, "api", port, map[string]string{"a": x.URL, "b": y.URL}, "a")
	assert.False(t, svc.IsRunning)

	require.NoError(t, e.ctrl.StartService(ctx, svc.ID, StartOptions{}))
	assert.Equal(t, "x", fetch(t, port))
	assert.Equal(t, 1, e.registry.Count(http.MethodPost))
	assert.True(t, e.registry.Registered("api", fmt.Sprintf("10.0.0.1:api:%d", port)))
	assert.True(t, e.beats.Running(svc.Key()))

	stored, err := e.store.GetService(svc.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsRunning)

	switched, err := e.ctrl.SwitchTarget(ctx, svc.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", switched.ActiveTarget)
	assert.True(t, switched.IsRunning)
	assert.Equal(t, "y", fetch(t, port))
	assert.Equal(t, 1, e.events.count(events.EventProxyStopped), "switch performs one stop")
	assert.Equal(t, 2, e.events.count(events.EventProxyStarted), "switch performs one start")
	assert.Equal(t, 1, e.events.count(events.EventProxySwitched))

	deletesBefore := e.registry.Count(http.MethodDelete)
	require.NoError(t, e.ctrl.StopService(ctx, svc.ID))
	assert.True(t, portFree(port))
	assert.Equal(t, deletesBefore+1, e.registry.Count(http.MethodDelete))
	assert.False(t, e.beats.Running(svc.Key()))

	stored, err = e.store.GetService(svc.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRunning)
	assert.Equal(t, "b", stored.ActiveTarget)
}

func TestStartStopIdempotence(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	x := upstream(t, "x")
	svc := e.create(t, "api", freePort(t), map[string]string{"a": x.URL}, "a")

	require.NoError(t, e.ctrl.StartService(ctx, svc.ID, StartOptions{}))
	err := e.ctrl.StartService(ctx, svc.ID, StartOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, IsConflict(err))
	assert.Equal(t, 1, e.runtime.Count())

	require.NoError(t, e.ctrl.StopService(ctx, svc.ID))
	assert.ErrorIs(t, e.ctrl.StopService(ctx, svc.ID), ErrNotRunning)

	require.NoError(t, e.ctrl.StartService(ctx, svc.ID, StartOptions{}))
	assert.Equal(t, "x", fetch(t, svc.Port))
}

func TestSwitchToUnknownTargetLeavesStateUnchanged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	x := upstream(t, "x")
	svc := e.create(t, "api", freePort(t), map[string]string{"a": x.URL}, "a")
	require.NoError(t, e.ctrl.StartService(ctx, svc.ID, StartOptions{}))

	_, err := e.ctrl.SwitchTarget(ctx, svc.ID, "missing")
	assert.ErrorIs(t, err, ErrUnknownTarget)

	stored, err := e.store.GetService(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", stored.ActiveTarget)
	assert.True(t, stored.IsRunning)
	assert.Equal(t, "x", fetch(t, svc.Port))
	assert.Zero(t, e.events.count(events.EventProxyStopped))
}

func TestSwitchStoppedServiceOnlyPersists(t *testing.T) {
	e := newEnv(t)
	x, y := upstream(t, "x"), upstream(t, "y")
	svc := e.create(t, "api", freePort(t), map[string]string{"a": x.URL, "b": y.URL}, "a")

	updated, err := e.ctrl.SwitchTarget(context.Background(), svc.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", updated.ActiveTarget)
	assert.False(t, updated.IsRunning)
	assert.Zero(t, e.runtime.Count())
}

func TestStartRefusedWhileRegistryDown(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	x := upstream(t, "x")
	svc := e.create(t, "api", freePort(t), map[string]string{"a": x.URL}, "a")

	e.ctrl.SetAvailabilitySource(staticAvailability{state: types.AvailabilityUnavailable})
	assert.ErrorIs(t, e.ctrl.StartService(ctx, svc.ID, StartOptions{}), ErrRegistryDown)
	assert.Zero(t, e.runtime.Count())

	require.NoError(t, e.ctrl.StartService(ctx, svc.ID, StartOptions{BypassRegistryCheck: true}))
	assert.True(t, e.runtime.Has(svc.Key()))
}

func TestStartWithRegistryErrorStillRuns(t *testing.T) {
	e := newEnv(t)
	x := upstream(t, "x")
	svc := e.create(t, "api", freePort(t), map[string]string{"a": x.URL}, "a")
	e.registry.SetDown(true)

	require.NoError(t, e.ctrl.StartService(context.Background(), svc.ID, StartOptions{}))
	assert.Equal(t, "x", fetch(t, svc.Port))
}

func TestStartBindFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	x := upstream(t, "x")
	svc := e.create(t, "api", port, map[string]string{"a": x.URL}, "a")

	err = e.ctrl.StartService(context.Background(), svc.ID, StartOptions{})
	var bindErr *proxy.BindError
	assert.ErrorAs(t, err, &bindErr)

	stored, err := e.store.GetService(svc.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRunning)
	assert.Zero(t, e.registry.Count(http.MethodPost))
	assert.False(t, e.beats.Running(svc.Key()))
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	e.ctrl.portRange = types.PortRange{Start: 4000, End: 4100}

	tests := []struct {
		name string
		spec ServiceSpec
	}{
		{"no targets", ServiceSpec{ServiceName: "a", Port: 4000}},
		{"port out of range", ServiceSpec{ServiceName: "a", Port: 5000, Targets: map[string]string{"a": "http://x"}}},
		{"unknown active", ServiceSpec{ServiceName: "a", Port: 4000, Targets: map[string]string{"a": "http://x"}, ActiveTarget: "b"}},
		{"bad url", ServiceSpec{ServiceName: "a", Port: 4000, Targets: map[string]string{"a": "not a url"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ctrl.CreateService(tt.spec)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	svc, err := e.ctrl.CreateService(ServiceSpec{ServiceName: "a", Port: 4000, Targets: map[string]string{"z": "http://z", "m": "http://m"}})
	require.NoError(t, err)
	assert.Equal(t, "m", svc.ActiveTarget, "first target by name is active by default")

	_, err = e.ctrl.CreateService(ServiceSpec{ServiceName: "a", Port: 4001, Targets: map[string]string{"a": "http://x"}})
	assert.ErrorIs(t, err, storage.ErrDuplicateName)
}

func TestUpdateRunningService(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	x, y := upstream(t, "x"), upstream(t, "y")
	svc := e.create(t, "api", freePort(t), map[string]string{"a": x.URL}, "a")
	require.NoError(t, e.ctrl.StartService(ctx, svc.ID, StartOptions{}))

	_, err := e.ctrl.UpdateService(ctx, svc.ID, ServiceSpec{ServiceName: "renamed", Port: svc.Port, Targets: svc.Targets, ActiveTarget: "a"})
	assert.ErrorIs(t, err, ErrServiceRunning)

	// adding a target keeps the listener untouched
	updated, err := e.ctrl.UpdateService(ctx, svc.ID, ServiceSpec{
		ServiceName: "api", Port: svc.Port,
		Targets:      map[string]string{"a": x.URL, "b": y.URL},
		ActiveTarget: "a",
	})
	require.NoError(t, err)
	assert.Len(t, updated.Targets, 2)
	assert.Zero(t, e.events.count(events.EventProxyStopped))

	// changing the active upstream restarts
	_, err = e.ctrl.UpdateService(ctx, svc.ID, ServiceSpec{
		ServiceName: "api", Port: svc.Port,
		Targets:      map[string]string{"a": y.URL, "b": y.URL},
		ActiveTarget: "a",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, e.events.count(events.EventProxyStopped))
	assert.Equal(t, "y", fetch(t, svc.Port))
}

func TestUpdateWithUnknownTagChangesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	x := upstream(t, "x")
	svc := e.create(t, "api", 4000, map[string]string{"a": x.URL}, "a")

	_, err := e.ctrl.UpdateService(ctx, svc.ID, ServiceSpec{
		ServiceName:  "renamed",
		Port:         4001,
		Targets:      map[string]string{"a": x.URL},
		ActiveTarget: "a",
		TagIDs:       []string{"no-such-tag"},
	})
	assert.True(t, IsNotFound(err))

	stored, err := e.store.GetService(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "api", stored.ServiceName)
	assert.Equal(t, 4000, stored.Port)
	assert.Empty(t, stored.TagIDs)
	assert.Zero(t, e.events.count(events.EventProxyUpdated))
}

func TestDeleteStopsAndPublishes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	x := upstream(t, "x")
	svc := e.create(t, "api", freePort(t), map[string]string{"a": x.URL}, "a")
	require.NoError(t, e.ctrl.StartService(ctx, svc.ID, StartOptions{}))

	require.NoError(t, e.ctrl.DeleteService(ctx, svc.ID))
	assert.Zero(t, e.runtime.Count())
	assert.True(t, portFree(svc.Port))
	assert.Equal(t, 1, e.events.count(events.EventProxyDeleted))

	_, err := e.store.GetService(svc.ID)
	assert.True(t, IsNotFound(err))
}

func TestReconcile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	x := upstream(t, "x")

	// persisted running without a listener, as after a crash
	ghost := e.create(t, "ghost", freePort(t), map[string]string{"a": x.URL}, "a")
	_, err := e.store.UpdateService(ghost.ID, func(s *types.ProxyService) error {
		s.IsRunning = true
		return nil
	})
	require.NoError(t, err)

	// live listener persisted as stopped
	live := e.create(t, "live", freePort(t), map[string]string{"a": x.URL}, "a")
	_, err = e.runtime.Start(live)
	require.NoError(t, err)

	// heartbeat without a listener
	e.beats.Start("orphan", 9)

	report, err := e.ctrl.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ghost.ID}, report.MarkedStopped)
	assert.Equal(t, []string{live.ID}, report.MarkedRunning)
	assert.Equal(t, []types.ServiceKey{"orphan:9"}, report.StrayHeartbeats)
	assert.False(t, e.beats.Running("orphan:9"))
	assert.Equal(t, 1, e.events.count(events.EventServiceStatusSynced))

	stored, err := e.store.GetService(ghost.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRunning)

	report, err = e.ctrl.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, report.Changed())
}

func TestRestoreOnBoot(t *testing.T) {
	e := newEnv(t)
	x := upstream(t, "x")

	ok := e.create(t, "ok", freePort(t), map[string]string{"a": x.URL}, "a")
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	busy := e.create(t, "busy", ln.Addr().(*net.TCPAddr).Port, map[string]string{"a": x.URL}, "a")
	for _, id := range []string{ok.ID, busy.ID} {
		_, err := e.store.UpdateService(id, func(s *types.ProxyService) error {
			s.IsRunning = true
			return nil
		})
		require.NoError(t, err)
	}
	e.ctrl.SetAvailabilitySource(staticAvailability{state: types.AvailabilityUnavailable})

	restored, failed := e.ctrl.RestoreOnBoot(context.Background())
	assert.Equal(t, 1, restored)
	assert.Equal(t, 1, failed)
	assert.True(t, e.runtime.Has(ok.Key()))

	stored, err := e.store.GetService(busy.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRunning)
}

func TestShutdownAllForRegistryOutage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	x := upstream(t, "x")
	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		svc := e.create(t, name, freePort(t), map[string]string{"a": x.URL}, "a")
		require.NoError(t, e.ctrl.StartService(ctx, svc.ID, StartOptions{}))
		ids = append(ids, svc.ID)
	}
	e.registry.SetDown(true)

	summary := e.ctrl.ShutdownAllForRegistryOutage(ctx, "registry unavailable")
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, e.runtime.Count())
	assert.Equal(t, 1, e.events.count(events.EventEurekaShutdownSummary))

	for _, id := range ids {
		stored, err := e.store.GetService(id)
		require.NoError(t, err)
		assert.False(t, stored.IsRunning)
	}
}

func TestShutdownPersistsStopped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	x := upstream(t, "x")
	svc := e.create(t, "api", freePort(t), map[string]string{"a": x.URL}, "a")
	require.NoError(t, e.ctrl.StartService(ctx, svc.ID, StartOptions{}))

	e.ctrl.Shutdown(ctx)
	assert.Zero(t, e.runtime.Count())
	assert.Empty(t, e.beats.Keys())

	stored, err := e.store.GetService(svc.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRunning)
}

func TestStatsAndBatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	x := upstream(t, "x")
	a := e.create(t, "a", freePort(t), map[string]string{"a": x.URL}, "a")
	b := e.create(t, "b", freePort(t), map[string]string{"a": x.URL}, "a")
	e.create(t, "c", freePort(t), map[string]string{"a": x.URL}, "a")

	results := e.ctrl.BatchStart(ctx, []string{a.ID, b.ID, "missing"})
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.False(t, results[2].Success)

	stats, err := e.ctrl.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Running: 2, Stopped: 1, Healthy: 2}, stats)

	results = e.ctrl.BatchStop(ctx, []string{a.ID, b.ID})
	assert.True(t, results[0].Success && results[1].Success)
	assert.Zero(t, e.ctrl.RunningCount())
}

func TestTags(t *testing.T) {
	e := newEnv(t)
	x := upstream(t, "x")
	svc := e.create(t, "api", freePort(t), map[string]string{"a": x.URL}, "a")
	other := e.create(t, "other", freePort(t), map[string]string{"a": x.URL}, "a")

	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, e.store.CreateTag(&types.Tag{ID: id, Name: id}))
	}

	tagged, err := e.ctrl.AddTags(svc.ID, []string{"t1", "t2"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, tagged.TagIDs)
	_, err = e.ctrl.AddTags(other.ID, []string{"t1"})
	require.NoError(t, err)

	matched, err := e.ctrl.FilterByTags([]string{"t1", "t2"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, svc.ID, matched[0].ID)

	untagged, err := e.ctrl.RemoveTag(svc.ID, "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, untagged.TagIDs)
}

func TestCheckTargets(t *testing.T) {
	e := newEnv(t)
	svc := e.create(t, "api", freePort(t), map[string]string{"b": "http://b", "a": "http://a"}, "b")

	checks, err := e.ctrl.CheckTargets(context.Background(), svc.ID, func(ctx context.Context, url string) (bool, string, time.Duration) {
		return url == "http://a", "probed", time.Millisecond
	})
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal(t, "a", checks[0].Name)
	assert.True(t, checks[0].Reachable)
	assert.False(t, checks[0].Active)
	assert.True(t, checks[1].Active)
	assert.False(t, checks[1].Reachable)
}

func TestTagCRUDAndSeeding(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.ctrl.SeedDefaultTags())
	tags, err := e.ctrl.ListTags()
	require.NoError(t, err)
	assert.Len(t, tags, len(defaultTags))

	// Deleted defaults are not seeded again
	for _, tag := range tags {
		require.NoError(t, e.ctrl.DeleteTag(tag.ID))
	}
	require.NoError(t, e.ctrl.SeedDefaultTags())
	tags, err = e.ctrl.ListTags()
	require.NoError(t, err)
	assert.Empty(t, tags)

	tag, err := e.ctrl.CreateTag(TagSpec{Name: " team-a "})
	require.NoError(t, err)
	assert.Equal(t, "team-a", tag.Name)
	assert.Equal(t, types.DefaultTagColor, tag.Color)

	_, err = e.ctrl.CreateTag(TagSpec{Name: "team-a"})
	assert.ErrorIs(t, err, storage.ErrDuplicateName)
	_, err = e.ctrl.CreateTag(TagSpec{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	updated, err := e.ctrl.UpdateTag(tag.ID, TagSpec{Name: "team-b", Color: "#000"})
	require.NoError(t, err)
	assert.Equal(t, "team-b", updated.Name)

	_, err = e.ctrl.UpdateTag("missing", TagSpec{Name: "x"})
	assert.True(t, IsNotFound(err))
}
