package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

type memorySink struct {
	mu      sync.Mutex
	entries []*types.RequestLog
}

func (m *memorySink) Record(entry *types.RequestLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

func (m *memorySink) all() []*types.RequestLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.RequestLog(nil), m.entries...)
}

// waitEntries waits for n log entries; the sink is fed after the response is flushed
func waitEntries(t *testing.T, sink *memorySink, n int) []*types.RequestLog {
	t.Helper()
	require.Eventually(t, func() bool { return len(sink.all()) >= n }, time.Second, 5*time.Millisecond)
	return sink.all()
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
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", name)
		fmt.Fprintf(w, "%s:%s:%s", name, r.URL.Path, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, port int, path string) (string, *http.Response) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body), resp
}

func newService(port int, targets map[string]string, active string) *types.ProxyService {
	return &types.ProxyService{
		ID:           "svc-1",
		ServiceName:  "api",
		Port:         port,
		Targets:      targets,
		ActiveTarget: active,
	}
}

func TestStartForwardsAndStopFreesPort(t *testing.T) {
	a := upstream(t, "a")
	sink := &memorySink{}
	rt := NewRuntime(Options{Sink: sink})
	port := freePort(t)
	svc := newService(port, map[string]string{"a": a.URL}, "a")

	inst, err := rt.Start(svc)
	require.NoError(t, err)
	assert.Equal(t, "a", inst.Target)
	assert.True(t, rt.Has(svc.Key()))

	body, resp := get(t, port, "/hello")
	assert.Equal(t, "a:/hello:", body)
	assert.Equal(t, "a", resp.Header.Get("X-Upstream"))

	entries := waitEntries(t, sink, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, http.MethodGet, entries[0].Method)
	assert.Equal(t, "/hello", entries[0].Path)
	assert.Equal(t, http.StatusOK, entries[0].StatusCode)
	assert.Equal(t, "a:/hello:", entries[0].ResponseBody)

	assert.True(t, rt.Stop(context.Background(), svc.Key()))
	assert.False(t, rt.Has(svc.Key()))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	require.NoError(t, err, "port should be free after stop")
	ln.Close()

	assert.False(t, rt.Stop(context.Background(), svc.Key()), "second stop is a no-op")
}

func TestStartTwiceIsPortUnavailable(t *testing.T) {
	a := upstream(t, "a")
	rt := NewRuntime(Options{})
	svc := newService(freePort(t), map[string]string{"a": a.URL}, "a")

	_, err := rt.Start(svc)
	require.NoError(t, err)
	defer rt.StopAll(context.Background())

	_, err = rt.Start(svc)
	assert.ErrorIs(t, err, ErrPortUnavailable)

	other := newService(svc.Port, map[string]string{"a": a.URL}, "a")
	other.ServiceName = "other"
	_, err = rt.Start(other)
	assert.ErrorIs(t, err, ErrPortUnavailable)
	assert.Equal(t, 1, rt.Count())
}

func TestStartBindError(t *testing.T) {
	a := upstream(t, "a")
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	rt := NewRuntime(Options{})
	_, err = rt.Start(newService(port, map[string]string{"a": a.URL}, "a"))

	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, port, bindErr.Port)
	assert.Equal(t, 0, rt.Count(), "failed bind must release the reservation")
}

func TestSwitchTarget(t *testing.T) {
	a := upstream(t, "a")
	b := upstream(t, "b")
	rt := NewRuntime(Options{})
	port := freePort(t)
	svc := newService(port, map[string]string{"a": a.URL, "b": b.URL}, "a")

	_, err := rt.Start(svc)
	require.NoError(t, err)
	defer rt.StopAll(context.Background())

	_, err = rt.SwitchTarget(context.Background(), svc, "missing")
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.True(t, rt.Has(svc.Key()), "failed switch keeps the instance")

	inst, err := rt.SwitchTarget(context.Background(), svc, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", inst.Target)
	assert.Equal(t, "a", svc.ActiveTarget, "caller's record is not mutated")

	body, _ := get(t, port, "/x")
	assert.Equal(t, "b:/x:", body)
}

func TestRequestBodyCaptureIsTruncated(t *testing.T) {
	a := upstream(t, "a")
	sink := &memorySink{}
	rt := NewRuntime(Options{Sink: sink, MaxBodyBytes: 4})
	port := freePort(t)
	_, err := rt.Start(newService(port, map[string]string{"a": a.URL}, "a"))
	require.NoError(t, err)
	defer rt.StopAll(context.Background())

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/p", port), "text/plain", strings.NewReader("abcdefgh"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "a:/p:abcdefgh", string(body))

	entries := waitEntries(t, sink, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, "abcd", entries[0].RequestBody)
	assert.Equal(t, "a:/p", entries[0].ResponseBody)
}

func TestUpstreamDownReturnsBadGateway(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	sink := &memorySink{}
	rt := NewRuntime(Options{Sink: sink})
	port := freePort(t)
	_, err := rt.Start(newService(port, map[string]string{"a": deadURL}, "a"))
	require.NoError(t, err)
	defer rt.StopAll(context.Background())

	_, resp := get(t, port, "/")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	entries := waitEntries(t, sink, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, http.StatusBadGateway, entries[0].StatusCode)
	assert.NotEmpty(t, entries[0].Error)
}

func TestStopForceClosesAfterGracePeriod(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	rt := NewRuntime(Options{GracePeriod: 100 * time.Millisecond})
	port := freePort(t)
	svc := newService(port, map[string]string{"a": slow.URL}, "a")
	inst, err := rt.Start(svc)
	require.NoError(t, err)

	clientErr := make(chan error, 1)
	go func() {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
		if err == nil {
			resp.Body.Close()
		}
		clientErr <- err
	}()

	require.Eventually(t, func() bool { return inst.OpenConnections() == 1 }, time.Second, 10*time.Millisecond)

	start := time.Now()
	rt.Stop(context.Background(), svc.Key())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, inst.OpenConnections())

	select {
	case err := <-clientErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client request was not interrupted")
	}
}
