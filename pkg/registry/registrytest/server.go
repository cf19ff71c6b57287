// Package registrytest provides an in-memory Eureka-style registry for tests.
package registrytest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// Call is one request observed by the server
type Call struct {
	Method string
	Path   string
	Body   []byte
}

// Server emulates the register/renew/deregister/list endpoints
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	calls     []Call
	instances map[string]map[string]json.RawMessage // APP -> instanceId -> descriptor
	down      bool
	renewCode int
	delay     time.Duration
}

const basePath = "/eureka/apps"

// NewServer starts a registry and closes it when the test ends
func NewServer(t testing.TB) *Server {
	s := &Server{instances: make(map[string]map[string]json.RawMessage)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Config returns an EurekaConfig pointing at the server
func (s *Server) Config() types.EurekaConfig {
	u, _ := url.Parse(s.URL)
	port, _ := strconv.Atoi(u.Port())
	return types.EurekaConfig{
		Host:              u.Hostname(),
		Port:              port,
		ServicePath:       basePath,
		HeartbeatInterval: time.Second,
		Timeout:           time.Second,
		InstanceIP:        "10.0.0.1",
	}
}

// SetDown makes every request fail with 503
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// SetRenewStatus forces the status code of renew requests; 0 restores normal behaviour
func (s *Server) SetRenewStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewCode = code
}

// SetDelay delays every response
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns the requests seen so far
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many requests matched method
func (s *Server) Count(method string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Registered reports whether app has instanceID registered
func (s *Server) Registered(app, instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.instances[strings.ToUpper(app)][instanceID]
	return ok
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Body: body})
	down, delay, renewCode := s.down, s.delay, s.renewCode
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, basePath), "/")
	parts := strings.Split(rest, "/")

	switch {
	case r.Method == http.MethodGet && rest == "":
		s.list(w)
	case r.Method == http.MethodPost && len(parts) == 1:
		var env struct {
			Instance json.RawMessage `json:"instance"`
		}
		var inst struct {
			InstanceID string `json:"instanceId"`
		}
		if json.Unmarshal(body, &env) != nil || json.Unmarshal(env.Instance, &inst) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		if s.instances[parts[0]] == nil {
			s.instances[parts[0]] = make(map[string]json.RawMessage)
		}
		s.instances[parts[0]][inst.InstanceID] = env.Instance
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPut && len(parts) == 2:
		if renewCode != 0 {
			w.WriteHeader(renewCode)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete && len(parts) == 2:
		s.mu.Lock()
		delete(s.instances[parts[0]], parts[1])
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) list(w http.ResponseWriter) {
	s.mu.Lock()
	var apps []map[string]any
	for name, instances := range s.instances {
		var list []json.RawMessage
		for _, inst := range instances {
			list = append(list, inst)
		}
		apps = append(apps, map[string]any{"name": name, "instance": list})
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"applications": map[string]any{"application": apps},
	})
}
