package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
	"github.com/wangjinchao-pacvue/switch-service/pkg/metrics"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

const (
	// DefaultGracePeriod is how long stop waits for in-flight requests
	DefaultGracePeriod = 10 * time.Second
	// DefaultMaxBodyBytes bounds the request/response bodies kept in request logs
	DefaultMaxBodyBytes = 4096
)

// RequestSink receives one entry per proxied request
type RequestSink interface {
	Record(entry *types.RequestLog)
}

// Options configures a Runtime
type Options struct {
	GracePeriod  time.Duration
	MaxBodyBytes int
	Sink         RequestSink // optional
}

// Runtime owns the live listener of every running proxy service
type Runtime struct {
	instances    *xsync.Map[types.ServiceKey, *Instance]
	gracePeriod  time.Duration
	maxBodyBytes int
	sink         RequestSink
	logger       zerolog.Logger
}

// NewRuntime creates an empty runtime
func NewRuntime(opts Options) *Runtime {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Runtime{
		instances:    xsync.NewMap[types.ServiceKey, *Instance](),
		gracePeriod:  opts.GracePeriod,
		maxBodyBytes: opts.MaxBodyBytes,
		sink:         opts.Sink,
		logger:       log.WithComponent("proxy"),
	}
}

// Instance is the live listener of one running service
type Instance struct {
	Key         types.ServiceKey
	ServiceID   string
	ServiceName string
	Port        int
	Target      string
	TargetURL   *url.URL
	StartedAt   time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	conns    *connSet
	done     chan struct{}
}

// OpenConnections returns the number of connections currently accepted
func (i *Instance) OpenConnections() int {
	return i.conns.len()
}

// Start binds a listener on service.Port forwarding to the active target.
// It returns once the listener is bound.
func (r *Runtime) Start(service *types.ProxyService) (*Instance, error) {
	rawURL, ok := service.ActiveTargetURL()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, service.ActiveTarget)
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL %q: %w", rawURL, err)
	}

	key := service.Key()
	if other, busy := r.portOwner(service.Port); busy && other != key {
		return nil, fmt.Errorf("%w: port %d is held by %s", ErrPortUnavailable, service.Port, other)
	}

	inst := &Instance{
		Key:         key,
		ServiceID:   service.ID,
		ServiceName: service.ServiceName,
		Port:        service.Port,
		Target:      service.ActiveTarget,
		TargetURL:   target,
		conns:       newConnSet(),
		done:        make(chan struct{}),
	}

	// Reserve the key before binding so concurrent starts see PortUnavailable
	if _, loaded := r.instances.LoadOrStore(key, inst); loaded {
		return nil, fmt.Errorf("%w: %s already has a listener", ErrPortUnavailable, key)
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(service.Port))
	if err != nil {
		r.instances.Delete(key)
		return nil, &BindError{Port: service.Port, Err: err}
	}

	server := &http.Server{
		Handler:           r.handler(inst),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	inst.mu.Lock()
	inst.server = server
	inst.listener = &trackingListener{Listener: ln, set: inst.conns}
	inst.StartedAt = time.Now()
	inst.mu.Unlock()

	logger := log.WithService(service.ServiceName, service.Port)
	go func() {
		defer close(inst.done)
		if err := server.Serve(inst.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Proxy server error")
		}
	}()

	logger.Info().Str("target", service.ActiveTarget).Str("url", rawURL).Msg("Proxy listening")
	return inst, nil
}

// Stop closes the listener of key, waits up to the grace period for in-flight
// requests and then destroys the connections still open. Stopping an unknown
// key is a no-op.
func (r *Runtime) Stop(ctx context.Context, key types.ServiceKey) bool {
	inst, ok := r.instances.LoadAndDelete(key)
	if !ok {
		r.logger.Warn().Str("key", string(key)).Msg("Stop requested for a proxy that is not running")
		return false
	}
	r.shutdown(ctx, inst)
	return true
}

func (r *Runtime) shutdown(ctx context.Context, inst *Instance) {
	inst.mu.Lock()
	server := inst.server
	inst.mu.Unlock()
	if server == nil {
		return
	}

	logger := log.WithService(inst.ServiceName, inst.Port)
	graceCtx, cancel := context.WithTimeout(ctx, r.gracePeriod)
	defer cancel()

	if err := server.Shutdown(graceCtx); err != nil {
		forced := inst.conns.closeAll()
		_ = server.Close()
		logger.Warn().Err(err).Int("connections", forced).Msg("Grace period elapsed, destroyed open connections")
	}
	// Hijacked connections are not covered by Shutdown
	if n := inst.conns.closeAll(); n > 0 {
		logger.Debug().Int("connections", n).Msg("Closed remaining connections")
	}
	<-inst.done
	logger.Info().Msg("Proxy stopped")
}

// SwitchTarget restarts the instance of service under newTarget. In-flight
// requests during the switch are dropped.
func (r *Runtime) SwitchTarget(ctx context.Context, service *types.ProxyService, newTarget string) (*Instance, error) {
	if _, ok := service.Targets[newTarget]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, newTarget)
	}
	r.Stop(ctx, service.Key())

	next := service.Clone()
	next.ActiveTarget = newTarget
	return r.Start(next)
}

// StopAll stops every instance concurrently
func (r *Runtime) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, key := range r.Keys() {
		wg.Add(1)
		go func(key types.ServiceKey) {
			defer wg.Done()
			r.Stop(ctx, key)
		}(key)
	}
	wg.Wait()
}

// Has reports whether key has a live listener
func (r *Runtime) Has(key types.ServiceKey) bool {
	_, ok := r.instances.Load(key)
	return ok
}

// Get returns the instance of key
func (r *Runtime) Get(key types.ServiceKey) (*Instance, bool) {
	return r.instances.Load(key)
}

// Keys returns the keys of all live instances, sorted
func (r *Runtime) Keys() []types.ServiceKey {
	var keys []types.ServiceKey
	r.instances.Range(func(key types.ServiceKey, _ *Instance) bool {
		keys = append(keys, key)
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Count returns the number of live instances
func (r *Runtime) Count() int {
	return r.instances.Size()
}

func (r *Runtime) portOwner(port int) (types.ServiceKey, bool) {
	var owner types.ServiceKey
	found := false
	r.instances.Range(func(key types.ServiceKey, inst *Instance) bool {
		if inst.Port == port {
			owner, found = key, true
			return false
		}
		return true
	})
	return owner, found
}

type proxyErrKey struct{}

func (r *Runtime) handler(inst *Instance) http.Handler {
	target := inst.TargetURL
	rp := httputil.NewSingleHostReverseProxy(target)

	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		host := req.Host
		originalDirector(req)
		req.Host = target.Host
		req.Header.Set("X-Forwarded-Host", host)
		req.Header.Set("X-Forwarded-Proto", "http")
	}

	rp.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		if holder, ok := req.Context().Value(proxyErrKey{}).(*string); ok {
			*holder = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   "Proxy error",
			"message": err.Error(),
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		var proxyErr string
		req = req.WithContext(context.WithValue(req.Context(), proxyErrKey{}, &proxyErr))

		var body *captureReader
		if req.Body != nil && req.Body != http.NoBody {
			body = &captureReader{ReadCloser: req.Body, limit: r.maxBodyBytes}
			req.Body = body
		}
		requestHeaders := flattenHeaders(req.Header)

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK, limit: r.maxBodyBytes}
		rp.ServeHTTP(rec, req)

		elapsed := time.Since(start)
		metrics.ProxyRequestsTotal.WithLabelValues(inst.ServiceName, strconv.Itoa(rec.status)).Inc()
		metrics.ProxyRequestDuration.WithLabelValues(inst.ServiceName).Observe(elapsed.Seconds())

		if r.sink == nil {
			return
		}
		entry := &types.RequestLog{
			ID:              uuid.New().String(),
			ServiceName:     inst.ServiceName,
			Port:            inst.Port,
			Method:          req.Method,
			Path:            req.URL.RequestURI(),
			Target:          target.String(),
			StatusCode:      rec.status,
			Duration:        elapsed,
			RequestHeaders:  requestHeaders,
			ResponseHeaders: flattenHeaders(w.Header()),
			ResponseBody:    rec.body.String(),
			Error:           proxyErr,
			Timestamp:       start,
		}
		if body != nil {
			entry.RequestBody = body.buf.String()
		}
		r.sink.Record(entry)
	})
}
