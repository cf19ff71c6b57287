package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// ErrTimeout marks a registry call that ran out of time
var ErrTimeout = errors.New("registry request timed out")

// StatusError is returned when the registry answers with a non-2xx status
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Code)
}

// availabilityTimeout bounds the reachability probe
const availabilityTimeout = 3 * time.Second

// Client talks to a Eureka-style registry over its REST contract
type Client struct {
	mu         sync.RWMutex
	cfg        types.EurekaConfig
	instanceIP string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a registry client for cfg
func NewClient(cfg types.EurekaConfig) *Client {
	c := &Client{
		httpClient: &http.Client{},
		logger:     log.WithComponent("registry"),
	}
	c.SetConfig(cfg)
	return c
}

// SetConfig swaps the connection configuration. In-flight calls keep the old one.
func (c *Client) SetConfig(cfg types.EurekaConfig) {
	defaults := types.DefaultEurekaConfig()
	if cfg.Host == "" {
		cfg.Host = defaults.Host
	}
	if cfg.Port == 0 {
		cfg.Port = defaults.Port
	}
	if cfg.ServicePath == "" {
		cfg.ServicePath = defaults.ServicePath
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	ip := cfg.InstanceIP
	if ip == "" {
		ip = LocalIP()
	}

	c.mu.Lock()
	c.cfg = cfg
	c.instanceIP = ip
	c.mu.Unlock()
}

// Config returns the active configuration
func (c *Client) Config() types.EurekaConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// HeartbeatInterval returns the configured renewal interval
func (c *Client) HeartbeatInterval() time.Duration {
	return c.Config().HeartbeatInterval
}

// InstanceID returns "{localIP}:{serviceName}:{port}"
func (c *Client) InstanceID(serviceName string, port int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%s:%d", c.instanceIP, serviceName, port)
}

func (c *Client) appURL(serviceName string) string {
	return c.Config().BaseURL() + "/" + strings.ToUpper(serviceName)
}

func (c *Client) instanceURL(serviceName string, port int) string {
	return c.appURL(serviceName) + "/" + c.InstanceID(serviceName, port)
}

// RegisterInstance announces serviceName:port with status UP
func (c *Client) RegisterInstance(ctx context.Context, serviceName string, port int) error {
	c.mu.RLock()
	ip := c.instanceIP
	c.mu.RUnlock()

	body := InstanceEnvelope{Instance: Instance{
		InstanceID: c.InstanceID(serviceName, port),
		HostName:   ip,
		App:        strings.ToUpper(serviceName),
		IPAddr:     ip,
		VIPAddress: serviceName,
		Status:     "UP",
		Port:       Port{Number: FlexInt(port), Enabled: true},
		DataCenterInfo: DataCenterInfo{
			Class: dataCenterClass,
			Name:  "MyOwn",
		},
	}}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	if err := c.do(ctx, http.MethodPost, c.appURL(serviceName), data); err != nil {
		return fmt.Errorf("register %s:%d: %w", serviceName, port, err)
	}
	c.logger.Info().Str("service", serviceName).Int("port", port).Str("ip", ip).Msg("Registered instance")
	return nil
}

// Renew sends one heartbeat for serviceName:port
func (c *Client) Renew(ctx context.Context, serviceName string, port int) error {
	if err := c.do(ctx, http.MethodPut, c.instanceURL(serviceName, port), nil); err != nil {
		return fmt.Errorf("renew %s:%d: %w", serviceName, port, err)
	}
	return nil
}

// Deregister removes serviceName:port from the registry
func (c *Client) Deregister(ctx context.Context, serviceName string, port int) error {
	if err := c.do(ctx, http.MethodDelete, c.instanceURL(serviceName, port), nil); err != nil {
		return fmt.Errorf("deregister %s:%d: %w", serviceName, port, err)
	}
	c.logger.Info().Str("service", serviceName).Int("port", port).Msg("Deregistered instance")
	return nil
}

// ListApplications returns every registered application. On failure it
// returns an empty list; callers must read empty as unknown.
func (c *Client) ListApplications(ctx context.Context) []Application {
	apps, err := c.fetchApplications(ctx, c.Config().Timeout)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to list registry applications")
		return []Application{}
	}
	return apps
}

// CheckAvailability probes the registry with a short timeout
func (c *Client) CheckAvailability(ctx context.Context) bool {
	_, err := c.fetchApplications(ctx, availabilityTimeout)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Registry availability probe failed")
	}
	return err == nil
}

func (c *Client) fetchApplications(ctx context.Context, timeout time.Duration) ([]Application, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.Config().BaseURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: http.MethodGet, URL: url, Code: resp.StatusCode}
	}

	var env applicationsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode applications: %w", err)
	}
	return env.Applications.Application, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.Config().Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, URL: url, Code: resp.StatusCode}
	}
	return nil
}

func classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// LocalIP returns the first non-loopback IPv4 address of the host
func LocalIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
