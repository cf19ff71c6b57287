package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// CheckType represents the type of reachability check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by every reachability check
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// HTTPChecker sends a request to an upstream target
type HTTPChecker struct {
	URL    string
	Method string

	// Accepted status range; any answer from the upstream is reachable by default
	ExpectedStatusMin int
	ExpectedStatusMax int

	Client *http.Client
}

// NewHTTPChecker creates an HTTP checker for url
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:               url,
		Method:            http.MethodGet,
		ExpectedStatusMin: 100,
		ExpectedStatusMax: 499,
		Client: &http.Client{
			Timeout: 5 * time.Second,
			// Redirects count as reachable
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// Check performs the request
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return failed(start, "failed to create request: %v", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return failed(start, "request failed: %v", err)
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}
	return Result{Healthy: healthy, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

// Type returns CheckTypeHTTP
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithStatusRange sets the accepted status range
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.ExpectedStatusMin = min
	h.ExpectedStatusMax = max
	return h
}

// WithTimeout sets the client timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}

// TCPChecker dials an address
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a TCP checker for address
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 3 * time.Second}
}

// Check dials the address
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return failed(start, "connection failed: %v", err)
	}
	conn.Close()
	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("TCP connection to %s successful", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns CheckTypeTCP
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

func failed(start time.Time, format string, args ...any) Result {
	return Result{
		Healthy:   false,
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// ProbeTarget checks an upstream target URL. The HTTP answer decides; when
// the request fails a TCP dial tells a refused port from a broken server.
func ProbeTarget(ctx context.Context, rawURL string) (bool, string, time.Duration) {
	result := NewHTTPChecker(rawURL).Check(ctx)
	if result.Healthy {
		return true, result.Message, result.Duration
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false, result.Message, result.Duration
	}
	tcp := NewTCPChecker(hostPort(u)).Check(ctx)
	if tcp.Healthy {
		return false, fmt.Sprintf("%s; port is open", result.Message), result.Duration
	}
	return false, tcp.Message, result.Duration + tcp.Duration
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
