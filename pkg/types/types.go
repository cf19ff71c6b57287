package types

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProxyService is a logical proxy definition: a listening port that forwards
// to exactly one of several named upstream targets.
type ProxyService struct {
	ID           string            `json:"id" yaml:"id"`
	ServiceName  string            `json:"serviceName" yaml:"serviceName"`
	Port         int               `json:"port" yaml:"port"`
	Targets      map[string]string `json:"targets" yaml:"targets"` // target name -> upstream base URL
	ActiveTarget string            `json:"activeTarget" yaml:"activeTarget"`
	IsRunning    bool              `json:"isRunning" yaml:"isRunning"`
	TagIDs       []string          `json:"tagIds,omitempty" yaml:"tagIds,omitempty"`
	CreatedAt    time.Time         `json:"createdAt" yaml:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt" yaml:"updatedAt"`
}

// Key returns the runtime key of the service, "serviceName:port".
func (s *ProxyService) Key() ServiceKey {
	return NewServiceKey(s.ServiceName, s.Port)
}

// ActiveTargetURL returns the upstream URL of the active target.
func (s *ProxyService) ActiveTargetURL() (string, bool) {
	u, ok := s.Targets[s.ActiveTarget]
	return u, ok
}

// Validate checks the structural invariants of a service definition.
func (s *ProxyService) Validate() error {
	if s.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	if len(s.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	for name, raw := range s.Targets {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("target %q has invalid URL %q", name, raw)
		}
	}
	if _, ok := s.Targets[s.ActiveTarget]; !ok {
		return fmt.Errorf("active target %q is not one of the configured targets", s.ActiveTarget)
	}
	return nil
}

// Clone returns a deep copy of the service.
func (s *ProxyService) Clone() *ProxyService {
	c := *s
	c.Targets = make(map[string]string, len(s.Targets))
	for k, v := range s.Targets {
		c.Targets[k] = v
	}
	c.TagIDs = append([]string(nil), s.TagIDs...)
	return &c
}

// ServiceKey identifies a running instance: "serviceName:port".
type ServiceKey string

// NewServiceKey builds the key for serviceName and port.
func NewServiceKey(serviceName string, port int) ServiceKey {
	return ServiceKey(serviceName + ":" + strconv.Itoa(port))
}

// Split parses the key back into service name and port.
func (k ServiceKey) Split() (string, int, bool) {
	i := strings.LastIndex(string(k), ":")
	if i <= 0 {
		return "", 0, false
	}
	port, err := strconv.Atoi(string(k[i+1:]))
	if err != nil {
		return "", 0, false
	}
	return string(k[:i]), port, true
}

// Tag labels proxy services for grouping and filtering.
type Tag struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Color       string    `json:"color" yaml:"color"`
	Type        string    `json:"type,omitempty" yaml:"type,omitempty"` // environment, architecture, category, ...
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt" yaml:"createdAt"`
}

// DefaultTagColor is used when a tag is created without a color.
const DefaultTagColor = "#409eff"

// HeartbeatStatus is the outcome of a single registry renewal.
type HeartbeatStatus string

const (
	HeartbeatSuccess HeartbeatStatus = "success"
	HeartbeatError   HeartbeatStatus = "error"
	HeartbeatTimeout HeartbeatStatus = "timeout"
)

// HeartbeatRecord is one entry of the append-only heartbeat history.
type HeartbeatRecord struct {
	ServiceName string          `json:"serviceName"`
	Port        int             `json:"port"`
	Status      HeartbeatStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Failed reports whether the record counts as a failure.
func (r HeartbeatRecord) Failed() bool {
	return r.Status != HeartbeatSuccess
}

// HealthState is the evaluated health of a running service.
type HealthState string

const (
	HealthHealthy    HealthState = "healthy"
	HealthWarning    HealthState = "warning"
	HealthCritical   HealthState = "critical"
	HealthRecovering HealthState = "recovering"
	HealthFailed     HealthState = "failed"
)

// ServiceHealthStatus is the persisted health row for one serviceName:port.
type ServiceHealthStatus struct {
	ServiceName         string      `json:"serviceName"`
	Port                int         `json:"port"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	LastSuccessTime     *time.Time  `json:"lastSuccessTime,omitempty"`
	RestartAttempts     int         `json:"restartAttempts"` // reset only by operator or clean stop
	Status              HealthState `json:"status"`
	FailureRate         float64     `json:"failureRate"`
	LastCheckTime       time.Time   `json:"lastCheckTime"`
}

// Key returns the service key of the row.
func (h *ServiceHealthStatus) Key() ServiceKey {
	return NewServiceKey(h.ServiceName, h.Port)
}

// Availability is the tri-state registry reachability.
type Availability string

const (
	AvailabilityUnknown     Availability = "unknown"
	AvailabilityAvailable   Availability = "available"
	AvailabilityUnavailable Availability = "unavailable"
)

// RegistryAvailability is the process-wide registry reachability state.
type RegistryAvailability struct {
	IsAvailable       Availability `json:"isAvailable"`
	UnavailableSince  *time.Time   `json:"unavailableSince,omitempty"`
	ShutdownTriggered bool         `json:"shutdownTriggered"`
	LastCheckTime     time.Time    `json:"lastCheckTime"`
}

// RequestLog is one proxied request as observed by the proxy runtime.
type RequestLog struct {
	ID              string            `json:"id"`
	ServiceName     string            `json:"serviceName"`
	Port            int               `json:"port"`
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	Target          string            `json:"target"`
	StatusCode      int               `json:"statusCode"`
	Duration        time.Duration     `json:"duration"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	Error           string            `json:"error,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// EurekaConfig is the registry connection configuration.
type EurekaConfig struct {
	Host              string        `json:"host" yaml:"host" mapstructure:"host"`
	Port              int           `json:"port" yaml:"port" mapstructure:"port"`
	ServicePath       string        `json:"servicePath" yaml:"servicePath" mapstructure:"service_path"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval" yaml:"heartbeatInterval" mapstructure:"heartbeat_interval"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	InstanceIP        string        `json:"instanceIp,omitempty" yaml:"instanceIp,omitempty" mapstructure:"instance_ip"`
}

// BaseURL returns the registry base URL, e.g. http://localhost:8761/eureka/apps.
func (c EurekaConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d%s", c.Host, c.Port, c.ServicePath)
}

// DefaultEurekaConfig returns the registry defaults.
func DefaultEurekaConfig() EurekaConfig {
	return EurekaConfig{
		Host:              "localhost",
		Port:              8761,
		ServicePath:       "/eureka/apps",
		HeartbeatInterval: 30 * time.Second,
		Timeout:           5 * time.Second,
	}
}

// PortRange bounds the ports proxy services may listen on.
type PortRange struct {
	Start int `json:"start" yaml:"start" mapstructure:"start"`
	End   int `json:"end" yaml:"end" mapstructure:"end"`
}

// Contains reports whether port lies within the range (inclusive).
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// AutoStartConfig lists the services started after boot.
type AutoStartConfig struct {
	ServiceIDs []string  `json:"serviceIds" yaml:"serviceIds"`
	UpdatedAt  time.Time `json:"updatedAt" yaml:"updatedAt"`
}
