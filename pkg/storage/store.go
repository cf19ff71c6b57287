package storage

import (
	"errors"
	"time"

	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName is returned when a service or tag name is already taken
	ErrDuplicateName = errors.New("name already exists")
)

// Config keys used with GetConfig/SetConfig
const (
	ConfigKeyEureka    = "eureka"
	ConfigKeyAutoStart = "autostart"
	ConfigKeySeeded    = "default_tags_seeded"
)

// Store defines the interface for durable switch-service state
type Store interface {
	// Proxy services
	CreateService(service *types.ProxyService) error
	GetService(id string) (*types.ProxyService, error)
	GetServiceByName(name string) (*types.ProxyService, error)
	ListServices() ([]*types.ProxyService, error)
	// UpdateService applies fn to the stored record inside one transaction.
	// Changed tag IDs must name stored tags.
	UpdateService(id string, fn func(service *types.ProxyService) error) (*types.ProxyService, error)
	DeleteService(id string) error

	// Tags
	CreateTag(tag *types.Tag) error
	GetTag(id string) (*types.Tag, error)
	ListTags() ([]*types.Tag, error)
	UpdateTag(tag *types.Tag) error
	DeleteTag(id string) error
	SetServiceTags(serviceID string, tagIDs []string) (*types.ProxyService, error)

	// Heartbeat history, returned oldest first
	AppendHeartbeat(key types.ServiceKey, record types.HeartbeatRecord) error
	RecentHeartbeats(key types.ServiceKey, n int) ([]types.HeartbeatRecord, error)
	ClearHeartbeats(key types.ServiceKey) error
	PruneHeartbeats(olderThan time.Time) (int, error)

	// Health status rows
	GetHealthStatus(key types.ServiceKey) (*types.ServiceHealthStatus, error)
	PutHealthStatus(status *types.ServiceHealthStatus) error
	DeleteHealthStatus(key types.ServiceKey) error
	ListHealthStatus() ([]*types.ServiceHealthStatus, error)

	// System configuration, JSON encoded
	GetConfig(key string, v any) error
	SetConfig(key string, v any) error

	Close() error
}
