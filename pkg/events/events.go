package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
)

// EventType represents the kind of event
type EventType string

const (
	// Proxy lifecycle
	EventProxyCreated  EventType = "proxy_created"
	EventProxyUpdated  EventType = "proxy_updated"
	EventProxyDeleted  EventType = "proxy_deleted"
	EventProxyStarted  EventType = "proxy_started"
	EventProxyStopped  EventType = "proxy_stopped"
	EventProxySwitched EventType = "proxy_switched"

	// Heartbeats
	EventHeartbeatFailed    EventType = "heartbeat_failed"
	EventHeartbeatRecovered EventType = "heartbeat_recovered"

	// Service health and recovery
	EventServiceHealthWarning   EventType = "service_health_warning"
	EventServiceRecoveryStarted EventType = "service_recovery_started"
	EventServiceRecoverySuccess EventType = "service_recovery_success"
	EventServiceRecoveryError   EventType = "service_recovery_error"
	EventServiceRecoveryFailed  EventType = "service_recovery_failed"

	// Registry availability
	EventEurekaHealthWarning     EventType = "eureka_health_warning"
	EventEurekaHealthRecovered   EventType = "eureka_health_recovered"
	EventEurekaEmergencyShutdown EventType = "eureka_emergency_shutdown"
	EventEurekaShutdownSummary   EventType = "eureka_unavailable_shutdown"

	// Fleet maintenance
	EventServiceStatusSynced EventType = "service_status_synced"
	EventServicesCleanedUp   EventType = "services_cleanup_completed"
)

// Event is a state transition notification
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	Timestamp   time.Time         `json:"timestamp"`
	Message     string            `json:"message"`
	ServiceID   string            `json:"serviceId,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Port        int               `json:"port,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Data        any               `json:"data,omitempty"` // the entity the event is about
}

// Publisher is implemented by anything that accepts events
type Publisher interface {
	Publish(event *Event)
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]map[EventType]struct{} // nil filter receives every kind
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]map[EventType]struct{}),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel. With no kinds
// the subscriber receives every event, otherwise only the listed kinds.
func (b *Broker) Subscribe(kinds ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[EventType]struct{}
	if len(kinds) > 0 {
		filter = make(map[EventType]struct{}, len(kinds))
		for _, k := range kinds {
			filter[k] = struct{}{}
		}
	}

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = filter
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for delivery. Delivery is best effort: when the
// queue is full the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		log.Logger.Warn().Str("type", string(event.Type)).Msg("Event queue full, dropping event")
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if filter != nil {
			if _, ok := filter[event.Type]; !ok {
				continue
			}
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
