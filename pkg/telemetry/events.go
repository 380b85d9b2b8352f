package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one entry on the nixh event bus.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeProgress          = "execution.progress"
	EventTypeExecutionFinished = "execution.finished"
	EventTypeExecutionFailed   = "execution.failed"
	EventTypeTierDegraded      = "tier.degraded"
	EventTypeReprobe           = "capability.reprobe"
	EventTypePolicyViolation   = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Subscribers see events in
// publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishProgress publishes an execution phase change.
func (ep *EventPublisher) PublishProgress(requestID, label, phase, tier string) error {
	return ep.Publish(Event{
		Type:      EventTypeProgress,
		Source:    "engine",
		RequestID: requestID,
		Message:   fmt.Sprintf("%s: %s", label, phase),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"operation": label,
			"phase":     phase,
			"tier":      tier,
		},
	})
}

// PublishExecutionFinished publishes a finished execution.
func (ep *EventPublisher) PublishExecutionFinished(requestID, label, method string, duration time.Duration, dryRun bool) error {
	return ep.Publish(Event{
		Type:      EventTypeExecutionFinished,
		Source:    "engine",
		RequestID: requestID,
		Message:   fmt.Sprintf("%s finished via %s", label, method),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"operation": label,
			"method":    method,
			"duration":  duration.Seconds(),
			"dry_run":   dryRun,
		},
	})
}

// PublishExecutionFailed publishes a failed execution.
func (ep *EventPublisher) PublishExecutionFailed(requestID, label, kind, tier string, stateChanged bool) error {
	return ep.Publish(Event{
		Type:      EventTypeExecutionFailed,
		Source:    "engine",
		RequestID: requestID,
		Message:   fmt.Sprintf("%s failed (%s) on tier %s", label, kind, tier),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"operation":     label,
			"kind":          kind,
			"tier":          tier,
			"state_changed": stateChanged,
		},
	})
}

// PublishTierDegraded publishes a degraded-mode disclosure.
func (ep *EventPublisher) PublishTierDegraded(subsystem, tier, disclosure string) error {
	return ep.Publish(Event{
		Type:    EventTypeTierDegraded,
		Source:  "tier",
		Message: disclosure,
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"subsystem": subsystem,
			"tier":      tier,
		},
	})
}

// PublishReprobe publishes a capability re-probe.
func (ep *EventPublisher) PublishReprobe(generation uint64, summary string) error {
	return ep.Publish(Event{
		Type:    EventTypeReprobe,
		Source:  "capability",
		Message: "capabilities re-probed: " + summary,
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"generation": generation,
		},
	})
}

// PublishPolicyViolation publishes a policy deny.
func (ep *EventPublisher) PublishPolicyViolation(requestID, label, rule, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypePolicyViolation,
		Source:    "policy",
		RequestID: requestID,
		Message:   fmt.Sprintf("%s rejected by %s: %s", label, rule, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"operation": label,
			"rule":      rule,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain what was accepted before shutdown.
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType only allows events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRequestID only allows events for one request.
func FilterByRequestID(requestID string) EventFilter {
	return func(event Event) bool {
		return event.RequestID == requestID
	}
}
