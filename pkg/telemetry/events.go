package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a machine lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated dispatch run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Machine is the associated machine name, if applicable.
	Machine string `json:"machine,omitempty"`

	// Action is the associated lifecycle action, if applicable.
	Action string `json:"action,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeMachineCreated      = "machine.created"
	EventTypeMachineIDSet        = "machine.id_set"
	EventTypeMachineIDCleared    = "machine.id_cleared"
	EventTypeActionStarted       = "machine.action_started"
	EventTypeActionCompleted     = "machine.action_completed"
	EventTypeActionFailed        = "machine.action_failed"
	EventTypeActionUnimplemented = "machine.action_unimplemented"
	EventTypePolicyDenied        = "policy.denied"
	EventTypeError               = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
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
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	if cfg.FlushInterval > 0 {
		ep.wg.Add(1)
		go ep.periodicFlush()
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

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishMachineCreated publishes a machine construction event.
func (ep *EventPublisher) PublishMachineCreated(machine, provider string) error {
	return ep.Publish(Event{
		Type:    EventTypeMachineCreated,
		Source:  "engine",
		Machine: machine,
		Message: fmt.Sprintf("Machine %s created with provider %s", machine, provider),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"provider": provider,
		},
	})
}

// PublishMachineIDSet publishes an identifier persistence event.
func (ep *EventPublisher) PublishMachineIDSet(machine, id string) error {
	return ep.Publish(Event{
		Type:    EventTypeMachineIDSet,
		Source:  "engine",
		Machine: machine,
		Message: fmt.Sprintf("Machine %s identifier set to %s", machine, id),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"id": id,
		},
	})
}

// PublishMachineIDCleared publishes an identifier removal event.
func (ep *EventPublisher) PublishMachineIDCleared(machine string) error {
	return ep.Publish(Event{
		Type:    EventTypeMachineIDCleared,
		Source:  "engine",
		Machine: machine,
		Message: fmt.Sprintf("Machine %s identifier cleared", machine),
		Level:   EventLevelInfo,
	})
}

// PublishActionStarted publishes an action dispatch start event.
func (ep *EventPublisher) PublishActionStarted(runID, machine, action string) error {
	return ep.Publish(Event{
		Type:    EventTypeActionStarted,
		Source:  "runner",
		RunID:   runID,
		Machine: machine,
		Action:  action,
		Message: fmt.Sprintf("Action %s started on machine %s", action, machine),
		Level:   EventLevelInfo,
	})
}

// PublishActionCompleted publishes an action dispatch completion event.
func (ep *EventPublisher) PublishActionCompleted(runID, machine, action, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeActionCompleted,
		Source:  "runner",
		RunID:   runID,
		Machine: machine,
		Action:  action,
		Message: fmt.Sprintf("Action %s on machine %s completed with status: %s", action, machine, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishActionFailed publishes an action dispatch failure event.
func (ep *EventPublisher) PublishActionFailed(runID, machine, action, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeActionFailed,
		Source:  "runner",
		RunID:   runID,
		Machine: machine,
		Action:  action,
		Message: fmt.Sprintf("Action %s on machine %s failed: %s", action, machine, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishActionUnimplemented publishes a capability mismatch event.
func (ep *EventPublisher) PublishActionUnimplemented(machine, action, provider string) error {
	return ep.Publish(Event{
		Type:    EventTypeActionUnimplemented,
		Source:  "engine",
		Machine: machine,
		Action:  action,
		Message: fmt.Sprintf("Action %s is not implemented by provider %s", action, provider),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"provider": provider,
		},
	})
}

// PublishPolicyDenied publishes a policy denial event.
func (ep *EventPublisher) PublishPolicyDenied(runID, machine, action, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyDenied,
		Source:  "policy",
		RunID:   runID,
		Machine: machine,
		Action:  action,
		Message: fmt.Sprintf("Action %s on machine %s denied by policy: %s", action, machine, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down.
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// periodicFlush keeps the flush ticker alive; draining itself happens in
// processEvents.
func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ep.ctx.Done():
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Subscribers run on their own goroutine so a slow one cannot
		// block delivery.
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
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

// Common event filters.

// FilterByLevel creates a filter that only allows events of a level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByMachine creates a filter that only allows events for one machine.
func FilterByMachine(machine string) EventFilter {
	return func(event Event) bool {
		return event.Machine == machine
	}
}
