package shared

import (
	"time"
)

// EventType represents the type of an outbound notification event.
type EventType string

// Notification event types published by the warning engine.
const (
	EventWarningsUpdated  EventType = "warnings.updated"
	EventProcessingFailed EventType = "warnings.processing_failed"
)

// Event is the base interface for all outbound events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the data change event that produced it.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AggregateId string    `json:"aggregate_id"`
	Version     int       `json:"version"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Warning Events
// ═══════════════════════════════════════════════════════════════════════════

// WarningsUpdatedEvent is emitted once per processed data change event that
// persisted warnings or had failing rules.
type WarningsUpdatedEvent struct {
	BaseEvent
	EventID           string   `json:"event_id"`
	NewWarningsCount  int      `json:"new_warnings_count"`
	AffectedEntityIDs []string `json:"affected_entity_ids"`
	FailedRules       int      `json:"failed_rules"`
}

// Payload implements Event interface.
func (e WarningsUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"event_id":            e.EventID,
		"new_warnings_count":  e.NewWarningsCount,
		"affected_entity_ids": e.AffectedEntityIDs,
		"failed_rules":        e.FailedRules,
	}
}

// NewWarningsUpdatedEvent creates a new WarningsUpdatedEvent.
func NewWarningsUpdatedEvent(eventID string, newWarnings int, affected []string, failedRules int, at time.Time) WarningsUpdatedEvent {
	return WarningsUpdatedEvent{
		BaseEvent:         NewBaseEvent(EventWarningsUpdated, eventID, at),
		EventID:           eventID,
		NewWarningsCount:  newWarnings,
		AffectedEntityIDs: affected,
		FailedRules:       failedRules,
	}
}

// ProcessingFailedEvent is emitted when a data change event ends in the
// failed state.
type ProcessingFailedEvent struct {
	BaseEvent
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// Payload implements Event interface.
func (e ProcessingFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"event_id": e.EventID,
		"reason":   e.Reason,
	}
}

// NewProcessingFailedEvent creates a new ProcessingFailedEvent.
func NewProcessingFailedEvent(eventID, reason string, at time.Time) ProcessingFailedEvent {
	return ProcessingFailedEvent{
		BaseEvent: NewBaseEvent(EventProcessingFailed, eventID, at),
		EventID:   eventID,
		Reason:    reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus contracts
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
