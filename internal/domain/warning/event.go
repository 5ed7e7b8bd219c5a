// Package warning holds the domain model of the academic warning engine:
// data-change events, warning rules, calculation results, persisted warning
// records and the store contracts the engine depends on.
package warning

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/warning-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVENT TYPES
// ══════════════════════════════════════════════════════════════════════════════

// EventType identifies what kind of data change happened.
type EventType string

const (
	EventGradeImported     EventType = "GRADE_IMPORTED"
	EventExamCompleted     EventType = "EXAM_COMPLETED"
	EventHomeworkSubmitted EventType = "HOMEWORK_SUBMITTED"
	EventAttendanceUpdated EventType = "ATTENDANCE_UPDATED"
	EventBehaviorRecorded  EventType = "BEHAVIOR_RECORDED"
	EventManualTrigger     EventType = "MANUAL_TRIGGER"
	EventScheduledCheck    EventType = "SCHEDULED_CHECK"
)

// AllEventTypes lists every recognised event type.
var AllEventTypes = []EventType{
	EventGradeImported,
	EventExamCompleted,
	EventHomeworkSubmitted,
	EventAttendanceUpdated,
	EventBehaviorRecorded,
	EventManualTrigger,
	EventScheduledCheck,
}

// IsValid reports whether t is a recognised event type.
func (t EventType) IsValid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (t EventType) String() string { return string(t) }

// EntityType identifies what the event's EntityID refers to.
type EntityType string

const (
	EntityStudent  EntityType = "student"
	EntityExam     EntityType = "exam"
	EntityClass    EntityType = "class"
	EntityHomework EntityType = "homework"
)

// IsValid reports whether e is a recognised entity type.
func (e EntityType) IsValid() bool {
	switch e {
	case EntityStudent, EntityExam, EntityClass, EntityHomework:
		return true
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DATA CHANGE EVENT
// ══════════════════════════════════════════════════════════════════════════════

// DataChangeEvent is submitted by import jobs, manual UI actions and the
// scheduler. It is consumed exactly once by the engine and never mutated.
type DataChangeEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	EntityID   string         `json:"entityId"`
	EntityType EntityType     `json:"entityType"`
	ChangeData map[string]any `json:"changeData,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewDataChangeEvent creates an event with a fresh ID.
func NewDataChangeEvent(eventType EventType, entityType EntityType, entityID string, changeData map[string]any, at time.Time) DataChangeEvent {
	return DataChangeEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		EntityID:   entityID,
		EntityType: entityType,
		ChangeData: changeData,
		Timestamp:  at,
	}
}

// Validate checks that the event can be processed.
func (e DataChangeEvent) Validate() error {
	var problems []string

	if !e.Type.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown event type %q", e.Type))
	}
	if !e.EntityType.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown entity type %q", e.EntityType))
	}
	if strings.TrimSpace(e.EntityID) == "" {
		problems = append(problems, "entity id is required")
	}

	if len(problems) > 0 {
		return shared.WrapError("event", "Validate", shared.ErrInvalidInput,
			strings.Join(problems, "; "), shared.ErrInvalidEvent)
	}
	return nil
}

// WithDefaults fills in a missing ID and timestamp.
func (e DataChangeEvent) WithDefaults(now time.Time) DataChangeEvent {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	return e
}

// ══════════════════════════════════════════════════════════════════════════════
// PROCESSING STATE
// ══════════════════════════════════════════════════════════════════════════════

// ProcessingState is the lifecycle of one event inside the engine:
// received -> queued -> processing -> completed | failed.
type ProcessingState string

const (
	StateReceived   ProcessingState = "received"
	StateQueued     ProcessingState = "queued"
	StateProcessing ProcessingState = "processing"
	StateCompleted  ProcessingState = "completed"
	StateFailed     ProcessingState = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s ProcessingState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}
