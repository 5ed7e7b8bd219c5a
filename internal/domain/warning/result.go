package warning

import (
	"time"

	"github.com/google/uuid"
)

// Reason explains why a result did not trigger.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonConditionNotMet   Reason = "condition_not_met"
	ReasonCooldown          Reason = "cooldown"
	ReasonAggregationFailed Reason = "aggregation_failed"
	ReasonCooldownUnknown   Reason = "cooldown_check_failed"
)

// Failed reports whether the reason marks an evaluation that could not run,
// as opposed to one that ran and did not trigger.
func (r Reason) Failed() bool {
	return r == ReasonAggregationFailed || r == ReasonCooldownUnknown
}

// ResultMetadata describes how a result was produced.
type ResultMetadata struct {
	CalculatedAt     time.Time `json:"calculatedAt"`
	ProcessingTimeMs float64   `json:"processingTimeMs"`
	RuleVersion      string    `json:"ruleVersion"`
	Confidence       float64   `json:"confidence"`
}

// CalculationResult is the outcome of evaluating one rule for one student.
// Non-triggered results are discarded after accounting; triggered ones become
// records.
type CalculationResult struct {
	RuleID           string         `json:"ruleId"`
	EntityID         string         `json:"entityId"`
	Triggered        bool           `json:"triggered"`
	Severity         Severity       `json:"severity"`
	Score            float64        `json:"score"`
	Message          string         `json:"message,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
	SuggestedActions []string       `json:"suggestedActions,omitempty"`
	ExpiredAt        *time.Time     `json:"expiredAt,omitempty"`
	Reason           Reason         `json:"reason,omitempty"`
	Metadata         ResultMetadata `json:"metadata"`
}

// Skipped builds a non-triggered result carrying a reason.
func Skipped(rule *CompiledRule, entityID string, reason Reason, at time.Time) CalculationResult {
	return CalculationResult{
		RuleID:   rule.ID,
		EntityID: entityID,
		Severity: rule.Severity,
		Reason:   reason,
		Metadata: ResultMetadata{CalculatedAt: at, RuleVersion: rule.Version()},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// RECORD
// ══════════════════════════════════════════════════════════════════════════════

// RecordStatus is the lifecycle state of a persisted warning.
type RecordStatus string

const (
	StatusActive    RecordStatus = "active"
	StatusResolved  RecordStatus = "resolved"
	StatusDismissed RecordStatus = "dismissed"
)

// Record is a persisted warning (a warning_records row).
type Record struct {
	ID               string         `json:"id"`
	StudentID        string         `json:"studentId"`
	RuleID           string         `json:"ruleId"`
	Severity         Severity       `json:"severity"`
	Score            float64        `json:"score"`
	Message          string         `json:"message"`
	Details          map[string]any `json:"details,omitempty"`
	SuggestedActions []string       `json:"suggestedActions,omitempty"`
	Status           RecordStatus   `json:"status"`
	ExpiredAt        *time.Time     `json:"expiredAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// NewRecord converts a triggered result into an active record.
func NewRecord(res CalculationResult) Record {
	details := make(map[string]any, len(res.Details)+2)
	for k, v := range res.Details {
		details[k] = v
	}
	details["ruleVersion"] = res.Metadata.RuleVersion
	details["confidence"] = res.Metadata.Confidence

	return Record{
		ID:               uuid.NewString(),
		StudentID:        res.EntityID,
		RuleID:           res.RuleID,
		Severity:         res.Severity,
		Score:            res.Score,
		Message:          res.Message,
		Details:          details,
		SuggestedActions: res.SuggestedActions,
		Status:           StatusActive,
		ExpiredAt:        res.ExpiredAt,
		CreatedAt:        res.Metadata.CalculatedAt,
	}
}

// Stats summarises stored warnings for the dashboard.
type Stats struct {
	Total        int                  `json:"total"`
	Active       int                  `json:"active"`
	Last24Hours  int                  `json:"last24Hours"`
	BySeverity   map[Severity]int     `json:"bySeverity"`
	ByStatus     map[RecordStatus]int `json:"byStatus"`
	TopRules     []RuleCount          `json:"topRules"`
	StudentCount int                  `json:"studentCount"`
	GeneratedAt  time.Time            `json:"generatedAt"`
}

// RuleCount is the number of active warnings raised by one rule.
type RuleCount struct {
	RuleID string `json:"ruleId"`
	Name   string `json:"name"`
	Count  int    `json:"count"`
}
