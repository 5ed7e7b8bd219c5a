// Package cache implements the layered cache manager shared by the
// aggregator, the rule repository and the statistics endpoints.
//
// L1 is an in-process map guarded by a RWMutex with lazy expiry on read.
// L2 is an optional remote store (Redis in production). Every entry belongs
// to a data type whose policy fixes its TTL and eviction priority.
package cache

import (
	"time"
)

// DataType names a class of cached data sharing one policy.
type DataType string

const (
	TypeWarningStats    DataType = "warning_stats"
	TypeStudentFeatures DataType = "student_features"
	TypeStudentHistory  DataType = "student_history"
	TypeClassStats      DataType = "class_stats"
	TypeExamStats       DataType = "exam_stats"
	TypeRuleData        DataType = "rule_data"
)

// IsKnown reports whether d has a built-in policy.
func (d DataType) IsKnown() bool {
	_, ok := DefaultPolicies()[d]
	return ok
}

// Priority decides eviction order during Cleanup. Lower goes first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Policy is the TTL and priority of a data type.
type Policy struct {
	TTL      time.Duration
	Priority Priority
}

// DefaultPolicy applies to data types without an explicit policy.
var DefaultPolicy = Policy{TTL: 5 * time.Minute, Priority: PriorityLow}

// DefaultPolicies returns the built-in policy table. Volatile statistics
// expire in minutes; rule definitions live for a day.
func DefaultPolicies() map[DataType]Policy {
	return map[DataType]Policy{
		TypeWarningStats:    {TTL: 2 * time.Minute, Priority: PriorityHigh},
		TypeStudentFeatures: {TTL: 5 * time.Minute, Priority: PriorityHigh},
		TypeStudentHistory:  {TTL: 10 * time.Minute, Priority: PriorityMedium},
		TypeClassStats:      {TTL: 15 * time.Minute, Priority: PriorityMedium},
		TypeExamStats:       {TTL: 30 * time.Minute, Priority: PriorityLow},
		TypeRuleData:        {TTL: 24 * time.Hour, Priority: PriorityCritical},
	}
}

// compositeKey is the L1 key of an entry.
func compositeKey(dataType DataType, key string) string {
	return string(dataType) + ":" + key
}
