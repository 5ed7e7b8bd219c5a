package warning

import (
	"context"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Implementations live in infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// RuleStore reads warning rule definitions.
type RuleStore interface {
	// ActiveRules returns every rule with is_active = true, ordered by priority.
	ActiveRules(ctx context.Context) ([]Rule, error)

	// RuleByID returns shared.ErrRuleNotFound when the rule does not exist.
	RuleByID(ctx context.Context, id string) (*Rule, error)
}

// RecordStore reads and writes warning records.
type RecordStore interface {
	// LatestRecordAt returns the creation time of the newest record for the
	// (student, rule) pair; ok is false when there is none.
	LatestRecordAt(ctx context.Context, studentID, ruleID string) (at time.Time, ok bool, err error)

	// InsertRecords stores all records or none.
	InsertRecords(ctx context.Context, records []Record) error

	// StudentHistory returns the newest records of a student.
	StudentHistory(ctx context.Context, studentID string, limit int) ([]Record, error)

	// Stats aggregates record counts as of now.
	Stats(ctx context.Context, now time.Time) (*Stats, error)
}

// EntityStore reads the raw academic data the aggregator derives features from.
type EntityStore interface {
	// StudentInfo returns shared.ErrStudentNotFound for unknown students.
	StudentInfo(ctx context.Context, studentID string) (*StudentInfo, error)

	// RecentScores returns up to limit scores ordered by exam date, newest first.
	RecentScores(ctx context.Context, studentID string, limit int) ([]ScoreRecord, error)

	AttendanceSummary(ctx context.Context, studentID string, since time.Time) (AttendanceSummary, error)
	BehaviorSummary(ctx context.Context, studentID string, since time.Time) (BehaviorSummary, error)
	HomeworkSummary(ctx context.Context, studentID string, since time.Time) (HomeworkSummary, error)

	// Affected-entity resolution.
	StudentsByExam(ctx context.Context, examID string) ([]string, error)
	StudentsByClass(ctx context.Context, classID string) ([]string, error)
	StudentsByHomework(ctx context.Context, homeworkID string) ([]string, error)

	// ClassIDs lists classes with at least one active student.
	ClassIDs(ctx context.Context) ([]string, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTITY DATA
// ══════════════════════════════════════════════════════════════════════════════

// StudentInfo is the basic profile of a student.
type StudentInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ClassID   string `json:"classId"`
	ClassName string `json:"className"`
	Grade     string `json:"grade"`
	Status    string `json:"status"`
}

// ScoreRecord is one exam result.
type ScoreRecord struct {
	ExamID   string    `json:"examId"`
	ExamName string    `json:"examName"`
	Subject  string    `json:"subject"`
	Score    float64   `json:"score"`
	ExamDate time.Time `json:"examDate"`
}

// AttendanceSummary counts attendance marks in a window.
type AttendanceSummary struct {
	Total   int `json:"total"`
	Present int `json:"present"`
	Absent  int `json:"absent"`
	Late    int `json:"late"`
}

// Rate is the share of sessions attended (late counts as attended).
// With no sessions recorded the rate is 1.
func (a AttendanceSummary) Rate() float64 {
	if a.Total == 0 {
		return 1
	}
	return float64(a.Present+a.Late) / float64(a.Total)
}

// BehaviorSummary counts behavior records in a window.
type BehaviorSummary struct {
	Positive int     `json:"positive"`
	Negative int     `json:"negative"`
	Points   float64 `json:"points"`
}

// HomeworkSummary counts homework assignments in a window.
type HomeworkSummary struct {
	Assigned  int `json:"assigned"`
	Submitted int `json:"submitted"`
	Missing   int `json:"missing"`
	Late      int `json:"late"`
}

// CompletionRate is submitted / assigned, or 1 when nothing was assigned.
func (h HomeworkSummary) CompletionRate() float64 {
	if h.Assigned == 0 {
		return 1
	}
	return float64(h.Submitted) / float64(h.Assigned)
}
