// Package memory is an in-process implementation of the warning store
// contracts. It backs the engine when no database is configured and serves
// as the fixture store in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
)

// Attendance marks.
const (
	AttendancePresent = "present"
	AttendanceAbsent  = "absent"
	AttendanceLate    = "late"
)

const studentActive = "active"

// Score is one exam score row.
type Score struct {
	StudentID string
	ExamID    string
	ExamName  string
	Subject   string
	Score     float64
	ExamDate  time.Time
}

// Attendance is one attendance row.
type Attendance struct {
	StudentID string
	Date      time.Time
	Status    string
}

// Behavior is one behavior row. Positive points are praise, negative are
// incidents.
type Behavior struct {
	StudentID  string
	RecordedAt time.Time
	Points     float64
}

// Homework is one homework assignment for one student.
type Homework struct {
	StudentID   string
	HomeworkID  string
	DueAt       time.Time
	SubmittedAt *time.Time
}

// Store holds all tables in memory. The zero value is not usable; call New.
type Store struct {
	mu sync.RWMutex

	students   map[string]warning.StudentInfo
	scores     []Score
	attendance []Attendance
	behavior   []Behavior
	homework   []Homework
	rules      map[string]warning.Rule
	records    []warning.Record

	// Fault injection for tests, keyed by method name.
	failures map[string]error
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		students: make(map[string]warning.StudentInfo),
		rules:    make(map[string]warning.Rule),
		failures: make(map[string]error),
	}
}

var (
	_ warning.RuleStore   = (*Store)(nil)
	_ warning.RecordStore = (*Store)(nil)
	_ warning.EntityStore = (*Store)(nil)
)

// ══════════════════════════════════════════════════════════════════════════════
// SEEDING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Store) AddStudent(info warning.StudentInfo) {
	s.mu.Lock()
	s.students[info.ID] = info
	s.mu.Unlock()
}

func (s *Store) AddScore(score Score) {
	s.mu.Lock()
	s.scores = append(s.scores, score)
	s.mu.Unlock()
}

func (s *Store) AddAttendance(a Attendance) {
	s.mu.Lock()
	s.attendance = append(s.attendance, a)
	s.mu.Unlock()
}

func (s *Store) AddBehavior(b Behavior) {
	s.mu.Lock()
	s.behavior = append(s.behavior, b)
	s.mu.Unlock()
}

func (s *Store) AddHomework(h Homework) {
	s.mu.Lock()
	s.homework = append(s.homework, h)
	s.mu.Unlock()
}

func (s *Store) PutRule(r warning.Rule) {
	s.mu.Lock()
	s.rules[r.ID] = r
	s.mu.Unlock()
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	if err == nil {
		delete(s.failures, method)
	} else {
		s.failures[method] = err
	}
	s.mu.Unlock()
}

// Records returns a copy of every stored record.
func (s *Store) Records() []warning.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]warning.Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Store) failure(method string) error {
	return s.failures[method]
}

// ══════════════════════════════════════════════════════════════════════════════
// RULE STORE
// ══════════════════════════════════════════════════════════════════════════════

func (s *Store) ActiveRules(context.Context) ([]warning.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("ActiveRules"); err != nil {
		return nil, err
	}

	out := make([]warning.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) RuleByID(_ context.Context, id string) (*warning.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, shared.ErrRuleNotFound
	}
	return &r, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// RECORD STORE
// ══════════════════════════════════════════════════════════════════════════════

func (s *Store) LatestRecordAt(_ context.Context, studentID, ruleID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("LatestRecordAt"); err != nil {
		return time.Time{}, false, err
	}

	var latest time.Time
	found := false
	for _, r := range s.records {
		if r.StudentID == studentID && r.RuleID == ruleID && (!found || r.CreatedAt.After(latest)) {
			latest, found = r.CreatedAt, true
		}
	}
	return latest, found, nil
}

func (s *Store) InsertRecords(_ context.Context, records []warning.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertRecords"); err != nil {
		return err
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *Store) StudentHistory(_ context.Context, studentID string, limit int) ([]warning.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []warning.Record
	for _, r := range s.records {
		if r.StudentID == studentID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context, now time.Time) (*warning.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &warning.Stats{
		BySeverity:  make(map[warning.Severity]int),
		ByStatus:    make(map[warning.RecordStatus]int),
		GeneratedAt: now,
	}
	byRule := make(map[string]int)
	students := make(map[string]struct{})

	for _, r := range s.records {
		stats.Total++
		stats.ByStatus[r.Status]++
		if now.Sub(r.CreatedAt) < 24*time.Hour {
			stats.Last24Hours++
		}
		if r.Status != warning.StatusActive || (r.ExpiredAt != nil && !now.Before(*r.ExpiredAt)) {
			continue
		}
		stats.Active++
		stats.BySeverity[r.Severity]++
		byRule[r.RuleID]++
		students[r.StudentID] = struct{}{}
	}
	stats.StudentCount = len(students)

	for id, n := range byRule {
		stats.TopRules = append(stats.TopRules, warning.RuleCount{RuleID: id, Name: s.rules[id].Name, Count: n})
	}
	sort.Slice(stats.TopRules, func(i, j int) bool {
		if stats.TopRules[i].Count != stats.TopRules[j].Count {
			return stats.TopRules[i].Count > stats.TopRules[j].Count
		}
		return stats.TopRules[i].RuleID < stats.TopRules[j].RuleID
	})
	if len(stats.TopRules) > 10 {
		stats.TopRules = stats.TopRules[:10]
	}
	return stats, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTITY STORE
// ══════════════════════════════════════════════════════════════════════════════

func (s *Store) StudentInfo(ctx context.Context, studentID string) (*warning.StudentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("StudentInfo"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, ok := s.students[studentID]
	if !ok {
		return nil, shared.ErrStudentNotFound
	}
	return &info, nil
}

func (s *Store) RecentScores(_ context.Context, studentID string, limit int) ([]warning.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("RecentScores"); err != nil {
		return nil, err
	}

	var out []warning.ScoreRecord
	for _, sc := range s.scores {
		if sc.StudentID == studentID {
			out = append(out, warning.ScoreRecord{
				ExamID: sc.ExamID, ExamName: sc.ExamName, Subject: sc.Subject,
				Score: sc.Score, ExamDate: sc.ExamDate,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExamDate.After(out[j].ExamDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AttendanceSummary(_ context.Context, studentID string, since time.Time) (warning.AttendanceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("AttendanceSummary"); err != nil {
		return warning.AttendanceSummary{}, err
	}

	var sum warning.AttendanceSummary
	for _, a := range s.attendance {
		if a.StudentID != studentID || a.Date.Before(since) {
			continue
		}
		sum.Total++
		switch a.Status {
		case AttendancePresent:
			sum.Present++
		case AttendanceAbsent:
			sum.Absent++
		case AttendanceLate:
			sum.Late++
		}
	}
	return sum, nil
}

func (s *Store) BehaviorSummary(_ context.Context, studentID string, since time.Time) (warning.BehaviorSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("BehaviorSummary"); err != nil {
		return warning.BehaviorSummary{}, err
	}

	var sum warning.BehaviorSummary
	for _, b := range s.behavior {
		if b.StudentID != studentID || b.RecordedAt.Before(since) {
			continue
		}
		sum.Points += b.Points
		switch {
		case b.Points > 0:
			sum.Positive++
		case b.Points < 0:
			sum.Negative++
		}
	}
	return sum, nil
}

func (s *Store) HomeworkSummary(_ context.Context, studentID string, since time.Time) (warning.HomeworkSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("HomeworkSummary"); err != nil {
		return warning.HomeworkSummary{}, err
	}

	var sum warning.HomeworkSummary
	for _, h := range s.homework {
		if h.StudentID != studentID || h.DueAt.Before(since) {
			continue
		}
		sum.Assigned++
		switch {
		case h.SubmittedAt == nil:
			sum.Missing++
		case h.SubmittedAt.After(h.DueAt):
			sum.Submitted++
			sum.Late++
		default:
			sum.Submitted++
		}
	}
	return sum, nil
}

func (s *Store) StudentsByExam(_ context.Context, examID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("StudentsByExam"); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, sc := range s.scores {
		if sc.ExamID == examID {
			seen[sc.StudentID] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

// StudentsByClass returns the active students of the class.
func (s *Store) StudentsByClass(_ context.Context, classID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("StudentsByClass"); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for id, st := range s.students {
		if st.ClassID == classID && isActive(st) {
			seen[id] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

// StudentsByHomework returns the students assigned the homework, minus any
// known to be inactive.
func (s *Store) StudentsByHomework(_ context.Context, homeworkID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("StudentsByHomework"); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, h := range s.homework {
		if h.HomeworkID != homeworkID {
			continue
		}
		if st, ok := s.students[h.StudentID]; ok && !isActive(st) {
			continue
		}
		seen[h.StudentID] = struct{}{}
	}
	return sortedKeys(seen), nil
}

// ClassIDs returns every class with at least one active student.
func (s *Store) ClassIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("ClassIDs"); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, st := range s.students {
		if st.ClassID != "" && isActive(st) {
			seen[st.ClassID] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

// isActive mirrors the students.status column; an unset status counts as
// active, matching the column default.
func isActive(st warning.StudentInfo) bool {
	return st.Status == "" || st.Status == studentActive
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
