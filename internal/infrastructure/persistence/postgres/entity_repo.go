package postgres

import (
	"context"
	"time"

	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENTITY REPOSITORY
// Read-only access to the academic tables the aggregator derives features
// from. Every method is a single round trip.
// ══════════════════════════════════════════════════════════════════════════════

// EntityRepository implements warning.EntityStore.
type EntityRepository struct {
	conn *Connection
}

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository(conn *Connection) *EntityRepository {
	return &EntityRepository{conn: conn}
}

var _ warning.EntityStore = (*EntityRepository)(nil)

// StudentInfo returns the student's profile joined with the class.
func (r *EntityRepository) StudentInfo(ctx context.Context, studentID string) (*warning.StudentInfo, error) {
	var info warning.StudentInfo
	err := r.conn.QueryRow(ctx, `
		SELECT s.id, s.name, COALESCE(s.class_id, ''), COALESCE(c.name, ''), COALESCE(c.grade, ''), s.status
		FROM students s
		LEFT JOIN classes c ON c.id = s.class_id
		WHERE s.id = $1
	`, studentID).Scan(&info.ID, &info.Name, &info.ClassID, &info.ClassName, &info.Grade, &info.Status)
	if IsNoRows(err) {
		return nil, shared.ErrStudentNotFound
	}
	if err != nil {
		return nil, classify("entity", "StudentInfo", err)
	}
	return &info, nil
}

// RecentScores returns up to limit scores, newest exam first.
func (r *EntityRepository) RecentScores(ctx context.Context, studentID string, limit int) ([]warning.ScoreRecord, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT e.id, e.name, e.subject, s.score, e.exam_date
		FROM exam_scores s
		JOIN exams e ON e.id = s.exam_id
		WHERE s.student_id = $1
		ORDER BY e.exam_date DESC
		LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, classify("entity", "RecentScores", err)
	}
	defer rows.Close()

	var out []warning.ScoreRecord
	for rows.Next() {
		var sc warning.ScoreRecord
		if err := rows.Scan(&sc.ExamID, &sc.ExamName, &sc.Subject, &sc.Score, &sc.ExamDate); err != nil {
			return nil, classify("entity", "RecentScores", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("entity", "RecentScores", err)
	}
	return out, nil
}

func (r *EntityRepository) AttendanceSummary(ctx context.Context, studentID string, since time.Time) (warning.AttendanceSummary, error) {
	var sum warning.AttendanceSummary
	err := r.conn.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'present'),
			COUNT(*) FILTER (WHERE status = 'absent'),
			COUNT(*) FILTER (WHERE status = 'late')
		FROM attendance
		WHERE student_id = $1 AND date >= $2::date
	`, studentID, since).Scan(&sum.Total, &sum.Present, &sum.Absent, &sum.Late)
	if err != nil {
		return warning.AttendanceSummary{}, classify("entity", "AttendanceSummary", err)
	}
	return sum, nil
}

func (r *EntityRepository) BehaviorSummary(ctx context.Context, studentID string, since time.Time) (warning.BehaviorSummary, error) {
	var sum warning.BehaviorSummary
	err := r.conn.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE points > 0),
			COUNT(*) FILTER (WHERE points < 0),
			COALESCE(SUM(points), 0)
		FROM behavior_records
		WHERE student_id = $1 AND recorded_at >= $2
	`, studentID, since).Scan(&sum.Positive, &sum.Negative, &sum.Points)
	if err != nil {
		return warning.BehaviorSummary{}, classify("entity", "BehaviorSummary", err)
	}
	return sum, nil
}

// HomeworkSummary counts homework due since the cutoff for the student's
// class. A submission after the due date counts as submitted and late.
func (r *EntityRepository) HomeworkSummary(ctx context.Context, studentID string, since time.Time) (warning.HomeworkSummary, error) {
	var sum warning.HomeworkSummary
	err := r.conn.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(hs.submitted_at),
			COUNT(*) FILTER (WHERE hs.submitted_at IS NULL),
			COUNT(*) FILTER (WHERE hs.submitted_at > h.due_at)
		FROM homework h
		JOIN students s ON s.class_id = h.class_id AND s.id = $1
		LEFT JOIN homework_submissions hs ON hs.homework_id = h.id AND hs.student_id = s.id
		WHERE h.due_at >= $2
	`, studentID, since).Scan(&sum.Assigned, &sum.Submitted, &sum.Missing, &sum.Late)
	if err != nil {
		return warning.HomeworkSummary{}, classify("entity", "HomeworkSummary", err)
	}
	return sum, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Affected-entity resolution
// ─────────────────────────────────────────────────────────────────────────────

func (r *EntityRepository) StudentsByExam(ctx context.Context, examID string) ([]string, error) {
	return r.ids(ctx, "StudentsByExam", `
		SELECT DISTINCT student_id FROM exam_scores WHERE exam_id = $1 ORDER BY student_id
	`, examID)
}

func (r *EntityRepository) StudentsByClass(ctx context.Context, classID string) ([]string, error) {
	return r.ids(ctx, "StudentsByClass", `
		SELECT id FROM students WHERE class_id = $1 AND status = 'active' ORDER BY id
	`, classID)
}

// StudentsByHomework returns the active students of the homework's class.
func (r *EntityRepository) StudentsByHomework(ctx context.Context, homeworkID string) ([]string, error) {
	return r.ids(ctx, "StudentsByHomework", `
		SELECT s.id
		FROM homework h
		JOIN students s ON s.class_id = h.class_id AND s.status = 'active'
		WHERE h.id = $1
		ORDER BY s.id
	`, homeworkID)
}

func (r *EntityRepository) ClassIDs(ctx context.Context) ([]string, error) {
	return r.ids(ctx, "ClassIDs", `
		SELECT DISTINCT class_id FROM students
		WHERE status = 'active' AND class_id IS NOT NULL
		ORDER BY class_id
	`)
}

func (r *EntityRepository) ids(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("entity", op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("entity", op, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("entity", op, err)
	}
	return out, nil
}
