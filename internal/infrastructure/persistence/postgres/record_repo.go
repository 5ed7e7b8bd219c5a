package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// RecordRepository implements warning.RecordStore over warning_records.
type RecordRepository struct {
	conn *Connection
}

// NewRecordRepository creates a new RecordRepository.
func NewRecordRepository(conn *Connection) *RecordRepository {
	return &RecordRepository{conn: conn}
}

var _ warning.RecordStore = (*RecordRepository)(nil)

// LatestRecordAt returns the newest created_at for the (student, rule) pair.
func (r *RecordRepository) LatestRecordAt(ctx context.Context, studentID, ruleID string) (time.Time, bool, error) {
	var at *time.Time
	err := r.conn.QueryRow(ctx, `
		SELECT MAX(created_at)
		FROM warning_records
		WHERE student_id = $1 AND rule_id = $2
	`, studentID, ruleID).Scan(&at)
	if err != nil {
		return time.Time{}, false, classify("record", "LatestRecordAt", err)
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}

// InsertRecords writes all records in one transaction using a batch.
func (r *RecordRepository) InsertRecords(ctx context.Context, records []warning.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		details, err := json.Marshal(rec.Details)
		if err != nil {
			return shared.WrapError("record", "InsertRecords", shared.ErrValidation,
				fmt.Sprintf("record %s: marshal details", rec.ID), err)
		}
		actions, err := json.Marshal(nonNil(rec.SuggestedActions))
		if err != nil {
			return shared.WrapError("record", "InsertRecords", shared.ErrValidation,
				fmt.Sprintf("record %s: marshal suggested actions", rec.ID), err)
		}

		batch.Queue(`
			INSERT INTO warning_records
			(id, student_id, rule_id, severity, score, message, details, suggested_actions, status, expired_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			rec.ID,
			rec.StudentID,
			rec.RuleID,
			string(rec.Severity),
			rec.Score,
			rec.Message,
			details,
			actions,
			string(rec.Status),
			rec.ExpiredAt,
			rec.CreatedAt,
		)
	}

	err := r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for range records {
			if _, err := br.Exec(); err != nil {
				return err
			}
		}
		return nil
	})
	return classify("record", "InsertRecords", err)
}

// StudentHistory returns the newest records of a student.
func (r *RecordRepository) StudentHistory(ctx context.Context, studentID string, limit int) ([]warning.Record, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id, student_id, rule_id, severity, score, message, details,
			   suggested_actions, status, expired_at, created_at
		FROM warning_records
		WHERE student_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, classify("record", "StudentHistory", err)
	}
	defer rows.Close()

	var out []warning.Record
	for rows.Next() {
		var (
			rec      warning.Record
			severity string
			status   string
			details  []byte
			actions  []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.StudentID,
			&rec.RuleID,
			&severity,
			&rec.Score,
			&rec.Message,
			&details,
			&actions,
			&status,
			&rec.ExpiredAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, classify("record", "StudentHistory", err)
		}
		rec.Severity = warning.Severity(severity)
		rec.Status = warning.RecordStatus(status)
		if err := json.Unmarshal(details, &rec.Details); err != nil {
			return nil, fmt.Errorf("record %s: unmarshal details: %w", rec.ID, err)
		}
		if err := json.Unmarshal(actions, &rec.SuggestedActions); err != nil {
			return nil, fmt.Errorf("record %s: unmarshal suggested actions: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("record", "StudentHistory", err)
	}
	return out, nil
}

// Stats aggregates counts in a single round trip per breakdown. Active means
// status 'active' and not yet expired at now.
func (r *RecordRepository) Stats(ctx context.Context, now time.Time) (*warning.Stats, error) {
	stats := &warning.Stats{
		BySeverity:  make(map[warning.Severity]int),
		ByStatus:    make(map[warning.RecordStatus]int),
		GeneratedAt: now,
	}

	const active = `status = 'active' AND (expired_at IS NULL OR expired_at > $1)`

	err := r.conn.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE created_at > $1 - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE `+active+`),
			COUNT(DISTINCT student_id) FILTER (WHERE `+active+`)
		FROM warning_records
	`, now).Scan(&stats.Total, &stats.Last24Hours, &stats.Active, &stats.StudentCount)
	if err != nil {
		return nil, classify("record", "Stats", err)
	}

	if err := r.countInto(ctx, `
		SELECT status, COUNT(*) FROM warning_records GROUP BY status
	`, nil, func(k string, n int) { stats.ByStatus[warning.RecordStatus(k)] = n }); err != nil {
		return nil, err
	}

	if err := r.countInto(ctx, `
		SELECT severity, COUNT(*) FROM warning_records WHERE `+active+` GROUP BY severity
	`, []any{now}, func(k string, n int) { stats.BySeverity[warning.Severity(k)] = n }); err != nil {
		return nil, err
	}

	rows, err := r.conn.Query(ctx, `
		SELECT w.rule_id, COALESCE(r.name, ''), COUNT(*) AS n
		FROM warning_records w
		LEFT JOIN warning_rules r ON r.id = w.rule_id
		WHERE w.status = 'active' AND (w.expired_at IS NULL OR w.expired_at > $1)
		GROUP BY w.rule_id, r.name
		ORDER BY n DESC, w.rule_id
		LIMIT 10
	`, now)
	if err != nil {
		return nil, classify("record", "Stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rc warning.RuleCount
		if err := rows.Scan(&rc.RuleID, &rc.Name, &rc.Count); err != nil {
			return nil, classify("record", "Stats", err)
		}
		stats.TopRules = append(stats.TopRules, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("record", "Stats", err)
	}

	return stats, nil
}

func (r *RecordRepository) countInto(ctx context.Context, query string, args []any, put func(string, int)) error {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return classify("record", "Stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return classify("record", "Stats", err)
		}
		put(key, n)
	}
	return classify("record", "Stats", rows.Err())
}
