package query

import (
	"context"
	"log/slog"

	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
	"github.com/alem-hub/warning-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET STUDENT WARNINGS QUERY
// Warning history of one student, newest first, served from the
// student_history cache tier. The engine and the sink drop the entry whenever
// they write records for the student.
// ══════════════════════════════════════════════════════════════════════════════

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// GetStudentWarningsQuery selects a student's history.
type GetStudentWarningsQuery struct {
	StudentID string

	// Limit caps the number of records (default 50, max 200).
	Limit int

	// ActiveOnly keeps only records in the active status.
	ActiveOnly bool
}

// Validate checks and normalises the query.
func (q *GetStudentWarningsQuery) Validate() error {
	if q.StudentID == "" {
		return shared.NewDomainError("query", "GetStudentWarnings", shared.ErrInvalidInput, "student_id is required")
	}
	if q.Limit < 0 {
		return shared.NewDomainError("query", "GetStudentWarnings", shared.ErrValueOutOfRange, "limit cannot be negative")
	}
	if q.Limit == 0 {
		q.Limit = defaultHistoryLimit
	}
	if q.Limit > maxHistoryLimit {
		q.Limit = maxHistoryLimit
	}
	return nil
}

// GetStudentWarningsResult is the student's history.
type GetStudentWarningsResult struct {
	StudentID string           `json:"studentId"`
	Warnings  []warning.Record `json:"warnings"`
	Total     int              `json:"total"`
}

// GetStudentWarningsHandler answers GetStudentWarningsQuery.
type GetStudentWarningsHandler struct {
	records  warning.RecordStore
	entities warning.EntityStore
	cache    *cache.Manager
	logger   *slog.Logger
}

// NewGetStudentWarningsHandler creates a new handler. cm may be nil.
func NewGetStudentWarningsHandler(records warning.RecordStore, entities warning.EntityStore, cm *cache.Manager, log *slog.Logger) *GetStudentWarningsHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &GetStudentWarningsHandler{
		records:  records,
		entities: entities,
		cache:    cm,
		logger:   log.With(logger.Component("query"), logger.Operation("student_warnings")),
	}
}

// Handle returns the student's warnings. An unknown student is ErrStudentNotFound.
func (h *GetStudentWarningsHandler) Handle(ctx context.Context, q GetStudentWarningsQuery) (*GetStudentWarningsResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	if _, err := h.entities.StudentInfo(ctx, q.StudentID); err != nil {
		if shared.IsNotFound(err) {
			return nil, shared.ErrStudentNotFound
		}
		return nil, shared.WrapError("query", "GetStudentWarnings", shared.ErrExternalService, "student lookup", err)
	}

	load := func(ctx context.Context) ([]warning.Record, error) {
		return h.records.StudentHistory(ctx, q.StudentID, maxHistoryLimit)
	}

	var (
		history []warning.Record
		err     error
	)
	if h.cache == nil {
		history, err = load(ctx)
	} else {
		// The full window is cached once per student; limits and filters
		// are applied on the cached copy.
		history, err = cache.WithCache(ctx, h.cache, cache.TypeStudentHistory, q.StudentID, load)
	}
	if err != nil {
		return nil, shared.WrapError("query", "GetStudentWarnings", shared.ErrExternalService,
			"load history", err)
	}

	out := make([]warning.Record, 0, min(len(history), q.Limit))
	for _, r := range history {
		if q.ActiveOnly && r.Status != warning.StatusActive {
			continue
		}
		out = append(out, r)
		if len(out) == q.Limit {
			break
		}
	}

	h.logger.Debug("history served",
		logger.StudentID(q.StudentID),
		logger.Count("limit", q.Limit),
		logger.Count("count", len(out)),
	)
	return &GetStudentWarningsResult{StudentID: q.StudentID, Warnings: out, Total: len(out)}, nil
}
