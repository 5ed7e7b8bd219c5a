package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
	"github.com/alem-hub/warning-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/warning-engine/pkg/timeutil"
)

var now = time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)

func record(student, rule string, sev warning.Severity, status warning.RecordStatus, age time.Duration) warning.Record {
	return warning.Record{
		ID:        student + "-" + rule + "-" + age.String(),
		StudentID: student,
		RuleID:    rule,
		Severity:  sev,
		Status:    status,
		CreatedAt: now.Add(-age),
	}
}

func seeded(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New()
	st.AddStudent(warning.StudentInfo{ID: "s1", Name: "A"})
	st.AddStudent(warning.StudentInfo{ID: "s2", Name: "B"})
	st.PutRule(warning.Rule{ID: "low", Name: "Low average"})

	require.NoError(t, st.InsertRecords(context.Background(), []warning.Record{
		record("s1", "low", warning.SeverityHigh, warning.StatusActive, time.Hour),
		record("s1", "low", warning.SeverityHigh, warning.StatusResolved, 48*time.Hour),
		record("s1", "absent", warning.SeverityMedium, warning.StatusActive, 2*time.Hour),
		record("s2", "low", warning.SeverityCritical, warning.StatusActive, 30*time.Hour),
	}))
	return st
}

func newCache(t *testing.T) *cache.Manager {
	t.Helper()
	cm, err := cache.NewManager(cache.Options{Clock: timeutil.NewManualClock(now)})
	require.NoError(t, err)
	return cm
}

func TestGetWarningStats(t *testing.T) {
	h := NewGetWarningStatsHandler(seeded(t), nil, timeutil.NewManualClock(now), nil)

	res, err := h.Handle(context.Background(), GetWarningStatsQuery{})
	require.NoError(t, err)

	s := res.Stats
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 3, s.Active)
	assert.Equal(t, 2, s.Last24Hours)
	assert.Equal(t, 2, s.StudentCount)
	assert.Equal(t, 1, s.BySeverity[warning.SeverityHigh])
	assert.Equal(t, 1, s.ByStatus[warning.StatusResolved])
	require.NotEmpty(t, s.TopRules)
	assert.Equal(t, "low", s.TopRules[0].RuleID)
	assert.Equal(t, "Low average", s.TopRules[0].Name)
	assert.Equal(t, 2, s.TopRules[0].Count)
	assert.Zero(t, res.Age(now))
}

func TestGetWarningStats_CachedUntilInvalidated(t *testing.T) {
	st := seeded(t)
	cm := newCache(t)
	h := NewGetWarningStatsHandler(st, cm, timeutil.NewManualClock(now), nil)
	ctx := context.Background()

	first, err := h.Handle(ctx, GetWarningStatsQuery{})
	require.NoError(t, err)

	require.NoError(t, st.InsertRecords(ctx, []warning.Record{
		record("s2", "absent", warning.SeverityLow, warning.StatusActive, time.Minute),
	}))

	cached, err := h.Handle(ctx, GetWarningStatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, first.Stats.Total, cached.Stats.Total)

	cm.InvalidateByType(ctx, cache.TypeWarningStats)
	fresh, err := h.Handle(ctx, GetWarningStatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, 5, fresh.Stats.Total)
}

func TestGetStudentWarnings(t *testing.T) {
	st := seeded(t)

	cases := []struct {
		name  string
		query GetStudentWarningsQuery
		ids   []string
	}{
		{
			name:  "newest first",
			query: GetStudentWarningsQuery{StudentID: "s1"},
			ids:   []string{"s1-low-1h0m0s", "s1-absent-2h0m0s", "s1-low-48h0m0s"},
		},
		{
			name:  "limit",
			query: GetStudentWarningsQuery{StudentID: "s1", Limit: 1},
			ids:   []string{"s1-low-1h0m0s"},
		},
		{
			name:  "active only",
			query: GetStudentWarningsQuery{StudentID: "s1", ActiveOnly: true},
			ids:   []string{"s1-low-1h0m0s", "s1-absent-2h0m0s"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewGetStudentWarningsHandler(st, st, newCache(t), nil)
			res, err := h.Handle(context.Background(), tc.query)
			require.NoError(t, err)

			ids := make([]string, 0, len(res.Warnings))
			for _, r := range res.Warnings {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tc.ids, ids)
			assert.Equal(t, len(tc.ids), res.Total)
		})
	}
}

func TestGetStudentWarnings_Errors(t *testing.T) {
	st := seeded(t)
	h := NewGetStudentWarningsHandler(st, st, nil, nil)
	ctx := context.Background()

	_, err := h.Handle(ctx, GetStudentWarningsQuery{})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(ctx, GetStudentWarningsQuery{StudentID: "s1", Limit: -1})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(ctx, GetStudentWarningsQuery{StudentID: "ghost"})
	assert.ErrorIs(t, err, shared.ErrStudentNotFound)

	st.FailOn("StudentInfo", errors.New("db down"))
	_, err = h.Handle(ctx, GetStudentWarningsQuery{StudentID: "s1"})
	assert.ErrorIs(t, err, shared.ErrExternalService)
}

func TestGetStudentWarningsQuery_ValidateClampsLimit(t *testing.T) {
	q := GetStudentWarningsQuery{StudentID: "s1", Limit: 10_000}
	require.NoError(t, q.Validate())
	assert.Equal(t, maxHistoryLimit, q.Limit)

	q = GetStudentWarningsQuery{StudentID: "s1"}
	require.NoError(t, q.Validate())
	assert.Equal(t, defaultHistoryLimit, q.Limit)
}
