package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
	"github.com/alem-hub/warning-engine/internal/infrastructure/persistence/memory"
)

var now = time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)

func triggered(ruleID, studentID string) warning.CalculationResult {
	return warning.CalculationResult{
		RuleID:    ruleID,
		EntityID:  studentID,
		Triggered: true,
		Severity:  warning.SeverityHigh,
		Score:     75,
		Message:   "low scores",
		Metadata:  warning.ResultMetadata{CalculatedAt: now, RuleVersion: "v1", Confidence: 0.9},
	}
}

func compiledRules(t *testing.T, defs ...warning.Rule) map[string]*warning.CompiledRule {
	t.Helper()
	out := make(map[string]*warning.CompiledRule, len(defs))
	for _, d := range defs {
		c, err := warning.Compile(d)
		require.NoError(t, err)
		out[d.ID] = c
	}
	return out
}

func TestPersist_WritesOnlyTriggered(t *testing.T) {
	store := memory.New()
	s := New(store, nil, Config{RetryDelay: 0}, nil)

	notTriggered := triggered("r1", "s3")
	notTriggered.Triggered = false

	n, err := s.Persist(context.Background(), []warning.CalculationResult{
		triggered("r1", "s1"), triggered("r1", "s2"), notTriggered,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records := store.Records()
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, warning.StatusActive, r.Status)
		assert.Equal(t, now, r.CreatedAt)
		assert.NotEmpty(t, r.ID)
		assert.Equal(t, "v1", r.Details["ruleVersion"])
		require.NotNil(t, r.ExpiredAt)
		assert.Equal(t, now.AddDate(0, 0, 30), *r.ExpiredAt)
	}
}

func TestPersist_ExpirationFromRule(t *testing.T) {
	seven := 7
	rules := compiledRules(t, warning.Rule{
		ID: "r1", Severity: warning.SeverityHigh, ConditionExpression: "true", ExpirationDays: &seven, IsActive: true,
	})

	store := memory.New()
	s := New(store, nil, Config{RetryDelay: 0}, nil)

	_, err := s.Persist(context.Background(), []warning.CalculationResult{triggered("r1", "s1")}, rules)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, 7), *store.Records()[0].ExpiredAt)
}

func TestPersist_KeepsResultExpiration(t *testing.T) {
	store := memory.New()
	s := New(store, nil, Config{RetryDelay: 0}, nil)

	res := triggered("r1", "s1")
	at := now.Add(time.Hour)
	res.ExpiredAt = &at

	_, err := s.Persist(context.Background(), []warning.CalculationResult{res}, nil)
	require.NoError(t, err)
	assert.Equal(t, at, *store.Records()[0].ExpiredAt)
}

func TestPersist_NothingTriggered(t *testing.T) {
	store := memory.New()
	store.FailOn("InsertRecords", errors.New("must not be called"))
	s := New(store, nil, Config{}, nil)

	n, err := s.Persist(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (f *flakyStore) InsertRecords(ctx context.Context, records []warning.Record) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return f.err
	}
	return f.Store.InsertRecords(ctx, records)
}

func TestPersist_RetriesTransientErrors(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failures: 2, err: shared.ErrServiceUnavailable}
	s := New(store, nil, Config{MaxAttempts: 3, RetryDelay: time.Millisecond}, nil)

	n, err := s.Persist(context.Background(), []warning.CalculationResult{triggered("r1", "s1")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, store.calls)
}

func TestPersist_GivesUp(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failures: 10, err: errors.New("connection reset")}
	s := New(store, nil, Config{MaxAttempts: 2, RetryDelay: time.Millisecond}, nil)

	_, err := s.Persist(context.Background(), []warning.CalculationResult{triggered("r1", "s1")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrExternalService)
	assert.Equal(t, 2, store.calls)
	assert.Empty(t, store.Records())
}

func TestPersist_ValidationNotRetried(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failures: 10, err: shared.ErrValidation}
	s := New(store, nil, Config{MaxAttempts: 5, RetryDelay: time.Millisecond}, nil)

	_, err := s.Persist(context.Background(), []warning.CalculationResult{triggered("r1", "s1")}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, store.calls)
}

func TestPersist_InvalidatesCache(t *testing.T) {
	cm, err := cache.NewManager(cache.Options{})
	require.NoError(t, err)
	ctx := context.Background()

	cm.Set(ctx, cache.TypeWarningStats, "global", 1)
	cm.Set(ctx, cache.TypeStudentHistory, "s1", 1)
	cm.Set(ctx, cache.TypeStudentHistory, "s2", 1)

	s := New(memory.New(), cm, Config{}, nil)
	_, err = s.Persist(ctx, []warning.CalculationResult{triggered("r1", "s1"), triggered("r2", "s1")}, nil)
	require.NoError(t, err)

	_, ok := cm.Get(ctx, cache.TypeWarningStats, "global")
	assert.False(t, ok)
	_, ok = cm.Get(ctx, cache.TypeStudentHistory, "s1")
	assert.False(t, ok)
	_, ok = cm.Get(ctx, cache.TypeStudentHistory, "s2")
	assert.True(t, ok, "untouched student keeps its history")
}
