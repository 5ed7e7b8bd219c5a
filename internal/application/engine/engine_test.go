package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/warning-engine/internal/application/aggregator"
	"github.com/alem-hub/warning-engine/internal/application/rules"
	"github.com/alem-hub/warning-engine/internal/application/sink"
	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
	"github.com/alem-hub/warning-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/warning-engine/pkg/timeutil"
)

var epoch = time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)

type notifications struct {
	mu     sync.Mutex
	events []shared.Event
}

func (n *notifications) Publish(e shared.Event) error {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
	return nil
}

func (n *notifications) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func (n *notifications) last() shared.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return nil
	}
	return n.events[len(n.events)-1]
}

type harness struct {
	store  *memory.Store
	clock  *timeutil.ManualClock
	cache  *cache.Manager
	notify *notifications
	reg    *prometheus.Registry
	engine *Engine
}

func newHarness(t *testing.T, cfg Config, ruleDefs ...warning.Rule) *harness {
	t.Helper()

	h := &harness{
		store:  memory.New(),
		clock:  timeutil.NewManualClock(epoch),
		notify: &notifications{},
		reg:    prometheus.NewRegistry(),
	}

	var err error
	h.cache, err = cache.NewManager(cache.Options{Clock: h.clock})
	require.NoError(t, err)

	for _, r := range ruleDefs {
		h.store.PutRule(r)
	}
	h.seed()

	h.engine, err = New(cfg, Dependencies{
		Rules:      rules.NewRepository(h.store, h.cache, nil),
		Features:   aggregator.New(h.store, h.cache, aggregator.Config{}, h.clock, nil),
		Entities:   h.store,
		Records:    h.store,
		Sink:       sink.New(h.store, h.cache, sink.Config{}, nil),
		Cache:      h.cache,
		Notifier:   h.notify,
		Clock:      h.clock,
		Registerer: h.reg,
	})
	require.NoError(t, err)
	return h
}

// seed creates class c1 with three students who did badly in exam e1 and one
// strong student who only sat exam e2.
func (h *harness) seed() {
	students := map[string][]float64{
		"s1": {40, 50},
		"s2": {30},
		"s3": {55, 45},
	}
	for id, scores := range students {
		h.store.AddStudent(warning.StudentInfo{ID: id, Name: "Student " + id, ClassID: "c1", ClassName: "10A"})
		for i, sc := range scores {
			examID := "e1"
			if i > 0 {
				examID = "e0"
			}
			h.store.AddScore(memory.Score{StudentID: id, ExamID: examID, Score: sc, ExamDate: epoch.AddDate(0, 0, -i-1)})
		}
	}

	h.store.AddStudent(warning.StudentInfo{ID: "s4", Name: "Student s4", ClassID: "c1", ClassName: "10A"})
	h.store.AddScore(memory.Score{StudentID: "s4", ExamID: "e2", Score: 90, ExamDate: epoch.AddDate(0, 0, -1)})
}

func lowScoreRule() warning.Rule {
	return warning.Rule{
		ID:                  "low-average",
		Name:                "Low average",
		Severity:            warning.SeverityHigh,
		Priority:            10,
		ConditionExpression: "avgScore < 60",
		MessageTemplate:     "{{studentName}} average is {{avgScore}}",
		SuggestedActions:    []string{"schedule tutoring"},
		TriggerEvents:       []string{string(warning.EventExamCompleted), string(warning.EventScheduledCheck)},
		CooldownHours:       ptr(24.0),
		IsActive:            true,
	}
}

func ptr[T any](v T) *T { return &v }

func examCompleted(examID string) warning.DataChangeEvent {
	return warning.NewDataChangeEvent(warning.EventExamCompleted, warning.EntityExam, examID, nil, epoch)
}

func TestProcessSync_ExamCompletedTriggersForEveryStudent(t *testing.T) {
	h := newHarness(t, Config{}, lowScoreRule())

	out, err := h.engine.ProcessSync(context.Background(), examCompleted("e1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"s1", "s2", "s3"}, out.AffectedEntityIDs)
	assert.Equal(t, 3, out.Triggered)
	assert.Equal(t, 3, out.Persisted)
	assert.Zero(t, out.FailedRules)

	for _, res := range out.Results {
		assert.True(t, res.Triggered)
		assert.Equal(t, 75.0, res.Score, "high severity default")
		assert.Equal(t, []string{"schedule tutoring"}, res.SuggestedActions)
		require.NotNil(t, res.ExpiredAt)
		assert.Equal(t, epoch.AddDate(0, 0, 30), *res.ExpiredAt)
	}
	assert.Equal(t, "Student s1 average is 45", out.Results[0].Message)

	records := h.store.Records()
	assert.Len(t, records, 3)

	ev, ok := h.notify.last().(shared.WarningsUpdatedEvent)
	require.True(t, ok)
	assert.Equal(t, 3, ev.NewWarningsCount)
	assert.Equal(t, []string{"s1", "s2", "s3"}, ev.AffectedEntityIDs)

	assert.Equal(t, 3.0, testutil.ToFloat64(h.engine.metrics.triggered.WithLabelValues("high")))
}

func TestProcessSync_CooldownSuppressesResubmission(t *testing.T) {
	h := newHarness(t, Config{}, lowScoreRule())
	ctx := context.Background()

	_, err := h.engine.ProcessSync(ctx, examCompleted("e1"))
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	out, err := h.engine.ProcessSync(ctx, examCompleted("e1"))
	require.NoError(t, err)

	assert.Zero(t, out.Triggered)
	for _, res := range out.Results {
		assert.Equal(t, warning.ReasonCooldown, res.Reason)
	}
	assert.Len(t, h.store.Records(), 3)
}

func TestProcessSync_CooldownBoundaryIsStrict(t *testing.T) {
	h := newHarness(t, Config{}, lowScoreRule())
	ctx := context.Background()
	event := func() warning.DataChangeEvent {
		return warning.NewDataChangeEvent(warning.EventExamCompleted, warning.EntityStudent, "s1", nil, h.clock.Now())
	}

	_, err := h.engine.ProcessSync(ctx, event())
	require.NoError(t, err)

	h.clock.Set(epoch.Add(24*time.Hour - time.Second))
	out, err := h.engine.ProcessSync(ctx, event())
	require.NoError(t, err)
	assert.Zero(t, out.Triggered, "one second inside the window")

	h.clock.Set(epoch.Add(24 * time.Hour))
	out, err = h.engine.ProcessSync(ctx, event())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Triggered, "a record exactly one cooldown old no longer blocks")
}

func TestProcessSync_ZeroCooldownDisablesCheck(t *testing.T) {
	rule := lowScoreRule()
	rule.CooldownHours = ptr(0.0)
	h := newHarness(t, Config{DefaultCooldownHours: 48}, rule)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out, err := h.engine.ProcessSync(ctx, examCompleted("e1"))
		require.NoError(t, err)
		assert.Equal(t, 3, out.Triggered)
	}
}

func TestProcessSync_DefaultCooldownAppliesWhenUnset(t *testing.T) {
	rule := lowScoreRule()
	rule.CooldownHours = nil
	h := newHarness(t, Config{DefaultCooldownHours: 2}, rule)
	ctx := context.Background()

	_, err := h.engine.ProcessSync(ctx, examCompleted("e1"))
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	out, err := h.engine.ProcessSync(ctx, examCompleted("e1"))
	require.NoError(t, err)
	assert.Zero(t, out.Triggered)

	h.clock.Advance(time.Hour)
	out, err = h.engine.ProcessSync(ctx, examCompleted("e1"))
	require.NoError(t, err)
	assert.Equal(t, 3, out.Triggered)
}

func TestProcessSync_ScoreExpressionAndConfidence(t *testing.T) {
	rule := lowScoreRule()
	rule.ScoreExpression = "100 - avgScore"
	h := newHarness(t, Config{}, rule)
	for i := 0; i < 5; i++ {
		h.store.AddScore(memory.Score{StudentID: "s2", ExamID: "extra", Score: 30, ExamDate: epoch.AddDate(0, -1, -i)})
	}

	out, err := h.engine.ProcessSync(context.Background(), examCompleted("e1"))
	require.NoError(t, err)
	require.Len(t, out.Results, 3)

	byStudent := map[string]warning.CalculationResult{}
	for _, r := range out.Results {
		byStudent[r.EntityID] = r
	}
	assert.InDelta(t, 55.0, byStudent["s1"].Score, 1e-9)
	assert.InDelta(t, 70.0, byStudent["s2"].Score, 1e-9)

	assert.Equal(t, 0.85, byStudent["s1"].Metadata.Confidence, "2 samples, fast aggregation")
	assert.Equal(t, 0.95, byStudent["s2"].Metadata.Confidence, "6 samples, fast aggregation")
	assert.NotEmpty(t, byStudent["s1"].Metadata.RuleVersion)
}

func TestProcessSync_ConditionNotMet(t *testing.T) {
	h := newHarness(t, Config{}, lowScoreRule())

	out, err := h.engine.ProcessSync(context.Background(), examCompleted("e2"))
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.False(t, out.Results[0].Triggered)
	assert.Equal(t, warning.ReasonConditionNotMet, out.Results[0].Reason)
	assert.Empty(t, h.store.Records())
}

func TestProcessSync_NotifiesOnlyWhenSomethingChanged(t *testing.T) {
	tests := []struct {
		name    string
		event   func() warning.DataChangeEvent
		repeat  int
		wantPub int
	}{
		{name: "warnings persisted", event: func() warning.DataChangeEvent { return examCompleted("e1") }, repeat: 1, wantPub: 1},
		{name: "condition not met", event: func() warning.DataChangeEvent { return examCompleted("e2") }, repeat: 1, wantPub: 0},
		{name: "no affected students", event: func() warning.DataChangeEvent { return examCompleted("unknown") }, repeat: 1, wantPub: 0},
		{name: "cooldown suppresses repeat", event: func() warning.DataChangeEvent { return examCompleted("e1") }, repeat: 2, wantPub: 1},
		{
			name: "failed rule is reported",
			event: func() warning.DataChangeEvent {
				return warning.NewDataChangeEvent(warning.EventScheduledCheck, warning.EntityStudent, "ghost", nil, epoch)
			},
			repeat:  1,
			wantPub: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, lowScoreRule())
			for i := 0; i < tt.repeat; i++ {
				_, err := h.engine.ProcessSync(context.Background(), tt.event())
				require.NoError(t, err)
				h.clock.Advance(time.Minute)
			}
			assert.Equal(t, tt.wantPub, h.notify.count())
		})
	}
}

func TestProcessSync_AggregationFailureIsCounted(t *testing.T) {
	h := newHarness(t, Config{}, lowScoreRule())

	ev := warning.NewDataChangeEvent(warning.EventScheduledCheck, warning.EntityStudent, "ghost", nil, epoch)
	out, err := h.engine.ProcessSync(context.Background(), ev)
	require.NoError(t, err)

	require.Len(t, out.Results, 1)
	assert.Equal(t, warning.ReasonAggregationFailed, out.Results[0].Reason)
	assert.Equal(t, 1, out.FailedRules)

	updated := h.notify.last().(shared.WarningsUpdatedEvent)
	assert.Equal(t, 1, updated.FailedRules)

	tracked, ok := h.engine.EventStatus(ev.ID)
	require.True(t, ok)
	assert.Equal(t, warning.StateCompleted, tracked.State)
}

func TestProcessSync_EventDataInContext(t *testing.T) {
	rule := warning.Rule{
		ID:                  "sharp-drop",
		Severity:            warning.SeverityCritical,
		ConditionExpression: "eventData.exam.score < 40 && eventType == 'GRADE_IMPORTED'",
		MessageTemplate:     "scored {{eventData.exam.score}} in {{eventData.exam.subject}} ({{missing}})",
		IsActive:            true,
	}
	h := newHarness(t, Config{}, rule)

	ev := warning.NewDataChangeEvent(warning.EventGradeImported, warning.EntityStudent, "s4",
		map[string]any{"exam": map[string]any{"score": 35, "subject": "math"}}, epoch)

	out, err := h.engine.ProcessSync(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, 1, out.Triggered)
	assert.Equal(t, 90.0, out.Results[0].Score)
	assert.Equal(t, "scored 35 in math ({{missing}})", out.Results[0].Message)
}

func TestProcessSync_TriggerFilter(t *testing.T) {
	h := newHarness(t, Config{}, lowScoreRule())

	ev := warning.NewDataChangeEvent(warning.EventHomeworkSubmitted, warning.EntityStudent, "s1", nil, epoch)
	out, err := h.engine.ProcessSync(context.Background(), ev)
	require.NoError(t, err)
	assert.Empty(t, out.Results)
}

func TestProcessSync_ClassEventCoversAllStudents(t *testing.T) {
	h := newHarness(t, Config{Workers: 2}, lowScoreRule())

	ev := warning.NewDataChangeEvent(warning.EventScheduledCheck, warning.EntityClass, "c1", nil, epoch)
	out, err := h.engine.ProcessSync(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, out.AffectedEntityIDs)
	assert.Equal(t, 3, out.Triggered)
}

func TestProcessSync_PersistFailureMarksEventFailed(t *testing.T) {
	h := newHarness(t, Config{}, lowScoreRule())
	h.store.FailOn("InsertRecords", shared.ErrValidation)

	ev := examCompleted("e1")
	_, err := h.engine.ProcessSync(context.Background(), ev)
	require.Error(t, err)

	tracked, ok := h.engine.EventStatus(ev.ID)
	require.True(t, ok)
	assert.Equal(t, warning.StateFailed, tracked.State)
	assert.NotEmpty(t, tracked.Error)

	_, isFailure := h.notify.last().(shared.ProcessingFailedEvent)
	assert.True(t, isFailure)
	assert.Equal(t, int64(1), h.engine.Status().Failed)
}

func TestProcessSync_InvalidatesCaches(t *testing.T) {
	h := newHarness(t, Config{}, lowScoreRule())
	ctx := context.Background()

	h.cache.Set(ctx, cache.TypeWarningStats, "global", 1)
	h.cache.Set(ctx, cache.TypeStudentHistory, "s1", 1)
	h.cache.Set(ctx, cache.TypeStudentHistory, "s4", 1)

	_, err := h.engine.ProcessSync(ctx, examCompleted("e1"))
	require.NoError(t, err)

	_, ok := h.cache.Get(ctx, cache.TypeWarningStats, "global")
	assert.False(t, ok)
	_, ok = h.cache.Get(ctx, cache.TypeStudentHistory, "s1")
	assert.False(t, ok)
	_, ok = h.cache.Get(ctx, cache.TypeStudentHistory, "s4")
	assert.True(t, ok)
	_, ok = h.cache.Get(ctx, cache.TypeStudentFeatures, "s1")
	assert.False(t, ok)
}

func TestProcessSync_RejectsInvalidEvent(t *testing.T) {
	h := newHarness(t, Config{}, lowScoreRule())
	_, err := h.engine.ProcessSync(context.Background(), warning.DataChangeEvent{Type: "NOPE"})
	assert.True(t, shared.IsValidation(err))
}

// ══════════════════════════════════════════════════════════════════════════════
// QUEUE
// ══════════════════════════════════════════════════════════════════════════════

func TestQueue_StartProcessesAndStopDrains(t *testing.T) {
	h := newHarness(t, Config{}, lowScoreRule())
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	ids := make([]string, 0, 3)
	for _, exam := range []string{"e1", "e2", "e0"} {
		ev := examCompleted(exam)
		ids = append(ids, ev.ID)
		require.NoError(t, h.engine.ProcessDataChangeEvent(ctx, ev))
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Stop(stopCtx))

	status := h.engine.Status()
	assert.Equal(t, int64(3), status.Processed)
	assert.Zero(t, status.QueueLength)
	assert.False(t, status.IsRunning)
	assert.False(t, status.IsProcessing)
	assert.Equal(t, int64(3), status.TriggeredTotal)
	require.NotNil(t, status.LastProcessedAt)

	for _, id := range ids {
		tracked, ok := h.engine.EventStatus(id)
		require.True(t, ok)
		assert.Equal(t, warning.StateCompleted, tracked.State)
	}

	recent := h.engine.RecentEvents()
	require.Len(t, recent, 3)
	assert.Equal(t, ids[2], recent[0].ID, "newest first")

	assert.ErrorIs(t, h.engine.ProcessDataChangeEvent(ctx, examCompleted("e1")), ErrEngineStopped)
	assert.ErrorIs(t, h.engine.Start(ctx), ErrEngineStopped)
}

func TestQueue_FullBlocksUntilContextEnds(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 1}, lowScoreRule())

	require.NoError(t, h.engine.ProcessDataChangeEvent(context.Background(), examCompleted("e1")))
	assert.Equal(t, 1, h.engine.Status().QueueLength)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.engine.ProcessDataChangeEvent(ctx, examCompleted("e1"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_StopUnblocksWaitingSubmitter(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 1}, lowScoreRule())
	require.NoError(t, h.engine.ProcessDataChangeEvent(context.Background(), examCompleted("e1")))

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.engine.ProcessDataChangeEvent(context.Background(), examCompleted("e1"))
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.engine.Stop(context.Background()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrEngineStopped)
	case <-time.After(time.Second):
		t.Fatal("submitter still blocked after Stop")
	}
}

func TestProcessBatchEvents(t *testing.T) {
	h := newHarness(t, Config{}, lowScoreRule())

	n, err := h.engine.ProcessBatchEvents(context.Background(), []warning.DataChangeEvent{
		examCompleted("e1"),
		{Type: warning.EventExamCompleted, EntityType: "planet", EntityID: "x"},
		examCompleted("e2"),
	})
	assert.Equal(t, 2, n)
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))
	assert.Equal(t, 2, h.engine.Status().QueueLength)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Dependencies{})
	assert.Error(t, err)
}

// ══════════════════════════════════════════════════════════════════════════════
// FAILING RULE SOURCE
// ══════════════════════════════════════════════════════════════════════════════

type brokenRules struct{}

func (brokenRules) ForEvent(context.Context, warning.EventType) ([]*warning.CompiledRule, error) {
	return nil, errors.New("rule store offline")
}

func TestProcessSync_RuleLoadFailure(t *testing.T) {
	h := newHarness(t, Config{}, lowScoreRule())
	h.engine.deps.Rules = brokenRules{}

	_, err := h.engine.ProcessSync(context.Background(), examCompleted("e1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrExternalService)
}
