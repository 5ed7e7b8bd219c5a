package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/warning-engine/internal/application/aggregator"
	"github.com/alem-hub/warning-engine/internal/domain/analytics"
	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
	"github.com/alem-hub/warning-engine/pkg/logger"
	"github.com/alem-hub/warning-engine/pkg/timeutil"
)

// Confidence heuristic.
const (
	baseConfidence      = 0.8
	sampleBonus         = 0.1
	latencyBonus        = 0.05
	sampleBonusMinCount = 5
)

// Outcome summarises the processing of one event.
type Outcome struct {
	EventID           string                      `json:"eventId"`
	AffectedEntityIDs []string                    `json:"affectedEntityIds"`
	Results           []warning.CalculationResult `json:"results"`
	Triggered         int                         `json:"triggered"`
	Persisted         int                         `json:"persisted"`
	FailedRules       int                         `json:"failedRules"`
	Duration          time.Duration               `json:"duration"`
}

// ProcessSync runs the full pipeline for one event on the caller's goroutine,
// bypassing the queue. The queue worker uses it for every dequeued event.
func (e *Engine) ProcessSync(ctx context.Context, event warning.DataChangeEvent) (*Outcome, error) {
	event = event.WithDefaults(e.deps.Clock.Now())
	if err := event.Validate(); err != nil {
		return nil, err
	}

	e.tracker.ensure(event)
	start := e.deps.Clock.Now()
	e.tracker.start(event.ID, start)

	outcome, err := e.process(ctx, event)

	end := e.deps.Clock.Now()
	e.metrics.duration.Observe(end.Sub(start).Seconds())

	if err != nil {
		e.tracker.finish(event.ID, warning.StateFailed, err.Error(), end)
		e.metrics.events.WithLabelValues(string(event.Type), string(warning.StateFailed)).Inc()
		e.publish(shared.NewProcessingFailedEvent(event.ID, err.Error(), end))
		return outcome, err
	}

	outcome.Duration = end.Sub(start)
	e.tracker.complete(event.ID, outcome, end)
	e.metrics.events.WithLabelValues(string(event.Type), string(warning.StateCompleted)).Inc()
	// Nothing new and nothing failed: downstream consumers have nothing to show.
	if outcome.Persisted > 0 || outcome.FailedRules > 0 {
		e.publish(shared.NewWarningsUpdatedEvent(event.ID, outcome.Persisted,
			outcome.AffectedEntityIDs, outcome.FailedRules, end))
	}
	return outcome, nil
}

func (e *Engine) process(ctx context.Context, event warning.DataChangeEvent) (*Outcome, error) {
	outcome := &Outcome{EventID: event.ID}

	affected, err := e.resolveAffected(ctx, event)
	if err != nil {
		return outcome, shared.WrapError("engine", "ResolveAffected", shared.ErrExternalService,
			fmt.Sprintf("%s %s", event.EntityType, event.EntityID), err)
	}
	outcome.AffectedEntityIDs = affected
	if len(affected) == 0 {
		return outcome, nil
	}

	rules, err := e.deps.Rules.ForEvent(ctx, event.Type)
	if err != nil {
		return outcome, shared.WrapError("engine", "LoadRules", shared.ErrExternalService,
			string(event.Type), err)
	}
	if len(rules) == 0 {
		return outcome, nil
	}

	// Features cached before this change landed are stale.
	e.deps.Features.Invalidate(ctx, affected...)

	outcome.Results = e.evaluateAll(ctx, event, affected, rules)

	triggered := make([]warning.CalculationResult, 0)
	for _, res := range outcome.Results {
		switch {
		case res.Triggered:
			triggered = append(triggered, res)
			e.metrics.triggered.WithLabelValues(string(res.Severity)).Inc()
		case res.Reason.Failed():
			outcome.FailedRules++
		}
	}
	outcome.Triggered = len(triggered)

	if len(triggered) > 0 {
		byID := make(map[string]*warning.CompiledRule, len(rules))
		for _, r := range rules {
			byID[r.ID] = r
		}
		n, err := e.deps.Sink.Persist(ctx, triggered, byID)
		if err != nil {
			return outcome, err
		}
		outcome.Persisted = n
	}

	e.invalidate(ctx, affected)
	return outcome, nil
}

// resolveAffected maps the event's entity to the students it concerns.
func (e *Engine) resolveAffected(ctx context.Context, event warning.DataChangeEvent) ([]string, error) {
	var (
		ids []string
		err error
	)

	switch event.EntityType {
	case warning.EntityStudent:
		ids = []string{event.EntityID}
	case warning.EntityExam:
		ids, err = e.deps.Entities.StudentsByExam(ctx, event.EntityID)
	case warning.EntityClass:
		ids, err = e.deps.Entities.StudentsByClass(ctx, event.EntityID)
	case warning.EntityHomework:
		ids, err = e.deps.Entities.StudentsByHomework(ctx, event.EntityID)
	default:
		return nil, shared.NewDomainError("engine", "ResolveAffected", shared.ErrInvalidInput,
			fmt.Sprintf("unknown entity type %q", event.EntityType))
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

type pair struct {
	index     int
	studentID string
	rule      *warning.CompiledRule
}

// evaluateAll evaluates every (student, rule) pair on a bounded pool.
// Results keep pair order: students in resolution order, rules by priority.
func (e *Engine) evaluateAll(ctx context.Context, event warning.DataChangeEvent, students []string, rules []*warning.CompiledRule) []warning.CalculationResult {
	pairs := make([]pair, 0, len(students)*len(rules))
	for _, studentID := range students {
		for _, rule := range rules {
			pairs = append(pairs, pair{index: len(pairs), studentID: studentID, rule: rule})
		}
	}

	results := make([]warning.CalculationResult, len(pairs))
	var features singleflight.Group

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for _, p := range pairs {
		g.Go(func() error {
			results[p.index] = e.evaluatePair(ctx, event, p, &features)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (e *Engine) evaluatePair(ctx context.Context, event warning.DataChangeEvent, p pair, features *singleflight.Group) warning.CalculationResult {
	start := e.deps.Clock.Now()
	rule := p.rule
	log := e.logger.With(logger.EventID(event.ID), logger.StudentID(p.studentID), logger.RuleID(rule.ID))

	if cooldown := rule.Cooldown(e.cfg.DefaultCooldownHours); cooldown > 0 {
		last, found, err := e.deps.Records.LatestRecordAt(ctx, p.studentID, rule.ID)
		if err != nil {
			log.Warn("cooldown check failed", logger.Err(err))
			return e.skip(rule, p.studentID, warning.ReasonCooldownUnknown, start)
		}
		// A record exactly one cooldown old no longer blocks.
		if found && last.After(start.Add(-cooldown)) {
			return e.skip(rule, p.studentID, warning.ReasonCooldown, start)
		}
	}

	v, err, _ := features.Do(p.studentID, func() (any, error) {
		return e.deps.Features.Collect(ctx, p.studentID, event.Type)
	})
	if err != nil {
		log.Warn("aggregation failed", logger.Err(err))
		return e.skip(rule, p.studentID, warning.ReasonAggregationFailed, start)
	}
	col := v.(*aggregator.Collection)

	evalCtx := buildContext(col.Features, event, start)
	if !e.deps.Evaluator.Condition(rule.Condition, evalCtx) {
		return e.skip(rule, p.studentID, warning.ReasonConditionNotMet, start)
	}

	score := rule.Severity.DefaultScore()
	if rule.Score != nil {
		score = e.deps.Evaluator.Score(rule.Score, evalCtx)
	}

	expiredAt := start.Add(rule.Expiration(e.cfg.DefaultExpirationDays))
	details := map[string]any{
		"eventId":   event.ID,
		"eventType": string(event.Type),
		"features":  col.Features,
	}
	if len(col.Degraded) > 0 {
		details["degraded"] = col.Degraded
	}

	e.metrics.evaluations.WithLabelValues("triggered").Inc()
	return warning.CalculationResult{
		RuleID:           rule.ID,
		EntityID:         p.studentID,
		Triggered:        true,
		Severity:         rule.Severity,
		Score:            score,
		Message:          renderMessage(rule.MessageTemplate, evalCtx),
		Details:          details,
		SuggestedActions: rule.SuggestedActions,
		ExpiredAt:        &expiredAt,
		Metadata: warning.ResultMetadata{
			CalculatedAt:     start,
			ProcessingTimeMs: timeutil.MillisSince(e.deps.Clock, start),
			RuleVersion:      rule.Version(),
			Confidence:       e.confidence(col),
		},
	}
}

func (e *Engine) skip(rule *warning.CompiledRule, studentID string, reason warning.Reason, at time.Time) warning.CalculationResult {
	e.metrics.evaluations.WithLabelValues(string(reason)).Inc()
	return warning.Skipped(rule, studentID, reason, at)
}

func (e *Engine) confidence(col *aggregator.Collection) float64 {
	c := baseConfidence
	if col.SampleCount >= sampleBonusMinCount {
		c += sampleBonus
	}
	if col.Duration < e.cfg.LatencyThreshold {
		c += latencyBonus
	}
	if c > 1 {
		c = 1
	}
	return analytics.Round(c, 2)
}

// invalidate drops cache entries the event may have made stale.
func (e *Engine) invalidate(ctx context.Context, students []string) {
	if e.deps.Cache == nil {
		return
	}
	e.deps.Cache.InvalidateByType(ctx, cache.TypeWarningStats)
	e.deps.Cache.InvalidateKeys(ctx, cache.TypeStudentHistory, students...)
	e.deps.Cache.InvalidateKeys(ctx, cache.TypeStudentFeatures, students...)
}

func (e *Engine) publish(event shared.Event) {
	if e.deps.Notifier == nil {
		return
	}
	if err := e.deps.Notifier.Publish(event); err != nil {
		e.logger.Error("notification publish failed",
			slog.String("notification", string(event.EventType())),
			logger.Err(err),
		)
	}
}
