// Package engine is the real-time warning engine. It queues data change
// events, resolves the students they affect, evaluates the applicable rules
// for every (student, rule) pair and hands triggered results to the sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alem-hub/warning-engine/internal/application/aggregator"
	"github.com/alem-hub/warning-engine/internal/domain/expression"
	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
	"github.com/alem-hub/warning-engine/pkg/logger"
	"github.com/alem-hub/warning-engine/pkg/timeutil"
)

var (
	// ErrQueueFull is returned when the caller's context ends while waiting
	// for queue space.
	ErrQueueFull = errors.New("engine queue is full")

	// ErrEngineStopped is returned for submissions after Stop.
	ErrEngineStopped = errors.New("engine is stopped")
)

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// RuleSource yields the compiled rules applicable to an event type.
type RuleSource interface {
	ForEvent(ctx context.Context, t warning.EventType) ([]*warning.CompiledRule, error)
}

// FeatureSource builds per-student feature contexts.
type FeatureSource interface {
	Collect(ctx context.Context, studentID string, eventType warning.EventType) (*aggregator.Collection, error)
	Invalidate(ctx context.Context, studentIDs ...string)
}

// ResultSink persists triggered results.
type ResultSink interface {
	Persist(ctx context.Context, results []warning.CalculationResult, rules map[string]*warning.CompiledRule) (int, error)
}

// Dependencies are the collaborators of an Engine. Rules, Features,
// Entities, Records and Sink are required.
type Dependencies struct {
	Rules    RuleSource
	Features FeatureSource
	Entities warning.EntityStore
	Records  warning.RecordStore
	Sink     ResultSink

	Cache      *cache.Manager
	Notifier   shared.EventPublisher
	Evaluator  *expression.Evaluator
	Clock      timeutil.Clock
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Config tunes the engine.
type Config struct {
	QueueSize int
	Workers   int

	// DefaultCooldownHours applies to rules without CooldownHours. Zero
	// disables the cooldown for them.
	DefaultCooldownHours float64

	DefaultExpirationDays int

	// LatencyThreshold is the aggregation time under which a result earns
	// the fast-aggregation confidence bonus.
	LatencyThreshold time.Duration

	// HistorySize bounds the per-event tracking kept for status queries.
	HistorySize int
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:             1000,
		Workers:               4,
		DefaultExpirationDays: warning.DefaultExpirationDays,
		LatencyThreshold:      time.Second,
		HistorySize:           100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.DefaultCooldownHours < 0 {
		c.DefaultCooldownHours = 0
	}
	if c.DefaultExpirationDays <= 0 {
		c.DefaultExpirationDays = def.DefaultExpirationDays
	}
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = def.LatencyThreshold
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	return c
}

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// Engine processes data change events one at a time on a dedicated goroutine.
type Engine struct {
	cfg  Config
	deps Dependencies

	logger  *slog.Logger
	metrics *metrics

	queue chan warning.DataChangeEvent
	quit  chan struct{}
	drain chan struct{}
	done  chan struct{}

	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopOnce sync.Once
	cancel   context.CancelFunc

	tracker *tracker
}

// New creates an Engine. Call Start to begin draining the queue.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Rules == nil || deps.Features == nil || deps.Entities == nil || deps.Records == nil || deps.Sink == nil {
		return nil, errors.New("engine: rules, features, entities, records and sink are required")
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if deps.Evaluator == nil {
		deps.Evaluator = expression.NewEvaluator(deps.Logger)
	}

	m, err := newMetrics(deps.Registerer)
	if err != nil {
		return nil, fmt.Errorf("engine metrics: %w", err)
	}

	cfg = cfg.withDefaults()
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With(logger.Component("engine")),
		metrics: m,
		queue:   make(chan warning.DataChangeEvent, cfg.QueueSize),
		quit:    make(chan struct{}),
		drain:   make(chan struct{}),
		done:    make(chan struct{}),
		tracker: newTracker(cfg.HistorySize),
	}, nil
}

// Start launches the queue worker. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}
	if e.started {
		return nil
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	go e.run(runCtx)

	e.logger.Info("warning engine started",
		logger.Count("queue_size", e.cfg.QueueSize),
		logger.Count("workers", e.cfg.Workers),
	)
	return nil
}

// Stop rejects new submissions, finishes the event in flight and the events
// already queued, then returns. If ctx ends first, processing is cancelled
// and ctx's error returned.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		close(e.quit)

		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()

		close(e.drain)
	})

	e.mu.RLock()
	started, cancel := e.started, e.cancel
	e.mu.RUnlock()
	if !started {
		return nil
	}

	select {
	case <-e.done:
		e.logger.Info("warning engine stopped")
		return nil
	case <-ctx.Done():
		cancel()
		<-e.done
		return ctx.Err()
	}
}

// ProcessDataChangeEvent validates the event and enqueues it. It blocks while
// the queue is full until space frees up or ctx ends.
func (e *Engine) ProcessDataChangeEvent(ctx context.Context, event warning.DataChangeEvent) error {
	event = event.WithDefaults(e.deps.Clock.Now())
	if err := event.Validate(); err != nil {
		return err
	}
	e.tracker.received(event)
	return e.submit(ctx, event)
}

// ProcessBatchEvents enqueues events in order and returns how many were
// accepted. Invalid events are skipped; queueing stops at the first
// backpressure or shutdown error, which is returned.
func (e *Engine) ProcessBatchEvents(ctx context.Context, events []warning.DataChangeEvent) (int, error) {
	accepted := 0
	var invalid []error

	for _, event := range events {
		err := e.ProcessDataChangeEvent(ctx, event)
		switch {
		case err == nil:
			accepted++
		case shared.IsValidation(err):
			invalid = append(invalid, err)
		default:
			return accepted, err
		}
	}

	if len(invalid) > 0 {
		e.logger.Warn("batch contained invalid events", logger.Count("invalid", len(invalid)))
		return accepted, errors.Join(invalid...)
	}
	return accepted, nil
}

func (e *Engine) submit(ctx context.Context, event warning.DataChangeEvent) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.stopped {
		e.tracker.finish(event.ID, warning.StateFailed, ErrEngineStopped.Error(), e.deps.Clock.Now())
		return ErrEngineStopped
	}

	select {
	case e.queue <- event:
		e.tracker.transition(event.ID, warning.StateQueued)
		e.metrics.queueDepth.Set(float64(len(e.queue)))
		return nil
	case <-e.quit:
		e.tracker.finish(event.ID, warning.StateFailed, ErrEngineStopped.Error(), e.deps.Clock.Now())
		return ErrEngineStopped
	case <-ctx.Done():
		e.tracker.finish(event.ID, warning.StateFailed, ErrQueueFull.Error(), e.deps.Clock.Now())
		return fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case event := <-e.queue:
			e.handle(ctx, event)
		case <-e.drain:
			for {
				select {
				case event := <-e.queue:
					e.handle(ctx, event)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handle(ctx context.Context, event warning.DataChangeEvent) {
	e.metrics.queueDepth.Set(float64(len(e.queue)))

	outcome, err := e.ProcessSync(ctx, event)
	if err != nil {
		e.logger.Error("event processing failed",
			logger.EventID(event.ID),
			logger.EventType(string(event.Type)),
			logger.Err(err),
		)
		return
	}

	e.logger.Info("event processed",
		logger.EventID(event.ID),
		logger.EventType(string(event.Type)),
		logger.Count("affected", len(outcome.AffectedEntityIDs)),
		logger.Count("triggered", outcome.Triggered),
		logger.Count("failed_rules", outcome.FailedRules),
		logger.Latency(outcome.Duration),
	)
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// Status is a point-in-time view of the engine.
type Status struct {
	IsRunning       bool       `json:"isRunning"`
	IsProcessing    bool       `json:"isProcessing"`
	QueueLength     int        `json:"queueLength"`
	QueueCapacity   int        `json:"queueCapacity"`
	CurrentEventID  string     `json:"currentEventId,omitempty"`
	LastProcessedAt *time.Time `json:"lastProcessedAt,omitempty"`
	Processed       int64      `json:"processed"`
	Failed          int64      `json:"failed"`
	TriggeredTotal  int64      `json:"triggeredTotal"`
}

// Status reports queue and counter state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	running := e.started && !e.stopped
	e.mu.RUnlock()

	s := e.tracker.status()
	s.IsRunning = running
	s.QueueLength = len(e.queue)
	s.QueueCapacity = cap(e.queue)
	return s
}

// IsRunning reports whether the engine accepts events.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started && !e.stopped
}

// EventStatus returns the tracked state of a recent event.
func (e *Engine) EventStatus(id string) (TrackedEvent, bool) {
	return e.tracker.get(id)
}

// RecentEvents returns the tracked recent events, newest first.
func (e *Engine) RecentEvents() []TrackedEvent {
	return e.tracker.recent()
}
