// Package jobs contains the scheduled jobs of the warning engine.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/pkg/logger"
	"github.com/alem-hub/warning-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULED CHECK JOB
// ══════════════════════════════════════════════════════════════════════════════

// ClassLister lists the classes a sweep covers.
type ClassLister interface {
	ClassIDs(ctx context.Context) ([]string, error)
}

// EventSubmitter accepts data change events for asynchronous processing.
type EventSubmitter interface {
	ProcessDataChangeEvent(ctx context.Context, event warning.DataChangeEvent) error
}

// ScheduledCheckJob submits one SCHEDULED_CHECK event per class so rules
// that depend on elapsed time (attendance streaks, missing homework) fire
// even when no data changes.
type ScheduledCheckJob struct {
	classes ClassLister
	engine  EventSubmitter
	clock   timeutil.Clock
	logger  *slog.Logger
	config  ScheduledCheckConfig

	lastRunStats atomic.Pointer[ScheduledCheckStats]
}

// ScheduledCheckConfig contains configuration for the sweep.
type ScheduledCheckConfig struct {
	// Timeout bounds the whole sweep, including time spent blocked on a
	// full engine queue.
	Timeout time.Duration
}

// DefaultScheduledCheckConfig returns sensible defaults.
func DefaultScheduledCheckConfig() ScheduledCheckConfig {
	return ScheduledCheckConfig{Timeout: 5 * time.Minute}
}

// ScheduledCheckStats contains statistics from one sweep.
type ScheduledCheckStats struct {
	SweepID     string        `json:"sweepId"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
	Classes     int           `json:"classes"`
	Submitted   int           `json:"submitted"`
	Failed      int           `json:"failed"`
	Interrupted bool          `json:"interrupted"`
}

// NewScheduledCheckJob creates a new sweep job.
func NewScheduledCheckJob(classes ClassLister, engine EventSubmitter, clock timeutil.Clock, log *slog.Logger, config ScheduledCheckConfig) *ScheduledCheckJob {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &ScheduledCheckJob{
		classes: classes,
		engine:  engine,
		clock:   clock,
		logger:  log.With(logger.Component("job"), logger.Operation("scheduled_check")),
		config:  config,
	}
}

// Name returns the job name.
func (j *ScheduledCheckJob) Name() string {
	return "scheduled_check"
}

// Description returns a human-readable description.
func (j *ScheduledCheckJob) Description() string {
	return "Submits a SCHEDULED_CHECK event for every active class"
}

// Run submits the sweep. A cancelled or expired context stops the sweep
// early; classes already submitted are still processed by the engine.
func (j *ScheduledCheckJob) Run(ctx context.Context) error {
	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	now := j.clock.Now()
	stats := &ScheduledCheckStats{SweepID: uuid.NewString(), StartedAt: now}
	defer func() {
		stats.Duration = j.clock.Now().Sub(now)
		j.lastRunStats.Store(stats)
	}()

	classIDs, err := j.classes.ClassIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list classes: %w", err)
	}
	stats.Classes = len(classIDs)

	var errs []error
	for _, classID := range classIDs {
		event := warning.NewDataChangeEvent(warning.EventScheduledCheck, warning.EntityClass, classID,
			map[string]any{"sweepId": stats.SweepID, "trigger": "cron"}, now)

		if err := j.engine.ProcessDataChangeEvent(ctx, event); err != nil {
			stats.Failed++
			errs = append(errs, fmt.Errorf("class %s: %w", classID, err))
			if ctx.Err() != nil {
				stats.Interrupted = true
				break
			}
			continue
		}
		stats.Submitted++
	}

	j.logger.Info("sweep submitted",
		slog.String("sweep_id", stats.SweepID),
		logger.Count("classes", stats.Classes),
		logger.Count("submitted", stats.Submitted),
		logger.Count("failed", stats.Failed),
	)

	if len(errs) > 0 {
		return fmt.Errorf("%d of %d classes not submitted: %w", stats.Failed, stats.Classes, errors.Join(errs...))
	}
	return nil
}

// LastRunStats returns the stats of the latest sweep, or nil before the
// first run.
func (j *ScheduledCheckJob) LastRunStats() *ScheduledCheckStats {
	return j.lastRunStats.Load()
}

// RunStats reports the latest sweep in the scheduler's job info.
func (j *ScheduledCheckJob) RunStats() any {
	if stats := j.LastRunStats(); stats != nil {
		return *stats
	}
	return nil
}
