// Package sink turns triggered calculation results into persisted warning
// records.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
	"github.com/alem-hub/warning-engine/pkg/logger"
	"github.com/alem-hub/warning-engine/pkg/retry"
)

// Config tunes the sink.
type Config struct {
	// DefaultExpirationDays applies to rules without ExpirationDays.
	DefaultExpirationDays int

	// MaxAttempts bounds insert retries, counting the first call.
	MaxAttempts int

	// RetryDelay is the wait before the first retry.
	RetryDelay time.Duration
}

// DefaultConfig returns the default sink settings.
func DefaultConfig() Config {
	return Config{
		DefaultExpirationDays: warning.DefaultExpirationDays,
		MaxAttempts:           3,
		RetryDelay:            50 * time.Millisecond,
	}
}

// Sink writes warning records. It never updates or deletes existing rows.
type Sink struct {
	store   warning.RecordStore
	cache   *cache.Manager
	cfg     Config
	retrier *retry.Retrier
	logger  *slog.Logger
}

// New creates a Sink. cm may be nil.
func New(store warning.RecordStore, cm *cache.Manager, cfg Config, log *slog.Logger) *Sink {
	def := DefaultConfig()
	if cfg.DefaultExpirationDays <= 0 {
		cfg.DefaultExpirationDays = def.DefaultExpirationDays
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if log == nil {
		log = logger.Discard()
	}
	log = log.With(logger.Component("sink"))

	s := &Sink{
		store:  store,
		cache:  cm,
		cfg:    cfg,
		logger: log,
	}
	s.retrier = retry.New(
		retry.WithMaxAttempts(cfg.MaxAttempts),
		retry.WithInitialDelay(cfg.RetryDelay),
		retry.WithRetryIf(func(err error) bool { return !shared.IsValidation(err) }),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			log.Warn("retrying record insert",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				logger.Err(err),
			)
		}),
	)
	return s
}

// Persist stores every triggered result as an active record in one batch and
// returns how many were written. Non-triggered results are ignored. rules is
// consulted for the expiration of results that do not carry one.
func (s *Sink) Persist(ctx context.Context, results []warning.CalculationResult, rules map[string]*warning.CompiledRule) (int, error) {
	records := make([]warning.Record, 0, len(results))
	for _, res := range results {
		if !res.Triggered {
			continue
		}
		if res.ExpiredAt == nil {
			expiredAt := res.Metadata.CalculatedAt.Add(s.expiration(rules[res.RuleID]))
			res.ExpiredAt = &expiredAt
		}
		records = append(records, warning.NewRecord(res))
	}
	if len(records) == 0 {
		return 0, nil
	}

	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.store.InsertRecords(ctx, records)
	})
	if err != nil {
		return 0, shared.WrapError("sink", "Persist", shared.ErrExternalService,
			fmt.Sprintf("insert %d records", len(records)), err)
	}

	s.invalidate(ctx, records)
	s.logger.Info("warning records persisted", logger.Count("count", len(records)))
	return len(records), nil
}

func (s *Sink) expiration(rule *warning.CompiledRule) time.Duration {
	if rule == nil {
		return time.Duration(s.cfg.DefaultExpirationDays) * 24 * time.Hour
	}
	return rule.Expiration(s.cfg.DefaultExpirationDays)
}

func (s *Sink) invalidate(ctx context.Context, records []warning.Record) {
	if s.cache == nil {
		return
	}

	seen := make(map[string]struct{}, len(records))
	students := make([]string, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.StudentID]; ok {
			continue
		}
		seen[r.StudentID] = struct{}{}
		students = append(students, r.StudentID)
	}

	s.cache.InvalidateByType(ctx, cache.TypeWarningStats)
	s.cache.InvalidateKeys(ctx, cache.TypeStudentHistory, students...)
}
