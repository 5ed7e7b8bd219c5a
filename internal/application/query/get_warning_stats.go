// Package query contains read operations over stored warnings (CQRS - Queries).
package query

import (
	"context"
	"log/slog"
	"time"

	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
	"github.com/alem-hub/warning-engine/pkg/logger"
	"github.com/alem-hub/warning-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET WARNING STATS QUERY
// Dashboard counters over all stored warnings, served from the warning_stats
// cache tier.
// ══════════════════════════════════════════════════════════════════════════════

const globalStatsKey = "global"

// GetWarningStatsQuery has no parameters yet; it exists so the handler keeps
// the same shape as the other queries.
type GetWarningStatsQuery struct{}

// GetWarningStatsResult wraps the stats snapshot.
type GetWarningStatsResult struct {
	Stats *warning.Stats `json:"stats"`
}

// GetWarningStatsHandler answers GetWarningStatsQuery.
type GetWarningStatsHandler struct {
	records warning.RecordStore
	cache   *cache.Manager
	clock   timeutil.Clock
	logger  *slog.Logger
}

// NewGetWarningStatsHandler creates a new handler. cm may be nil.
func NewGetWarningStatsHandler(records warning.RecordStore, cm *cache.Manager, clock timeutil.Clock, log *slog.Logger) *GetWarningStatsHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &GetWarningStatsHandler{
		records: records,
		cache:   cm,
		clock:   clock,
		logger:  log.With(logger.Component("query"), logger.Operation("warning_stats")),
	}
}

// Handle returns the current warning statistics.
func (h *GetWarningStatsHandler) Handle(ctx context.Context, _ GetWarningStatsQuery) (*GetWarningStatsResult, error) {
	load := func(ctx context.Context) (*warning.Stats, error) {
		start := h.clock.Now()
		stats, err := h.records.Stats(ctx, start)
		if err != nil {
			return nil, shared.WrapError("query", "GetWarningStats", shared.ErrExternalService, "load stats", err)
		}
		h.logger.Debug("stats computed", logger.Latency(h.clock.Now().Sub(start)))
		return stats, nil
	}

	var (
		stats *warning.Stats
		err   error
	)
	if h.cache == nil {
		stats, err = load(ctx)
	} else {
		stats, err = cache.WithCache(ctx, h.cache, cache.TypeWarningStats, globalStatsKey, load)
	}
	if err != nil {
		return nil, err
	}
	return &GetWarningStatsResult{Stats: stats}, nil
}

// Age reports how old a stats snapshot is.
func (r *GetWarningStatsResult) Age(now time.Time) time.Duration {
	if r == nil || r.Stats == nil {
		return 0
	}
	return now.Sub(r.Stats.GeneratedAt)
}
