// Package rules loads warning rules from the rule store, serves them through
// the cache manager and compiles their expressions once per rule version.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
	"github.com/alem-hub/warning-engine/pkg/logger"
)

const activeRulesKey = "active"

// Repository is the engine's read path to rule definitions.
//
// Rule definitions are cached as plain data (so the remote cache layer can
// hold them); compiled ASTs are memoised locally by rule version.
type Repository struct {
	store  warning.RuleStore
	cache  *cache.Manager
	logger *slog.Logger

	mu       sync.Mutex
	compiled map[string]*warning.CompiledRule // version -> compiled
	invalid  map[string]bool                  // versions that failed to compile
}

// NewRepository creates a Repository.
func NewRepository(store warning.RuleStore, cm *cache.Manager, log *slog.Logger) *Repository {
	if log == nil {
		log = logger.Discard()
	}
	return &Repository{
		store:    store,
		cache:    cm,
		logger:   log.With(logger.Component("rules")),
		compiled: make(map[string]*warning.CompiledRule),
		invalid:  make(map[string]bool),
	}
}

// Active returns every active rule, compiled, ordered by priority (highest
// first). Rules that fail to compile are logged once and skipped.
func (r *Repository) Active(ctx context.Context) ([]*warning.CompiledRule, error) {
	defs, err := cache.WithCache(ctx, r.cache, cache.TypeRuleData, activeRulesKey, r.load)
	if err != nil {
		return nil, err
	}

	out := make([]*warning.CompiledRule, 0, len(defs))
	for _, def := range defs {
		if !def.IsActive {
			continue
		}
		if c := r.compile(def); c != nil {
			out = append(out, c)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out, nil
}

// ForEvent returns the active rules that listen to the event type.
func (r *Repository) ForEvent(ctx context.Context, t warning.EventType) ([]*warning.CompiledRule, error) {
	all, err := r.Active(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]*warning.CompiledRule, 0, len(all))
	for _, rule := range all {
		if rule.MatchesEvent(t) {
			matched = append(matched, rule)
		}
	}
	return matched, nil
}

// Refresh drops the cached rule set so the next call reloads it.
func (r *Repository) Refresh(ctx context.Context) {
	r.cache.InvalidateByType(ctx, cache.TypeRuleData)
}

func (r *Repository) load(ctx context.Context) ([]warning.Rule, error) {
	defs, err := r.store.ActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	r.logger.Debug("rules loaded", logger.Count("count", len(defs)))
	return defs, nil
}

func (r *Repository) compile(def warning.Rule) *warning.CompiledRule {
	version := def.Version()

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.compiled[version]; ok {
		return c.Rebind(def)
	}
	if r.invalid[version] {
		return nil
	}

	c, err := warning.Compile(def)
	if err != nil {
		r.invalid[version] = true
		r.logger.Error("skipping invalid rule", logger.RuleID(def.ID), logger.Err(err))
		return nil
	}
	r.compiled[version] = c
	return c
}
