package cache

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alem-hub/warning-engine/pkg/logger"
	"github.com/alem-hub/warning-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// L2 CONTRACT
// ══════════════════════════════════════════════════════════════════════════════

// Remote is the optional second cache layer. Values are serialised by the
// implementation; Get reports found=false on a plain miss.
type Remote interface {
	Get(ctx context.Context, key string, dest any) (found bool, err error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// ══════════════════════════════════════════════════════════════════════════════
// MANAGER
// ══════════════════════════════════════════════════════════════════════════════

type entry struct {
	value     any
	dataType  DataType
	createdAt time.Time
	ttl       time.Duration
	priority  Priority
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && !now.Before(e.createdAt.Add(e.ttl))
}

// Options configures a Manager.
type Options struct {
	// Policies overrides entries of DefaultPolicies.
	Policies map[DataType]Policy

	// Remote enables the L2 layer when non-nil.
	Remote Remote

	// RemotePrefix namespaces L2 keys. Defaults to "warning-engine:cache:".
	RemotePrefix string

	// TopKeys is how many keys Stats reports. Defaults to 10.
	TopKeys int

	Clock      timeutil.Clock
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Manager is the layered cache. It is safe for concurrent use. Concurrent
// misses on the same key are not coalesced: each caller runs its own fetch.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	policies     map[DataType]Policy
	remote       Remote
	remotePrefix string
	topKeys      int

	stats   *statistics
	metrics *metrics
	clock   timeutil.Clock
	logger  *slog.Logger
}

// NewManager creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	policies := DefaultPolicies()
	for dt, p := range opts.Policies {
		policies[dt] = p
	}
	if opts.RemotePrefix == "" {
		opts.RemotePrefix = "warning-engine:cache:"
	}
	if opts.TopKeys <= 0 {
		opts.TopKeys = 10
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}

	return &Manager{
		entries:      make(map[string]*entry),
		policies:     policies,
		remote:       opts.Remote,
		remotePrefix: opts.RemotePrefix,
		topKeys:      opts.TopKeys,
		stats:        newStatistics(),
		metrics:      m,
		clock:        opts.Clock,
		logger:       opts.Logger.With(logger.Component("cache")),
	}, nil
}

// PolicyFor returns the policy of a data type, or DefaultPolicy.
func (m *Manager) PolicyFor(dataType DataType) Policy {
	if p, ok := m.policies[dataType]; ok {
		return p
	}
	return DefaultPolicy
}

// Get returns a cached value. L2 values are decoded into their generic JSON
// form; use WithCache for typed access.
func (m *Manager) Get(ctx context.Context, dataType DataType, key string) (any, bool) {
	var out any
	return m.lookup(ctx, dataType, key, func() any { return &out }, func(any) any { return out })
}

// Set stores a value in both layers under the data type's policy.
func (m *Manager) Set(ctx context.Context, dataType DataType, key string, value any) {
	policy := m.PolicyFor(dataType)
	ck := compositeKey(dataType, key)

	m.mu.Lock()
	m.entries[ck] = &entry{
		value:     value,
		dataType:  dataType,
		createdAt: m.clock.Now(),
		ttl:       policy.TTL,
		priority:  policy.Priority,
	}
	size := len(m.entries)
	m.mu.Unlock()
	m.metrics.size.Set(float64(size))

	if m.remote != nil {
		if err := m.remote.Set(ctx, m.remoteKey(ck), value, policy.TTL); err != nil {
			m.remoteFailed("set", ck, err)
		}
	}
}

// Delete removes one key from both layers.
func (m *Manager) Delete(ctx context.Context, dataType DataType, key string) {
	m.InvalidateKeys(ctx, dataType, key)
}

// InvalidateKeys removes specific keys of a data type from both layers.
func (m *Manager) InvalidateKeys(ctx context.Context, dataType DataType, keys ...string) int {
	if len(keys) == 0 {
		return 0
	}

	composite := make([]string, len(keys))
	for i, k := range keys {
		composite[i] = compositeKey(dataType, k)
	}

	removed := 0
	m.mu.Lock()
	for _, ck := range composite {
		if _, ok := m.entries[ck]; ok {
			delete(m.entries, ck)
			removed++
		}
	}
	size := len(m.entries)
	m.mu.Unlock()

	m.metrics.size.Set(float64(size))
	m.metrics.invalidations.WithLabelValues(string(dataType)).Add(float64(removed))

	if m.remote != nil {
		remoteKeys := make([]string, len(composite))
		for i, ck := range composite {
			remoteKeys[i] = m.remoteKey(ck)
		}
		if err := m.remote.Delete(ctx, remoteKeys...); err != nil {
			m.remoteFailed("delete", string(dataType), err)
		}
	}
	return removed
}

// InvalidateByType removes every entry of a data type from both layers and
// returns how many L1 entries were dropped.
func (m *Manager) InvalidateByType(ctx context.Context, dataType DataType) int {
	removed := 0
	m.mu.Lock()
	for ck, e := range m.entries {
		if e.dataType == dataType {
			delete(m.entries, ck)
			removed++
		}
	}
	size := len(m.entries)
	m.mu.Unlock()

	m.metrics.size.Set(float64(size))
	m.metrics.invalidations.WithLabelValues(string(dataType)).Add(float64(removed))

	if m.remote != nil {
		pattern := m.remoteKey(compositeKey(dataType, "*"))
		if err := m.remote.DeleteByPattern(ctx, pattern); err != nil {
			m.remoteFailed("invalidate", string(dataType), err)
		}
	}

	m.logger.Debug("cache type invalidated", logger.DataType(string(dataType)), logger.Count("removed", removed))
	return removed
}

// Clear drops every entry from both layers. Hit/miss counters are kept.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.mu.Unlock()
	m.metrics.size.Set(0)

	if m.remote != nil {
		if err := m.remote.DeleteByPattern(ctx, m.remotePrefix+"*"); err != nil {
			m.remoteFailed("clear", "", err)
		}
	}
}

// ResetStats zeroes the hit/miss counters.
func (m *Manager) ResetStats() {
	m.stats.reset()
}

// Len returns the number of L1 entries, including expired ones not yet swept.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// CleanupReport describes a Cleanup pass.
type CleanupReport struct {
	Expired   int `json:"expired"`
	Evicted   int `json:"evicted"`
	Remaining int `json:"remaining"`
}

// Cleanup sweeps expired L1 entries, then evicts the lowest-priority, oldest
// entries until at most maxEntries remain. maxEntries <= 0 only sweeps.
func (m *Manager) Cleanup(maxEntries int) CleanupReport {
	now := m.clock.Now()
	var report CleanupReport

	m.mu.Lock()
	for ck, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, ck)
			report.Expired++
		}
	}

	if maxEntries > 0 && len(m.entries) > maxEntries {
		type candidate struct {
			key string
			e   *entry
		}
		candidates := make([]candidate, 0, len(m.entries))
		for ck, e := range m.entries {
			candidates = append(candidates, candidate{ck, e})
		}
		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.e.priority != b.e.priority {
				return a.e.priority < b.e.priority
			}
			if !a.e.createdAt.Equal(b.e.createdAt) {
				return a.e.createdAt.Before(b.e.createdAt)
			}
			return a.key < b.key
		})
		for _, c := range candidates[:len(m.entries)-maxEntries] {
			delete(m.entries, c.key)
			report.Evicted++
		}
	}
	report.Remaining = len(m.entries)
	m.mu.Unlock()

	m.metrics.evictions.Add(float64(report.Expired + report.Evicted))
	m.metrics.size.Set(float64(report.Remaining))

	m.logger.Info("cache cleanup finished",
		logger.Count("expired", report.Expired),
		logger.Count("evicted", report.Evicted),
		logger.Count("remaining", report.Remaining),
	)
	return report
}

// Stats returns a snapshot of the hit/miss accounting. It never touches
// cache entries beyond counting them.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	size := len(m.entries)
	byType := make(map[DataType]int)
	for _, e := range m.entries {
		byType[e.dataType]++
	}
	m.mu.RUnlock()

	s := m.stats.snapshot(m.topKeys)
	s.Size = size
	s.RemoteEnabled = m.remote != nil
	for dt, n := range byType {
		ts := s.ByType[dt]
		ts.Entries = n
		s.ByType[dt] = ts
	}
	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// TYPED ACCESS
// ══════════════════════════════════════════════════════════════════════════════

// WithCache returns the cached value for (dataType, key) if present and
// unexpired; otherwise it calls fetch, stores the result and returns it.
// Fetch errors are returned and nothing is cached.
func WithCache[T any](ctx context.Context, m *Manager, dataType DataType, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	var decoded T
	if v, ok := m.lookup(ctx, dataType, key,
		func() any { return &decoded },
		func(any) any { return decoded },
	); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
		m.logger.Warn("cached value has unexpected type",
			logger.DataType(string(dataType)), slog.String("key", key))
	}

	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	m.Set(ctx, dataType, key, value)
	return value, nil
}

// lookup checks L1, then L2. newDest returns a decode target for L2 and
// result converts the decoded target into the value stored in L1.
func (m *Manager) lookup(ctx context.Context, dataType DataType, key string, newDest func() any, result func(any) any) (any, bool) {
	ck := compositeKey(dataType, key)
	now := m.clock.Now()

	m.mu.RLock()
	e, ok := m.entries[ck]
	m.mu.RUnlock()

	if ok && !e.expired(now) {
		m.stats.hit(ck, dataType)
		m.metrics.hits.WithLabelValues(string(dataType), "l1").Inc()
		return e.value, true
	}
	if ok {
		m.mu.Lock()
		if cur, still := m.entries[ck]; still && cur.expired(now) {
			delete(m.entries, ck)
		}
		m.mu.Unlock()
	}

	if m.remote != nil {
		dest := newDest()
		found, err := m.remote.Get(ctx, m.remoteKey(ck), dest)
		if err != nil {
			m.remoteFailed("get", ck, err)
		} else if found {
			value := result(dest)
			policy := m.PolicyFor(dataType)
			m.mu.Lock()
			m.entries[ck] = &entry{
				value:     value,
				dataType:  dataType,
				createdAt: now,
				ttl:       policy.TTL,
				priority:  policy.Priority,
			}
			m.mu.Unlock()

			m.stats.hit(ck, dataType)
			m.metrics.hits.WithLabelValues(string(dataType), "l2").Inc()
			return value, true
		}
	}

	m.stats.miss(ck, dataType)
	m.metrics.misses.WithLabelValues(string(dataType)).Inc()
	return nil, false
}

func (m *Manager) remoteKey(composite string) string {
	return m.remotePrefix + composite
}

func (m *Manager) remoteFailed(op, key string, err error) {
	m.metrics.remoteErrors.Inc()
	m.logger.Warn("cache remote layer failed",
		logger.Operation(op),
		slog.String("key", strings.TrimPrefix(key, m.remotePrefix)),
		logger.Err(err),
	)
}
