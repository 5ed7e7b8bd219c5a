package cache

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/warning-engine/pkg/timeutil"
)

type fakeRemote struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{data: make(map[string][]byte)}
}

func (f *fakeRemote) Get(_ context.Context, key string, dest any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return false, errors.New("connection refused")
	}
	raw, ok := f.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (f *fakeRemote) Set(_ context.Context, key string, value any, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = raw
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeRemote) DeleteByPattern(_ context.Context, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.data {
		if ok, _ := path.Match(pattern, k); ok {
			delete(f.data, k)
		}
	}
	return nil
}

func (f *fakeRemote) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

var epoch = time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, opts Options) (*Manager, *timeutil.ManualClock) {
	t.Helper()
	clock := timeutil.NewManualClock(epoch)
	opts.Clock = clock
	m, err := NewManager(opts)
	require.NoError(t, err)
	return m, clock
}

func TestManager_HitRateAfterMissesThenHits(t *testing.T) {
	for _, n := range []int{1, 3, 10} {
		m, _ := newTestManager(t, Options{})
		ctx := context.Background()

		for i := 0; i < n; i++ {
			_, ok := m.Get(ctx, TypeClassStats, "c1")
			require.False(t, ok)
		}
		m.Set(ctx, TypeClassStats, "c1", 42)
		for i := 0; i < n; i++ {
			v, ok := m.Get(ctx, TypeClassStats, "c1")
			require.True(t, ok)
			require.Equal(t, 42, v)
		}

		s := m.Stats()
		assert.Equal(t, int64(n), s.TotalHits)
		assert.Equal(t, int64(n), s.TotalMisses)
		assert.Equal(t, float64(n)/float64(2*n), s.HitRate)
	}
}

func TestManager_PolicyTTL(t *testing.T) {
	m, clock := newTestManager(t, Options{})
	ctx := context.Background()

	m.Set(ctx, TypeWarningStats, "all", "stats")
	m.Set(ctx, TypeRuleData, "active", "rules")

	clock.Advance(2*time.Minute - time.Second)
	_, ok := m.Get(ctx, TypeWarningStats, "all")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = m.Get(ctx, TypeWarningStats, "all")
	assert.False(t, ok, "expired exactly at TTL")
	assert.Equal(t, 1, m.Len(), "expired entry removed on read")

	clock.Advance(23 * time.Hour)
	_, ok = m.Get(ctx, TypeRuleData, "active")
	assert.True(t, ok)
}

func TestManager_PolicyFor(t *testing.T) {
	m, _ := newTestManager(t, Options{
		Policies: map[DataType]Policy{TypeExamStats: {TTL: time.Hour, Priority: PriorityMedium}},
	})

	assert.Equal(t, Policy{TTL: 2 * time.Minute, Priority: PriorityHigh}, m.PolicyFor(TypeWarningStats))
	assert.Equal(t, Policy{TTL: 24 * time.Hour, Priority: PriorityCritical}, m.PolicyFor(TypeRuleData))
	assert.Equal(t, Policy{TTL: time.Hour, Priority: PriorityMedium}, m.PolicyFor(TypeExamStats))
	assert.Equal(t, DefaultPolicy, m.PolicyFor("something_else"))
}

func TestWithCache_FetchOnceAndErrorsNotCached(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	calls := 0
	fetch := func(context.Context) ([]string, error) {
		calls++
		return []string{"s1", "s2"}, nil
	}

	for i := 0; i < 3; i++ {
		got, err := WithCache(ctx, m, TypeStudentHistory, "s1", fetch)
		require.NoError(t, err)
		assert.Equal(t, []string{"s1", "s2"}, got)
	}
	assert.Equal(t, 1, calls)

	boom := errors.New("db down")
	_, err := WithCache(ctx, m, TypeStudentHistory, "s2", func(context.Context) ([]string, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	_, ok := m.Get(ctx, TypeStudentHistory, "s2")
	assert.False(t, ok)
}

func TestManager_FreshAfterInvalidation(t *testing.T) {
	for _, withRemote := range []bool{false, true} {
		opts := Options{}
		if withRemote {
			opts.Remote = newFakeRemote()
		}
		m, _ := newTestManager(t, opts)
		ctx := context.Background()

		version := 1
		fetch := func(context.Context) (int, error) { return version, nil }

		got, err := WithCache(ctx, m, TypeWarningStats, "global", fetch)
		require.NoError(t, err)
		assert.Equal(t, 1, got)

		version = 2
		got, _ = WithCache(ctx, m, TypeWarningStats, "global", fetch)
		assert.Equal(t, 1, got, "still cached")

		assert.Equal(t, 1, m.InvalidateByType(ctx, TypeWarningStats))
		got, _ = WithCache(ctx, m, TypeWarningStats, "global", fetch)
		assert.Equal(t, 2, got, "remote=%v", withRemote)

		version = 3
		m.InvalidateKeys(ctx, TypeWarningStats, "global")
		got, _ = WithCache(ctx, m, TypeWarningStats, "global", fetch)
		assert.Equal(t, 3, got, "remote=%v", withRemote)
	}
}

func TestManager_InvalidateByTypeLeavesOtherTypes(t *testing.T) {
	remote := newFakeRemote()
	m, _ := newTestManager(t, Options{Remote: remote})
	ctx := context.Background()

	m.Set(ctx, TypeStudentFeatures, "s1", 1)
	m.Set(ctx, TypeStudentFeatures, "s2", 2)
	m.Set(ctx, TypeStudentHistory, "s1", 3)
	require.Equal(t, 3, remote.len())

	assert.Equal(t, 2, m.InvalidateByType(ctx, TypeStudentFeatures))
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 1, remote.len())

	_, ok := m.Get(ctx, TypeStudentHistory, "s1")
	assert.True(t, ok)

	m.Clear(ctx)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, remote.len())
}

type profile struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func TestWithCache_SharedRemoteLayer(t *testing.T) {
	remote := newFakeRemote()
	first, _ := newTestManager(t, Options{Remote: remote})
	second, _ := newTestManager(t, Options{Remote: remote})
	ctx := context.Background()

	_, err := WithCache(ctx, first, TypeStudentFeatures, "s1", func(context.Context) (profile, error) {
		return profile{Name: "Aida", Score: 71.5}, nil
	})
	require.NoError(t, err)

	got, err := WithCache(ctx, second, TypeStudentFeatures, "s1", func(context.Context) (profile, error) {
		t.Fatal("second instance should be served by the remote layer")
		return profile{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, profile{Name: "Aida", Score: 71.5}, got)
	assert.Equal(t, int64(1), second.Stats().TotalHits)
	assert.Equal(t, 1, second.Len(), "remote hit is promoted into L1")
}

func TestManager_RemoteFailureDegradesToFetch(t *testing.T) {
	remote := newFakeRemote()
	remote.fail = true
	m, _ := newTestManager(t, Options{Remote: remote})
	ctx := context.Background()

	got, err := WithCache(ctx, m, TypeExamStats, "EX1", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	got, err = WithCache(ctx, m, TypeExamStats, "EX1", func(context.Context) (int, error) { return 8, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, got, "L1 still serves")
}

func TestManager_ConcurrentMissesAreNotCoalesced(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	var calls atomic.Int32
	var inFlight sync.WaitGroup
	inFlight.Add(2)

	fetch := func(context.Context) (int, error) {
		calls.Add(1)
		inFlight.Done()
		done := make(chan struct{})
		go func() { inFlight.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		return 1, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = WithCache(ctx, m, TypeClassStats, "c1", fetch)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), calls.Load())
}

func TestManager_Cleanup(t *testing.T) {
	m, clock := newTestManager(t, Options{})
	ctx := context.Background()

	m.Set(ctx, TypeWarningStats, "expiring", 0) // 2m TTL
	m.Set(ctx, TypeExamStats, "old-low", 1)
	clock.Advance(time.Second)
	m.Set(ctx, TypeExamStats, "new-low", 2)
	m.Set(ctx, TypeClassStats, "medium", 3)
	m.Set(ctx, TypeRuleData, "critical", 4)

	clock.Advance(2 * time.Minute)
	report := m.Cleanup(2)

	assert.Equal(t, CleanupReport{Expired: 1, Evicted: 2, Remaining: 2}, report)

	_, ok := m.Get(ctx, TypeClassStats, "medium")
	assert.True(t, ok)
	_, ok = m.Get(ctx, TypeRuleData, "critical")
	assert.True(t, ok)
	_, ok = m.Get(ctx, TypeExamStats, "new-low")
	assert.False(t, ok)
}

func TestManager_StatsTopKeysAndByType(t *testing.T) {
	m, _ := newTestManager(t, Options{TopKeys: 2})
	ctx := context.Background()

	m.Set(ctx, TypeStudentFeatures, "busy", 1)
	for i := 0; i < 5; i++ {
		m.Get(ctx, TypeStudentFeatures, "busy")
	}
	m.Get(ctx, TypeStudentFeatures, "quiet")
	m.Get(ctx, TypeStudentFeatures, "quiet")
	m.Get(ctx, TypeExamStats, "rare")

	before := m.Len()
	s := m.Stats()
	assert.Equal(t, before, m.Len(), "stats is read-only")

	require.Len(t, s.TopKeys, 2)
	assert.Equal(t, KeyStat{Key: "student_features:busy", Hits: 5, Total: 5}, s.TopKeys[0])
	assert.Equal(t, KeyStat{Key: "student_features:quiet", Misses: 2, Total: 2}, s.TopKeys[1])
	assert.Equal(t, TypeStat{Entries: 1, Hits: 5, Misses: 2}, s.ByType[TypeStudentFeatures])
	assert.Equal(t, TypeStat{Misses: 1}, s.ByType[TypeExamStats])
	assert.False(t, s.RemoteEnabled)

	m.ResetStats()
	assert.Zero(t, m.Stats().TotalHits)
}

func TestManager_PrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _ := newTestManager(t, Options{Registerer: reg})
	ctx := context.Background()

	m.Get(ctx, TypeRuleData, "active")
	m.Set(ctx, TypeRuleData, "active", 1)
	m.Get(ctx, TypeRuleData, "active")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.hits.WithLabelValues("rule_data", "l1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.misses.WithLabelValues("rule_data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.size))

	_, err := NewManager(Options{Registerer: reg})
	assert.Error(t, err, "duplicate registration")
}
