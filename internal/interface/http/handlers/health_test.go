package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/warning-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/warning-engine/pkg/timeutil"
)

type fakePool struct {
	status *postgres.HealthStatus
	err    error
}

func (f fakePool) Health(context.Context) (*postgres.HealthStatus, error) { return f.status, f.err }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type flag bool

func (f flag) IsRunning() bool { return bool(f) }

func TestCompositeHealthChecker_Status(t *testing.T) {
	down := errors.New("connection refused")

	tests := []struct {
		name     string
		critical map[string]HealthCheckFunc
		optional map[string]HealthCheckFunc
		healthy  bool
		status   string
		message  string
	}{
		{
			name:    "no checks",
			healthy: true,
			status:  HealthOK,
		},
		{
			name:     "all passing",
			critical: map[string]HealthCheckFunc{"engine": NewRunningCheck("engine", flag(true))},
			optional: map[string]HealthCheckFunc{"redis": NewPingCheck(fakePinger{})},
			healthy:  true,
			status:   HealthOK,
		},
		{
			name:     "optional failing degrades",
			critical: map[string]HealthCheckFunc{"engine": NewRunningCheck("engine", flag(true))},
			optional: map[string]HealthCheckFunc{"redis": NewPingCheck(fakePinger{err: down})},
			healthy:  true,
			status:   HealthDegraded,
			message:  "degraded: redis",
		},
		{
			name: "critical failing",
			critical: map[string]HealthCheckFunc{
				"engine":    NewRunningCheck("engine", flag(false)),
				"scheduler": NewRunningCheck("scheduler", flag(false)),
			},
			optional: map[string]HealthCheckFunc{"redis": NewPingCheck(fakePinger{err: down})},
			healthy:  false,
			status:   HealthUnhealthy,
			message:  "failing: engine, scheduler, redis",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCompositeHealthChecker("test")
			for name, fn := range tt.critical {
				c.AddCheck(name, fn)
			}
			for name, fn := range tt.optional {
				c.AddOptionalCheck(name, fn)
			}

			st := c.Check(context.Background())
			assert.Equal(t, tt.healthy, st.Healthy)
			assert.Equal(t, tt.status, st.Status)
			assert.Equal(t, tt.message, st.Message)
			assert.Len(t, st.Checks, len(tt.critical)+len(tt.optional))
		})
	}
}

func TestCompositeHealthChecker_TimeoutAndClock(t *testing.T) {
	start := time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)
	clock := timeutil.NewManualClock(start)
	c := NewCompositeHealthChecker("v9", WithCheckTimeout(10*time.Millisecond), WithHealthClock(clock))
	c.AddCheck("slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	clock.Advance(90 * time.Second)
	st := c.Check(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), st.Checks["slow"].Message)
	assert.True(t, st.Checks["slow"].Critical)
	assert.Equal(t, "1m30s", st.Uptime)
	assert.Equal(t, start.Add(90*time.Second), st.Timestamp)
	assert.Equal(t, "v9", st.Version)
}

func TestNewDatabaseCheck(t *testing.T) {
	ok := &postgres.HealthStatus{Healthy: true, TotalConns: 4, MaxConns: 10}
	details, err := NewDatabaseCheck(fakePool{status: ok})(context.Background())
	require.NoError(t, err)
	assert.Same(t, ok, details)

	bad := &postgres.HealthStatus{Error: "ping timeout"}
	details, err = NewDatabaseCheck(fakePool{status: bad})(context.Background())
	assert.EqualError(t, err, "ping timeout")
	assert.Same(t, bad, details)

	_, err = NewDatabaseCheck(fakePool{err: postgres.ErrConnectionClosed})(context.Background())
	assert.ErrorIs(t, err, postgres.ErrConnectionClosed)
}

func TestNewStaticCheck(t *testing.T) {
	details, err := NewStaticCheck(map[string]string{"driver": "memory"})(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"driver": "memory"}, details)
}
