package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipp-ai/dispatch/internal/config"
	"github.com/chipp-ai/dispatch/internal/model"
	"github.com/chipp-ai/dispatch/internal/testutil"
)

// fakeGateReader returns canned gate inputs and records which gates ran.
type fakeGateReader struct {
	running     int
	spawnsToday int
	costToday   float64

	runningErr error

	mu         sync.Mutex
	lastScope  config.ConcurrencyScope
	lastWT     model.WorkflowType
	gateCalls  []string
}

func (f *fakeGateReader) CountRunningRuns(_ context.Context, scope config.ConcurrencyScope, wt model.WorkflowType) (int, error) {
	f.mu.Lock()
	f.lastScope = scope
	f.lastWT = wt
	f.gateCalls = append(f.gateCalls, "running")
	f.mu.Unlock()
	if f.runningErr != nil {
		return 0, f.runningErr
	}
	return f.running, nil
}

func (f *fakeGateReader) CountRunsCreatedSince(_ context.Context, _ time.Time) (int, error) {
	f.mu.Lock()
	f.gateCalls = append(f.gateCalls, "spawns")
	f.mu.Unlock()
	return f.spawnsToday, nil
}

func (f *fakeGateReader) SumCostForDay(_ context.Context, _ string, _ time.Time) (float64, error) {
	f.mu.Lock()
	f.gateCalls = append(f.gateCalls, "cost")
	f.mu.Unlock()
	return f.costToday, nil
}

func newTestController(store *fakeGateReader, lim Limits) *Controller {
	return New(store, NewRuntimeLimits(lim), testutil.TestLogger())
}

func defaultLimits() Limits {
	return Limits{
		ConcurrencyLimit:  3,
		ConcurrencyScope:  config.ScopeGlobal,
		DailySpawnLimit:   50,
		DailyCostLimitUSD: 200,
	}
}

func TestCanSpawnAllowed(t *testing.T) {
	store := &fakeGateReader{running: 2, spawnsToday: 10, costToday: 42.50}
	c := newTestController(store, defaultLimits())

	d, err := c.CanSpawn(context.Background(), model.WorkflowInvestigate)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestCanSpawnKillSwitchShortCircuits(t *testing.T) {
	store := &fakeGateReader{}
	lim := defaultLimits()
	lim.KillSwitch = true
	c := newTestController(store, lim)

	d, err := c.CanSpawn(context.Background(), model.WorkflowImplement)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, model.DenyKilled, d.Reason)
	assert.Empty(t, store.gateCalls, "kill switch must not touch the store")
}

func TestCanSpawnConcurrencyLimit(t *testing.T) {
	store := &fakeGateReader{running: 3}
	c := newTestController(store, defaultLimits())

	d, err := c.CanSpawn(context.Background(), model.WorkflowImplement)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, model.DenyConcurrencyLimit, d.Reason)
	assert.Equal(t, []string{"running"}, store.gateCalls, "later gates must not run after a deny")
}

func TestCanSpawnConcurrencyScopePassedThrough(t *testing.T) {
	store := &fakeGateReader{}
	lim := defaultLimits()
	lim.ConcurrencyScope = config.ScopePerWorkflow
	c := newTestController(store, lim)

	_, err := c.CanSpawn(context.Background(), model.WorkflowTriage)
	require.NoError(t, err)
	assert.Equal(t, config.ScopePerWorkflow, store.lastScope)
	assert.Equal(t, model.WorkflowTriage, store.lastWT)
}

func TestCanSpawnDailySpawnLimit(t *testing.T) {
	store := &fakeGateReader{spawnsToday: 50}
	c := newTestController(store, defaultLimits())

	d, err := c.CanSpawn(context.Background(), model.WorkflowInvestigate)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, model.DenyDailySpawnLimit, d.Reason)
}

func TestCanSpawnDailyCostLimit(t *testing.T) {
	tests := []struct {
		name      string
		costToday float64
		allowed   bool
	}{
		{"under ceiling", 199.50, true},
		{"at ceiling", 200.00, false},
		{"over ceiling", 204.50, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeGateReader{costToday: tt.costToday}
			c := newTestController(store, defaultLimits())

			d, err := c.CanSpawn(context.Background(), model.WorkflowInvestigate)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				assert.Equal(t, model.DenyDailyCostLimit, d.Reason)
			}
		})
	}
}

func TestCanSpawnStoreErrorIsNotADeny(t *testing.T) {
	store := &fakeGateReader{runningErr: errors.New("pool exhausted")}
	c := newTestController(store, defaultLimits())

	_, err := c.CanSpawn(context.Background(), model.WorkflowInvestigate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency gate")
}

func TestSetKillSwitchTakesEffectImmediately(t *testing.T) {
	store := &fakeGateReader{}
	c := newTestController(store, defaultLimits())

	d, err := c.CanSpawn(context.Background(), model.WorkflowInvestigate)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	c.SetKillSwitch(true)
	d, err = c.CanSpawn(context.Background(), model.WorkflowInvestigate)
	require.NoError(t, err)
	assert.Equal(t, model.DenyKilled, d.Reason)

	c.SetKillSwitch(false)
	d, err = c.CanSpawn(context.Background(), model.WorkflowInvestigate)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestStatusSnapshot(t *testing.T) {
	store := &fakeGateReader{running: 2, spawnsToday: 17, costToday: 88.25}
	c := newTestController(store, defaultLimits())

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.KillSwitch)
	assert.Equal(t, 2, st.RunningCount)
	assert.Equal(t, 17, st.SpawnsToday)
	assert.InDelta(t, 88.25, st.CostTodayUSD, 0.001)
	assert.Equal(t, 3, st.ConcurrencyMax)
	assert.Equal(t, 50, st.DailySpawnMax)
	assert.InDelta(t, 200, st.DailyCostMaxUSD, 0.001)
}

func TestRuntimeLimitsConcurrentToggle(t *testing.T) {
	lim := NewRuntimeLimits(defaultLimits())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(on bool) {
			defer wg.Done()
			lim.SetKillSwitch(on)
		}(i%2 == 0)
		go func() {
			defer wg.Done()
			_ = lim.Snapshot()
		}()
	}
	wg.Wait()

	snap := lim.Snapshot()
	assert.Equal(t, 3, snap.ConcurrencyLimit, "non-kill-switch fields must be untouched")
}
