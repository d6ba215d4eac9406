package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/farm-weather/internal/observability"
	"github.com/i474232898/farm-weather/internal/weather"
)

type fakeSyncer struct {
	mu       sync.Mutex
	calls    int
	deadline bool
	err      error
}

func (f *fakeSyncer) SyncAll(ctx context.Context, opts weather.SyncOptions) (weather.SyncReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	_, f.deadline = ctx.Deadline()
	return weather.SyncReport{RunID: "run-1", ProcessedFields: 2}, f.err
}

type fakeCleaner struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCleaner) CleanExpired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 1
}

func TestRunSync_UsesBoundedContext(t *testing.T) {
	syncer := &fakeSyncer{}
	s := New(Config{SyncInterval: time.Hour}, syncer, nil, observability.NopLogger())

	s.runSync()
	assert.Equal(t, 1, syncer.calls)
	assert.True(t, syncer.deadline)

	syncer.err = errors.New("boom")
	s.runSync()
	assert.Equal(t, 2, syncer.calls)
}

func TestStart_RegistersEnabledJobs(t *testing.T) {
	s := New(Config{SyncInterval: time.Hour, CleanupInterval: time.Minute}, &fakeSyncer{}, &fakeCleaner{}, observability.NopLogger())
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Equal(t, 2, s.scheduler.Len())
}

func TestStart_ZeroIntervalDisablesSync(t *testing.T) {
	syncer := &fakeSyncer{}
	s := New(Config{CleanupInterval: time.Minute}, syncer, &fakeCleaner{}, observability.NopLogger())
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Equal(t, 1, s.scheduler.Len())
	assert.Zero(t, syncer.calls)
}

func TestStart_NothingToSchedule(t *testing.T) {
	s := New(Config{}, &fakeSyncer{}, nil, observability.NopLogger())
	require.NoError(t, s.Start())
	assert.Zero(t, s.scheduler.Len())
	s.Stop()
}

func TestRunCleanup(t *testing.T) {
	cleaner := &fakeCleaner{}
	s := New(Config{CleanupInterval: time.Minute}, nil, cleaner, observability.NopLogger())
	s.runCleanup()
	assert.Equal(t, 1, cleaner.calls)
}
