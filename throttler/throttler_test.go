package throttler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisabledBypassesImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	th := New(cfg)

	ran := false
	th.Submit(func() { ran = true })
	require.True(t, ran)
}

func TestEnabledQueuesThenReleasesOnTick(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.MaxRPS = 1000
	cfg.TickInterval = 10 * time.Millisecond
	th := New(cfg)

	ran := false
	th.Submit(func() { ran = true })
	require.False(t, ran, "action must not run before Tick")

	th.Tick()
	require.True(t, ran)
}

func TestOverflowLeaksOrDrops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.MaxQueueSize = 2
	cfg.LeakProbability = 0 // never leak: new submissions beyond capacity are dropped
	th := New(cfg)

	th.Submit(func() {})
	th.Submit(func() {})
	th.Submit(func() {}) // over capacity, dropped

	stats := th.Stats()
	require.Equal(t, 2, stats.QueueLen)
	require.Equal(t, int64(1), stats.DropCount)
}

func TestOverflowLeakEvictsHead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.MaxQueueSize = 1
	cfg.LeakProbability = 1 // always leak: always evict and accept the new one
	th := New(cfg)

	firstRan := false
	secondRan := false
	th.Submit(func() { firstRan = true })
	th.Submit(func() { secondRan = true })
	th.Tick()

	require.False(t, firstRan, "evicted action must never run")
	require.True(t, secondRan)
}

func TestRateIsBoundedByMaxRPS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.MaxRPS = 2
	cfg.TickInterval = time.Millisecond
	cfg.MaxQueueSize = 100
	th := New(cfg)

	released := 0
	for i := 0; i < 10; i++ {
		th.Submit(func() { released++ })
	}
	for i := 0; i < 5; i++ {
		th.Tick()
	}
	require.LessOrEqual(t, released, 2)
}
