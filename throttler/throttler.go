// Package throttler implements the RPS throttler of spec.md §4.7: a
// bounded work queue released at a configured rate, with a Bernoulli leak
// policy on overflow and latency/rate metrics.
package throttler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Action is a deferred unit of work, typically "send this KRPC query".
type Action func()

// Config mirrors the spec.md §6 throttler_* settings.
type Config struct {
	Enabled         bool
	MaxRPS          float64
	LeakProbability float64
	MaxQueueSize    int
	TickInterval    time.Duration
	LatencySamples  int
}

// DefaultConfig returns the documented defaults: disabled, 1000 rps cap,
// 10% leak probability, 1000-entry queue, 10ms tick.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		MaxRPS:          1000,
		LeakProbability: 0.1,
		MaxQueueSize:    1000,
		TickInterval:    10 * time.Millisecond,
		LatencySamples:  1024,
	}
}

type queuedAction struct {
	fn          Action
	submittedAt time.Time
}

// Throttler releases queued Actions at a bounded rate. It is driven by an
// external timer calling Tick; it does not run its own goroutine, matching
// the single-event-loop model of spec.md §5.
type Throttler struct {
	mu    sync.Mutex
	cfg   Config
	queue []queuedAction

	releaseTimes []time.Time
	latency      metrics.Histogram
	dropCount    int64

	rng *rand.Rand
	now func() time.Time
}

// New returns a Throttler with cfg.
func New(cfg Config) *Throttler {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.LatencySamples <= 0 {
		cfg.LatencySamples = DefaultConfig().LatencySamples
	}
	return &Throttler{
		cfg:     cfg,
		latency: metrics.NewHistogram(metrics.NewUniformSample(cfg.LatencySamples)),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// Submit enqueues fn for later release. When the throttler is disabled,
// fn runs immediately (bypass). When the queue is full, a Bernoulli leak
// decides whether to evict the head and accept fn, or drop fn outright.
func (th *Throttler) Submit(fn Action) {
	if !th.cfg.Enabled {
		fn()
		return
	}
	th.mu.Lock()
	defer th.mu.Unlock()

	if len(th.queue) >= th.cfg.MaxQueueSize {
		if th.rng.Float64() < th.cfg.LeakProbability {
			th.queue = th.queue[1:]
			th.queue = append(th.queue, queuedAction{fn: fn, submittedAt: th.now()})
		} else {
			th.dropCount++
		}
		return
	}
	th.queue = append(th.queue, queuedAction{fn: fn, submittedAt: th.now()})
}

// Tick is called by the DHT engine's timer every TickInterval. It computes
// the instantaneous release rate over the trailing second and, if under
// budget, releases as many queued actions as the per-tick budget allows.
func (th *Throttler) Tick() {
	if !th.cfg.Enabled {
		return
	}
	th.mu.Lock()
	now := th.now()
	th.trimReleaseWindow(now)

	currentRate := float64(len(th.releaseTimes))
	if currentRate >= th.cfg.MaxRPS || len(th.queue) == 0 {
		th.mu.Unlock()
		return
	}

	budget := int(th.cfg.MaxRPS*th.cfg.TickInterval.Seconds() + 0.5)
	if budget < 1 {
		budget = 1
	}
	if remaining := th.cfg.MaxRPS - currentRate; float64(budget) > remaining {
		budget = int(remaining)
	}
	if budget > len(th.queue) {
		budget = len(th.queue)
	}

	released := th.queue[:budget]
	th.queue = th.queue[budget:]
	th.mu.Unlock()

	for _, qa := range released {
		th.mu.Lock()
		th.releaseTimes = append(th.releaseTimes, now)
		th.mu.Unlock()
		th.latency.Update(now.Sub(qa.submittedAt).Nanoseconds())
		qa.fn()
	}
}

func (th *Throttler) trimReleaseWindow(now time.Time) {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(th.releaseTimes) && th.releaseTimes[i].Before(cutoff) {
		i++
	}
	th.releaseTimes = th.releaseTimes[i:]
}

// Stats is a snapshot of throttler metrics.
type Stats struct {
	QueueLen    int
	DropCount   int64
	CurrentRate int
	MinLatency  time.Duration
	MaxLatency  time.Duration
	AvgLatency  time.Duration
}

// Stats returns a point-in-time snapshot.
func (th *Throttler) Stats() Stats {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.trimReleaseWindow(th.now())
	return Stats{
		QueueLen:    len(th.queue),
		DropCount:   th.dropCount,
		CurrentRate: len(th.releaseTimes),
		MinLatency:  time.Duration(th.latency.Min()),
		MaxLatency:  time.Duration(th.latency.Max()),
		AvgLatency:  time.Duration(int64(th.latency.Mean())),
	}
}
