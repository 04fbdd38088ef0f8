package probe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gpufleet/node-agent/internal/domain"
)

// slowSampleThreshold is the point past which CachedProbe decides a
// direct CurrentMetrics call is too slow to sit on the heartbeat clock's
// critical path, per spec.md §9 ("Keep the heartbeat task off the
// critical path of reads by sampling into a cached NodeMetrics refreshed
// by a separate interval task if the probe exceeds ~100 ms").
const slowSampleThreshold = 100 * time.Millisecond

// CachedProbe wraps a Probe so the Orchestrator's heartbeat clock never
// blocks on a slow GPU library call. It samples synchronously until a
// sample exceeds slowSampleThreshold, at which point it switches to a
// background refresh ticker and serves the last-known snapshot.
type CachedProbe struct {
	probe *Probe

	refreshInterval time.Duration
	bgStarted       atomic.Bool

	mu       sync.RWMutex
	snapshot domain.NodeMetrics

	backgroundOnce sync.Once
	stop           chan struct{}
}

// NewCachedProbe wraps p. refreshInterval is the period of the
// background refresh ticker, which starts only after a direct sample
// has exceeded slowSampleThreshold.
func NewCachedProbe(p *Probe, refreshInterval time.Duration) *CachedProbe {
	return &CachedProbe{
		probe:           p,
		refreshInterval: refreshInterval,
		stop:            make(chan struct{}),
	}
}

// CurrentMetrics returns the freshest available NodeMetrics. Once a
// background refresh loop has started, it always serves the cached
// snapshot; until then, it samples directly and promotes itself to
// background mode if a sample was slow.
func (c *CachedProbe) CurrentMetrics(ctx context.Context) domain.NodeMetrics {
	if c.bgStarted.Load() {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.snapshot
	}

	start := time.Now()
	sample := c.probe.CurrentMetrics(ctx)
	elapsed := time.Since(start)

	c.mu.Lock()
	c.snapshot = sample
	c.mu.Unlock()

	if elapsed > slowSampleThreshold {
		c.startBackground()
	}

	return sample
}

func (c *CachedProbe) startBackground() {
	c.backgroundOnce.Do(func() {
		c.bgStarted.Store(true)

		go func() {
			ticker := time.NewTicker(c.refreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.stop:
					return
				case <-ticker.C:
					sample := c.probe.CurrentMetrics(context.Background())
					c.mu.Lock()
					c.snapshot = sample
					c.mu.Unlock()
				}
			}
		}()
	})
}

// Stop halts the background refresh goroutine, if running.
func (c *CachedProbe) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}
