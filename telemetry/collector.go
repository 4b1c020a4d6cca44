package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StreamStats is the per-stream snapshot the collector publishes.
type StreamStats struct {
	Name          string
	Tail          uint64
	Retained      uint64
	Subscriptions int
	MinCursor     uint64
}

// StatsProvider lists the current state of every stream.
type StatsProvider interface {
	StreamStats(ctx context.Context) ([]StreamStats, error)
}

// MetricsCollector periodically collects stream stats and updates gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// streams seen on the previous pass, to drop series of dropped streams
	seen map[string]struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mc.interval)
	defer cancel()

	stats, err := mc.provider.StreamStats(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to collect stream stats")
		return
	}

	current := make(map[string]struct{}, len(stats))
	for _, st := range stats {
		current[st.Name] = struct{}{}
		StreamTail.With(st.Name).Set(float64(st.Tail))
		StreamRetainedEvents.With(st.Name).Set(float64(st.Retained))
		StreamSubscriptions.With(st.Name).Set(float64(st.Subscriptions))
		if st.Subscriptions > 0 && st.Tail >= st.MinCursor {
			StreamLag.With(st.Name).Set(float64(st.Tail - st.MinCursor))
		} else {
			StreamLag.With(st.Name).Set(0)
		}
	}

	for name := range mc.seen {
		if _, ok := current[name]; !ok {
			StreamTail.Delete(name)
			StreamRetainedEvents.Delete(name)
			StreamSubscriptions.Delete(name)
			StreamLag.Delete(name)
		}
	}
	mc.seen = current
	Streams.Set(float64(len(stats)))
}
