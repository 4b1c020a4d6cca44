package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval time.Duration
	// SessionIdleTimeout closes sessions unused for this long before each
	// pass. Zero keeps sessions until they are closed explicitly.
	SessionIdleTimeout time.Duration
}

// Sweeper periodically closes abandoned sessions and trims every stream to
// the slowest live cursor. It complements the trim performed by Read for
// streams whose subscribers read rarely; it does not change what Read
// delivers.
type Sweeper struct {
	broker      *Broker
	interval    time.Duration
	idleTimeout time.Duration
	stopCh      chan struct{}
	wg          sync.WaitGroup
	once        sync.Once
}

// NewSweeper creates a sweeper running every config.Interval.
func NewSweeper(b *Broker, config SweeperConfig) *Sweeper {
	return &Sweeper{
		broker:      b,
		interval:    config.Interval,
		idleTimeout: config.SessionIdleTimeout,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the periodic sweep.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop ends the sweep loop and waits for an in-flight pass.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepAll(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// SweepAll reaps idle sessions, then runs one pass over every stream and
// returns how many streams had entries trimmed.
func (s *Sweeper) SweepAll(ctx context.Context) int {
	if s.idleTimeout > 0 {
		if n := s.broker.ReapIdleSessions(ctx, s.idleTimeout); n > 0 {
			log.Debug().Int("sessions", n).Msg("Reaped idle sessions")
		}
	}

	ids, err := s.broker.ListStreams(ctx)
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			log.Warn().Err(err).Msg("Failed to list streams for sweep")
		}
		return 0
	}

	swept := 0
	for _, id := range ids {
		select {
		case <-s.stopCh:
			return swept
		default:
		}

		bound, err := s.broker.Sweep(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrStreamNotFound) && !errors.Is(err, ErrClosed) {
				log.Warn().Err(err).Str("stream", id.String()).Msg("Failed to sweep stream")
			}
			continue
		}
		if bound > 0 {
			swept++
			log.Debug().Str("stream", id.String()).Uint64("trimmed_through", bound).Msg("Swept stream")
		}
	}
	return swept
}
