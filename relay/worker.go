package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/tailstream/stream"
	"github.com/maxpert/tailstream/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default interval between reads when no wakeup arrives
	DefaultPollInterval = time.Second
	// Default interval between stream rescans
	DefaultRescanInterval = 10 * time.Second
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on an event
	DefaultMaxRetries = 100
)

var errWorkerStopped = errors.New("worker stopped during retry")

// WorkerConfig configures the worker relaying one stream
type WorkerConfig struct {
	Name            string          // Relay name
	Stream          stream.StreamID // Stream to forward
	Session         *stream.Session // Subscribed session owning the cursor
	Sink            Sink            // Destination sink
	Transformer     Transformer     // Event transformer
	TopicPrefix     string          // Topic prefix (e.g., "tailstream")
	PollInterval    time.Duration   // Upper bound on time between reads
	RetryInitial    time.Duration   // Initial retry delay
	RetryMax        time.Duration   // Max retry delay
	RetryMultiplier float64         // Backoff multiplier
	MaxRetries      int             // Maximum retry attempts
}

// Worker reads one stream through its session and publishes every event to
// a sink. Events are read (and so consumed) before they are published, so an
// event whose retries are exhausted is dropped.
type Worker struct {
	config      WorkerConfig
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates config and applies defaults
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if err := config.Stream.Validate(); err != nil {
		return nil, err
	}
	if config.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}

	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	w := &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	close(w.doneCh)
	return w, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	telemetry.RelayWorkers.Inc()

	log.Info().
		Str("relay", w.config.Name).
		Str("stream", w.config.Stream.String()).
		Msg("Starting relay worker")

	go w.loop()
}

// Stop stops the worker and waits for it to exit
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)
	telemetry.RelayWorkers.Dec()

	log.Info().
		Str("relay", w.config.Name).
		Str("stream", w.config.Stream.String()).
		Msg("Relay worker stopped")
}

// Done is closed once the worker goroutine has exited, either because it was
// stopped or because its stream or subscription went away.
func (w *Worker) Done() <-chan struct{} {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	return w.doneCh
}

func (w *Worker) loop() {
	defer close(w.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopCh := w.stopCh
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		err := w.forward(ctx)
		if isTerminal(err) {
			log.Info().
				Err(err).
				Str("relay", w.config.Name).
				Str("stream", w.config.Stream.String()).
				Msg("Relay worker exiting")
			return
		}
		if err != nil && ctx.Err() == nil {
			log.Error().
				Err(err).
				Str("relay", w.config.Name).
				Str("stream", w.config.Stream.String()).
				Msg("Failed to relay events")
		}

		if _, err := w.config.Session.Wait(ctx, w.config.Stream, w.config.PollInterval); err != nil {
			if ctx.Err() != nil || isTerminal(err) {
				return
			}
		}
	}
}

// forward reads everything pending and publishes it in sequence order
func (w *Worker) forward(ctx context.Context) error {
	events, err := w.config.Session.Read(ctx, w.config.Stream)
	if err != nil {
		return err
	}
	defer events.Close()

	// The read already advanced the cursor, so a failed event is dropped and
	// the rest of the batch still goes out
	topic := w.buildTopic()
	key := w.config.Stream.String()
	dropped := 0
	for events.Next() {
		ev := events.Event()
		data, err := w.config.Transformer.Transform(w.config.Stream, ev)
		if err == nil {
			err = w.publishWithRetry(topic, key, data)
		}
		if errors.Is(err, errWorkerStopped) {
			w.logAbandoned(ev.Sequence, events)
			return err
		}
		if err != nil {
			dropped++
			log.Error().
				Err(err).
				Str("relay", w.config.Name).
				Str("stream", w.config.Stream.String()).
				Uint64("seq", ev.Sequence).
				Msg("Dropping event")
			continue
		}
		telemetry.RelayPublishedTotal.With(w.config.Name).Inc()
	}
	if err := events.Err(); err != nil {
		return err
	}
	if dropped > 0 {
		return fmt.Errorf("dropped %d events", dropped)
	}
	return nil
}

// logAbandoned reports the consumed events from first onwards that a stop
// left unpublished.
func (w *Worker) logAbandoned(first uint64, rest *stream.Events) {
	last, count := first, 1
	for rest.Next() {
		last = rest.Event().Sequence
		count++
	}
	log.Warn().
		Err(rest.Err()).
		Str("relay", w.config.Name).
		Str("stream", w.config.Stream.String()).
		Uint64("first_seq", first).
		Uint64("last_seq", last).
		Int("count", count).
		Msg("Abandoned consumed events on stop")
}

func (w *Worker) buildTopic() string {
	if w.config.TopicPrefix == "" {
		return w.config.Stream.String()
	}
	return fmt.Sprintf("%s.%s", w.config.TopicPrefix, w.config.Stream)
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		telemetry.RelayFailuresTotal.With(w.config.Name).Inc()

		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("relay", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return errWorkerStopped
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func isTerminal(err error) bool {
	return errors.Is(err, stream.ErrStreamNotFound) ||
		errors.Is(err, stream.ErrNotSubscribed) ||
		errors.Is(err, stream.ErrClosed)
}
