package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/tailstream/cfg"
	"github.com/maxpert/tailstream/stream"
	"github.com/rs/zerolog/log"
)

// Broker is the subset of stream.Broker a relay needs
type Broker interface {
	NodeID() uint64
	ListStreams(ctx context.Context) ([]stream.StreamID, error)
	Session(sub stream.SubscriberID) (*stream.Session, error)
}

// relay is one configured sink with a worker per matching stream
type relay struct {
	config      cfg.RelayConfiguration
	sink        Sink
	transformer Transformer
	filter      Filter
	session     *stream.Session
	workers     map[stream.StreamID]*Worker
}

// Registry manages the lifecycle of all relays
type Registry struct {
	broker  Broker
	relays  []*relay
	rescan  time.Duration
	running atomic.Bool
	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRegistry creates sinks for every relay configuration
func NewRegistry(broker Broker, configs []cfg.RelayConfiguration) (*Registry, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker is required")
	}

	r := &Registry{
		broker: broker,
		relays: make([]*relay, 0, len(configs)),
		rescan: DefaultRescanInterval,
	}
	for _, c := range configs {
		if err := r.AddRelay(c); err != nil {
			r.closeSinks()
			return nil, fmt.Errorf("failed to add relay %q: %w", c.Name, err)
		}
	}

	log.Info().Int("relays", len(r.relays)).Msg("Relay registry initialized")
	return r, nil
}

// AddRelay creates the sink, transformer and filter of one relay
func (r *Registry) AddRelay(config cfg.RelayConfiguration) error {
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	return r.addRelayWithSink(config, snk)
}

func (r *Registry) addRelayWithSink(config cfg.RelayConfiguration, snk Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	format := config.Format
	if format == "" {
		format = "raw"
	}
	trans, err := createTransformer(format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.Streams)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	if config.RescanSeconds > 0 {
		if d := time.Duration(config.RescanSeconds) * time.Second; d < r.rescan {
			r.rescan = d
		}
	}

	r.relays = append(r.relays, &relay{
		config:      config,
		sink:        snk,
		transformer: trans,
		filter:      filter,
		workers:     make(map[stream.StreamID]*Worker),
	})

	log.Info().
		Str("relay", config.Name).
		Str("type", config.Type).
		Str("format", format).
		Strs("streams", config.Streams).
		Msg("Added relay")
	return nil
}

// SubscriberID returns the identity a relay subscribes with on nodeID. It
// carries the node prefix so a restart purges only this node's relay cursors.
func SubscriberID(nodeID uint64, name string) stream.SubscriberID {
	return stream.SubscriberID(stream.NodePrefix(nodeID) + "relay-" + name)
}

// Start opens a session per relay, starts workers for matching streams and
// rescans periodically for streams created or dropped later.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running.Load() {
		r.mu.Unlock()
		return fmt.Errorf("relay registry already running")
	}
	for _, rl := range r.relays {
		s, err := r.broker.Session(SubscriberID(r.broker.NodeID(), rl.config.Name))
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("failed to open session for relay %q: %w", rl.config.Name, err)
		}
		// Relay sessions live as long as the registry
		s.Pin()
		rl.session = s
	}
	r.stopCh = make(chan struct{})
	r.running.Store(true)
	r.mu.Unlock()

	log.Info().Int("relays", len(r.relays)).Dur("rescan", r.rescan).Msg("Starting relay registry")
	r.Scan(ctx)

	r.wg.Add(1)
	go r.rescanLoop()
	return nil
}

func (r *Registry) rescanLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.rescan)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.rescan)
			r.Scan(ctx)
			cancel()
		}
	}
}

// Scan reconciles workers with the current set of streams
func (r *Registry) Scan(ctx context.Context) {
	ids, err := r.broker.ListStreams(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list streams for relays")
		return
	}
	live := make(map[stream.StreamID]struct{}, len(ids))
	for _, id := range ids {
		live[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running.Load() {
		return
	}

	for _, rl := range r.relays {
		for id, w := range rl.workers {
			_, ok := live[id]
			exited := false
			select {
			case <-w.Done():
				exited = true
			default:
			}
			if ok && !exited {
				continue
			}
			w.Stop()
			delete(rl.workers, id)
			// Drops the notifier interest too; a still-live stream is rejoined below
			if err := rl.session.Unsubscribe(ctx, id); err != nil {
				log.Warn().Err(err).Str("relay", rl.config.Name).Str("stream", id.String()).Msg("Failed to release relay subscription")
			}
		}

		for _, id := range ids {
			if _, ok := rl.workers[id]; ok || !rl.filter.Match(id) {
				continue
			}
			w, err := r.startWorker(ctx, rl, id)
			if err != nil {
				log.Warn().Err(err).Str("relay", rl.config.Name).Str("stream", id.String()).Msg("Failed to start relay worker")
				continue
			}
			rl.workers[id] = w
		}
	}
}

func (r *Registry) startWorker(ctx context.Context, rl *relay, id stream.StreamID) (*Worker, error) {
	_, err := rl.session.Subscribe(ctx, id)
	if errors.Is(err, stream.ErrAlreadySubscribed) {
		// A subscription left behind by an earlier process; take it over
		if err := r.takeOver(ctx, rl, id); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	w, err := NewWorker(WorkerConfig{
		Name:            rl.config.Name,
		Stream:          id,
		Session:         rl.session,
		Sink:            rl.sink,
		Transformer:     rl.transformer,
		TopicPrefix:     rl.config.TopicPrefix,
		PollInterval:    time.Duration(rl.config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(rl.config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(rl.config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: rl.config.RetryMultiplier,
		MaxRetries:      rl.config.MaxRetries,
	})
	if err != nil {
		_ = rl.session.Unsubscribe(ctx, id)
		return nil, err
	}
	w.Start()
	return w, nil
}

func (r *Registry) takeOver(ctx context.Context, rl *relay, id stream.StreamID) error {
	if err := rl.session.Unsubscribe(ctx, id); err != nil {
		return err
	}
	_, err := rl.session.Subscribe(ctx, id)
	if err == nil {
		log.Warn().Str("relay", rl.config.Name).Str("stream", id.String()).Msg("Replaced stale relay subscription")
	}
	return err
}

// Workers returns the streams each relay is currently forwarding
func (r *Registry) Workers() map[string][]stream.StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]stream.StreamID, len(r.relays))
	for _, rl := range r.relays {
		ids := make([]stream.StreamID, 0, len(rl.workers))
		for id := range rl.workers {
			ids = append(ids, id)
		}
		out[rl.config.Name] = ids
	}
	return out
}

// Stop stops every worker, ends the relay sessions and closes sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	wasRunning := r.running.Swap(false)
	if wasRunning {
		close(r.stopCh)
	}
	r.mu.Unlock()

	if wasRunning {
		r.wg.Wait()
		log.Info().Msg("Stopping relay registry")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, rl := range r.relays {
		for id, w := range rl.workers {
			w.Stop()
			delete(rl.workers, id)
		}
		if rl.session != nil {
			if err := rl.session.Close(ctx); err != nil {
				log.Warn().Err(err).Str("relay", rl.config.Name).Msg("Failed to close relay session")
			}
			rl.session = nil
		}
	}
	r.closeSinksLocked()

	if wasRunning {
		log.Info().Msg("Relay registry stopped")
	}
}

func (r *Registry) closeSinks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeSinksLocked()
}

func (r *Registry) closeSinksLocked() {
	for _, rl := range r.relays {
		if rl.sink == nil {
			continue
		}
		if err := rl.sink.Close(); err != nil {
			log.Warn().Err(err).Str("relay", rl.config.Name).Msg("Failed to close relay sink")
		}
		rl.sink = nil
	}
}

// createSink creates a sink based on the configuration
func createSink(config cfg.RelayConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.RelayConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}
