package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/maxpert/tailstream/api"
	"github.com/maxpert/tailstream/cfg"
	"github.com/maxpert/tailstream/notify"
	"github.com/maxpert/tailstream/relay"
	_ "github.com/maxpert/tailstream/relay/sink"
	"github.com/maxpert/tailstream/server"
	"github.com/maxpert/tailstream/store/pebblestore"
	"github.com/maxpert/tailstream/store/pgstore"
	"github.com/maxpert/tailstream/store/sqlitestore"
	"github.com/maxpert/tailstream/stream"
	"github.com/maxpert/tailstream/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// notifierCloser is a stream.Notifier owning background resources
type notifierCloser interface {
	stream.Notifier
	Close() error
}

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Tailstream - multi-subscriber append-only streams")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Phase 1: storage
	log.Info().Str("backend", string(cfg.Config.Storage.Backend)).Msg("Opening stream store")
	store, pgDB, err := openStore(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open stream store")
		return
	}

	// Phase 2: wakeup transport
	notifier, err := openNotifier(pgDB)
	if err != nil {
		store.Close()
		log.Fatal().Err(err).Msg("Failed to start notifier")
		return
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close notifier")
		}
	}()

	// Phase 3: broker
	broker, err := stream.NewBroker(ctx, stream.BrokerConfig{
		Store:              store,
		Notifier:           notifier,
		NodeID:             cfg.Config.NodeID,
		AutoCreate:         cfg.Config.Streams.AutoCreate,
		ResetSubscriptions: cfg.Config.Streams.ResetSubscriptionsOnStart,
	})
	if err != nil {
		store.Close()
		log.Fatal().Err(err).Msg("Failed to initialize broker")
		return
	}
	defer func() {
		if err := broker.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close broker")
		}
	}()

	precreateStreams(ctx, broker)

	// Phase 4: background maintenance
	if cfg.Config.Streams.SweepIntervalSeconds > 0 {
		sweeper := stream.NewSweeper(broker, stream.SweeperConfig{
			Interval:           time.Duration(cfg.Config.Streams.SweepIntervalSeconds) * time.Second,
			SessionIdleTimeout: time.Duration(cfg.Config.Streams.SessionIdleTimeoutSeconds) * time.Second,
		})
		sweeper.Start()
		defer sweeper.Stop()
	}

	if cfg.Config.Prometheus.Enabled {
		collector := telemetry.NewMetricsCollector(broker, time.Duration(cfg.Config.Prometheus.CollectIntervalSeconds)*time.Second)
		collector.Start()
		defer collector.Stop()
	}

	// Phase 5: relays
	if len(cfg.Config.Relays) > 0 {
		registry, err := relay.NewRegistry(broker, cfg.Config.Relays)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize relays")
			return
		}
		if err := registry.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start relays")
			return
		}
		defer registry.Stop()
	}

	// Phase 6: HTTP + gRPC listener
	srv := server.New(server.Config{
		Address: cfg.Config.Server.BindAddress,
		Port:    cfg.Config.Server.Port,
	})
	srv.SetMetricsHandler(telemetry.GetMetricsHandler())
	srv.Handle("/v1/", api.NewRouter(api.NewHandlers(broker, api.Options{
		MaxWait:         time.Duration(cfg.Config.Server.MaxWaitSeconds) * time.Second,
		MaxPayloadBytes: int64(cfg.Config.Streams.MaxPayloadBytes),
		NodeID:          cfg.Config.NodeID,
	})))
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
		return
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Config.Server.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		srv.Stop(shutdownCtx)
	}()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("address", srv.Addr().String()).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Tailstream is operational")

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")
	srv.SetServing(false)
}

// openStore opens the configured backend. The returned database is non-nil
// only for postgres.
func openStore(ctx context.Context) (stream.Store, *sqlx.DB, error) {
	threshold := cfg.Config.Streams.CompressionThresholdBytes

	switch cfg.Config.Storage.Backend {
	case cfg.StoragePebble:
		pc := cfg.Config.Storage.Pebble
		st, err := pebblestore.Open(cfg.ResolvePath(pc.Dir), pebblestore.Options{
			MemTableSize:         uint64(pc.MemTableSizeM) << 20,
			DisableWAL:           pc.DisableWAL,
			CompressionThreshold: threshold,
		})
		return st, nil, err

	case cfg.StorageSQLite:
		sc := cfg.Config.Storage.SQLite
		st, err := sqlitestore.Open(ctx, cfg.ResolvePath(sc.Path), sqlitestore.Options{
			MaxBatchSize:         sc.MaxBatchSize,
			BatchWait:            time.Duration(sc.BatchWaitMS) * time.Millisecond,
			CacheSize:            sc.StreamCacheSize,
			BusyTimeout:          time.Duration(sc.BusyTimeoutMS) * time.Millisecond,
			SynchronousNormal:    sc.SynchronousNormal,
			CompressionThreshold: threshold,
		})
		return st, nil, err

	case cfg.StoragePostgres:
		st, err := pgstore.Open(ctx, cfg.PostgresDSN(), pgstore.Options{
			MaxOpenConns:         cfg.Config.Storage.Postgres.MaxOpenConns,
			CompressionThreshold: threshold,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, st.DB(), nil
	}

	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Config.Storage.Backend)
}

func openNotifier(pgDB *sqlx.DB) (notifierCloser, error) {
	nc := cfg.Config.Notifier
	switch nc.Type {
	case cfg.NotifierNATS:
		log.Info().Str("url", nc.NatsURL).Str("prefix", nc.SubjectPrefix).Msg("Using NATS wakeups")
		return notify.NewNatsNotifier(nc.NatsURL, nc.SubjectPrefix)
	case cfg.NotifierPostgres:
		if pgDB == nil {
			return nil, errors.New("postgres notifier requires postgres storage")
		}
		log.Info().Str("channel", nc.Channel).Msg("Using Postgres LISTEN/NOTIFY wakeups")
		return notify.NewPGNotifier(pgDB.DB, cfg.PostgresDSN(), nc.Channel)
	default:
		return notify.NewHub(), nil
	}
}

func precreateStreams(ctx context.Context, broker *stream.Broker) {
	for _, name := range cfg.Config.Streams.Precreate {
		_, err := broker.CreateStream(ctx, stream.StreamID(name))
		if err != nil && !errors.Is(err, stream.ErrStreamExists) {
			log.Warn().Err(err).Str("stream", name).Msg("Failed to precreate stream")
		}
	}
}
