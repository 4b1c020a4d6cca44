package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StorageBackend selects where stream logs and subscriptions live
type StorageBackend string

const (
	StoragePebble   StorageBackend = "pebble"   // Embedded LSM under data_dir
	StorageSQLite   StorageBackend = "sqlite"   // Embedded SQLite file under data_dir
	StoragePostgres StorageBackend = "postgres" // Shared PostgreSQL database
)

// NotifierType selects the wakeup transport
type NotifierType string

const (
	NotifierLocal    NotifierType = "local"    // In-process channels
	NotifierNATS     NotifierType = "nats"     // NATS core subjects
	NotifierPostgres NotifierType = "postgres" // LISTEN/NOTIFY on the storage database
)

// PebbleConfiguration tunes the Pebble backend
type PebbleConfiguration struct {
	Dir           string `toml:"dir"` // Relative to data_dir unless absolute
	MemTableSizeM int    `toml:"memtable_size_mb"`
	DisableWAL    bool   `toml:"disable_wal"`
}

// SQLiteConfiguration tunes the SQLite backend
type SQLiteConfiguration struct {
	Path              string `toml:"path"` // Relative to data_dir unless absolute
	MaxBatchSize      int    `toml:"max_batch_size"`
	BatchWaitMS       int    `toml:"batch_wait_ms"`
	StreamCacheSize   int    `toml:"stream_cache_size"`
	BusyTimeoutMS     int    `toml:"busy_timeout_ms"`
	SynchronousNormal bool   `toml:"synchronous_normal"`
}

// PostgresConfiguration for the shared PostgreSQL backend
type PostgresConfiguration struct {
	DSN          string `toml:"dsn"` // Takes precedence over the discrete fields
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Database     string `toml:"database"`
	SSLMode      string `toml:"sslmode"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

// StorageConfiguration selects and configures the backend
type StorageConfiguration struct {
	Backend  StorageBackend        `toml:"backend"`
	Pebble   PebbleConfiguration   `toml:"pebble"`
	SQLite   SQLiteConfiguration   `toml:"sqlite"`
	Postgres PostgresConfiguration `toml:"postgres"`
}

// NotifierConfiguration selects the wakeup transport
type NotifierConfiguration struct {
	Type          NotifierType `toml:"type"`
	NatsURL       string       `toml:"nats_url"`
	SubjectPrefix string       `toml:"subject_prefix"`
	Channel       string       `toml:"channel"` // Postgres LISTEN channel
}

// StreamsConfiguration controls the broker
type StreamsConfiguration struct {
	AutoCreate                bool     `toml:"auto_create"`
	ResetSubscriptionsOnStart bool     `toml:"reset_subscriptions_on_start"`
	SweepIntervalSeconds      int      `toml:"sweep_interval_seconds"` // 0 disables the background sweep
	SessionIdleTimeoutSeconds int      `toml:"session_idle_timeout_seconds"` // 0 keeps idle sessions forever
	CompressionThresholdBytes int      `toml:"compression_threshold_bytes"`
	Precreate                 []string `toml:"precreate"`
	MaxPayloadBytes           int      `toml:"max_payload_bytes"`
}

// ServerConfiguration for the HTTP/gRPC listener
type ServerConfiguration struct {
	BindAddress        string `toml:"bind_address"`
	Port               int    `toml:"port"`
	MaxWaitSeconds     int    `toml:"max_wait_seconds"` // Upper bound for long-poll reads
	ShutdownTimeoutSec int    `toml:"shutdown_timeout_seconds"`
}

// AuthConfiguration for the HTTP API
type AuthConfiguration struct {
	Secret string `toml:"secret"` // Empty disables authentication
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled                bool `toml:"enabled"`
	CollectIntervalSeconds int  `toml:"collect_interval_seconds"`
}

// RelayConfiguration forwards matching streams to an external sink
type RelayConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`    // "kafka", "nats" or "mock"
	Format          string   `toml:"format"`  // "raw" or "json"
	Streams         []string `toml:"streams"` // Glob patterns, empty = all
	TopicPrefix     string   `toml:"topic_prefix"`
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RescanSeconds   int      `toml:"rescan_seconds"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Storage    StorageConfiguration    `toml:"storage"`
	Notifier   NotifierConfiguration   `toml:"notifier"`
	Streams    StreamsConfiguration    `toml:"streams"`
	Server     ServerConfiguration     `toml:"server"`
	Auth       AuthConfiguration       `toml:"auth"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Relays     []RelayConfiguration    `toml:"relay"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	PortFlag       = flag.Int("port", 0, "Listen port (overrides config)")
	BackendFlag    = flag.String("storage", "", "Storage backend: pebble, sqlite or postgres (overrides config)")
)

// Default returns the built-in configuration
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./tailstream-data",

		Storage: StorageConfiguration{
			Backend: StoragePebble,
			Pebble: PebbleConfiguration{
				Dir:           "streams",
				MemTableSizeM: 64,
			},
			SQLite: SQLiteConfiguration{
				Path:            "streams.db",
				MaxBatchSize:    256,
				BatchWaitMS:     2,
				StreamCacheSize: 1024,
				BusyTimeoutMS:   5000,
			},
			Postgres: PostgresConfiguration{
				Host:         "localhost",
				Port:         5432,
				User:         "postgres",
				Database:     "tailstream",
				SSLMode:      "disable",
				MaxOpenConns: 16,
			},
		},

		Notifier: NotifierConfiguration{
			Type:          NotifierLocal,
			SubjectPrefix: "tailstream.wakeup",
			Channel:       "tailstream_wakeup",
		},

		Streams: StreamsConfiguration{
			AutoCreate:                false,
			ResetSubscriptionsOnStart: true,
			SweepIntervalSeconds:      60,
			SessionIdleTimeoutSeconds: 300,
			CompressionThresholdBytes: 4096,
			MaxPayloadBytes:           1 << 20, // 1MB
		},

		Server: ServerConfiguration{
			BindAddress:        "0.0.0.0",
			Port:               8480,
			MaxWaitSeconds:     30,
			ShutdownTimeoutSec: 10,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled:                true,
			CollectIntervalSeconds: 15,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}
	if *BackendFlag != "" {
		Config.Storage.Backend = StorageBackend(*BackendFlag)
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("tailstream")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Server.Port < 1 || Config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", Config.Server.Port)
	}
	if Config.Server.MaxWaitSeconds < 0 {
		return fmt.Errorf("server max wait must be >= 0")
	}
	if Config.Server.ShutdownTimeoutSec < 1 {
		return fmt.Errorf("server shutdown timeout must be >= 1 second")
	}

	switch Config.Storage.Backend {
	case StoragePebble:
		if Config.Storage.Pebble.MemTableSizeM < 1 {
			return fmt.Errorf("pebble memtable size must be >= 1MB")
		}
	case StorageSQLite:
		if Config.Storage.SQLite.MaxBatchSize < 1 {
			return fmt.Errorf("sqlite max batch size must be >= 1")
		}
		if Config.Storage.SQLite.BatchWaitMS < 0 {
			return fmt.Errorf("sqlite batch wait must be >= 0")
		}
	case StoragePostgres:
		if Config.Storage.Postgres.DSN == "" && Config.Storage.Postgres.Host == "" {
			return fmt.Errorf("postgres storage requires dsn or host")
		}
	default:
		return fmt.Errorf("invalid storage backend: %q", Config.Storage.Backend)
	}

	switch Config.Notifier.Type {
	case NotifierLocal:
	case NotifierNATS:
		if Config.Notifier.NatsURL == "" {
			return fmt.Errorf("nats notifier requires nats_url")
		}
	case NotifierPostgres:
		if Config.Storage.Backend != StoragePostgres {
			return fmt.Errorf("postgres notifier requires postgres storage")
		}
		if Config.Notifier.Channel == "" {
			return fmt.Errorf("postgres notifier requires a channel")
		}
	default:
		return fmt.Errorf("invalid notifier type: %q", Config.Notifier.Type)
	}

	if Config.Streams.SweepIntervalSeconds < 0 {
		return fmt.Errorf("sweep interval must be >= 0")
	}
	if Config.Streams.SessionIdleTimeoutSeconds < 0 {
		return fmt.Errorf("session idle timeout must be >= 0")
	}
	if Config.Streams.SessionIdleTimeoutSeconds > 0 && Config.Streams.SweepIntervalSeconds == 0 {
		return fmt.Errorf("session idle timeout requires a sweep interval")
	}
	if Config.Streams.CompressionThresholdBytes < 0 {
		return fmt.Errorf("compression threshold must be >= 0")
	}
	if Config.Streams.MaxPayloadBytes < 1 {
		return fmt.Errorf("max payload bytes must be >= 1")
	}

	if Config.Prometheus.Enabled && Config.Prometheus.CollectIntervalSeconds < 1 {
		return fmt.Errorf("metrics collect interval must be >= 1 second")
	}

	names := make(map[string]bool, len(Config.Relays))
	for i, r := range Config.Relays {
		if r.Name == "" {
			return fmt.Errorf("relay %d: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("relay %q: duplicate name", r.Name)
		}
		names[r.Name] = true

		switch r.Type {
		case "kafka":
			if len(r.Brokers) == 0 {
				return fmt.Errorf("relay %q: kafka requires brokers", r.Name)
			}
		case "nats":
			if r.NatsURL == "" {
				return fmt.Errorf("relay %q: nats requires nats_url", r.Name)
			}
		case "mock":
		default:
			return fmt.Errorf("relay %q: invalid type %q", r.Name, r.Type)
		}
		if r.Format != "" && r.Format != "raw" && r.Format != "json" {
			return fmt.Errorf("relay %q: invalid format %q", r.Name, r.Format)
		}
	}

	return nil
}

// ResolvePath anchors a relative path under the data directory
func ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(Config.DataDir, p)
}

// PostgresDSN returns the connection string for the postgres backend
func PostgresDSN() string {
	pg := Config.Storage.Postgres
	if pg.DSN != "" {
		return pg.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		pg.Host,
		pg.Port,
		pg.User,
		pg.Password,
		pg.Database,
		pg.SSLMode,
	)
}

// IsAuthEnabled reports whether the HTTP API requires a secret
func IsAuthEnabled() bool {
	return Config.Auth.Secret != ""
}
