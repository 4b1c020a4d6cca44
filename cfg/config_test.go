package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidate_Defaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	if err := Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Server.Port = 0

	if err := Validate(); err == nil {
		t.Error("Expected error for invalid server port")
	}
}

func TestValidate_InvalidBackend(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Storage.Backend = "rocksdb"

	err := Validate()
	if err == nil || !strings.Contains(err.Error(), "storage backend") {
		t.Errorf("Expected storage backend error, got: %v", err)
	}
}

func TestValidate_PostgresNotifierRequiresPostgresStorage(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Notifier.Type = NotifierPostgres

	if err := Validate(); err == nil {
		t.Error("Expected error for postgres notifier on pebble storage")
	}

	Config.Storage.Backend = StoragePostgres
	if err := Validate(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestValidate_NatsNotifierRequiresURL(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Notifier.Type = NotifierNATS

	if err := Validate(); err == nil {
		t.Error("Expected error for nats notifier without url")
	}

	Config.Notifier.NatsURL = "nats://localhost:4222"
	if err := Validate(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestValidate_NegativeSweepInterval(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Streams.SweepIntervalSeconds = -1

	if err := Validate(); err == nil {
		t.Error("Expected error for negative sweep interval")
	}
}

func TestValidate_SessionIdleTimeout(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	if Config.Streams.SessionIdleTimeoutSeconds != 300 {
		t.Errorf("Expected default idle timeout 300, got %d", Config.Streams.SessionIdleTimeoutSeconds)
	}

	Config.Streams.SessionIdleTimeoutSeconds = -1
	if err := Validate(); err == nil {
		t.Error("Expected error for negative idle timeout")
	}

	Config.Streams.SessionIdleTimeoutSeconds = 300
	Config.Streams.SweepIntervalSeconds = 0
	if err := Validate(); err == nil || !strings.Contains(err.Error(), "sweep interval") {
		t.Errorf("Expected sweep interval error, got: %v", err)
	}

	Config.Streams.SessionIdleTimeoutSeconds = 0
	if err := Validate(); err != nil {
		t.Errorf("Expected no error with both disabled, got: %v", err)
	}
}

func TestValidate_Relays(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name    string
		relays  []RelayConfiguration
		wantErr string
	}{
		{
			name:    "missing name",
			relays:  []RelayConfiguration{{Type: "kafka", Brokers: []string{"localhost:9092"}}},
			wantErr: "name is required",
		},
		{
			name: "duplicate name",
			relays: []RelayConfiguration{
				{Name: "a", Type: "nats", NatsURL: "nats://localhost:4222"},
				{Name: "a", Type: "nats", NatsURL: "nats://localhost:4222"},
			},
			wantErr: "duplicate",
		},
		{
			name:    "kafka without brokers",
			relays:  []RelayConfiguration{{Name: "k", Type: "kafka"}},
			wantErr: "brokers",
		},
		{
			name:    "unknown type",
			relays:  []RelayConfiguration{{Name: "x", Type: "sqs"}},
			wantErr: "invalid type",
		},
		{
			name:    "unknown format",
			relays:  []RelayConfiguration{{Name: "n", Type: "nats", NatsURL: "nats://x", Format: "avro"}},
			wantErr: "invalid format",
		},
		{
			name:   "valid",
			relays: []RelayConfiguration{{Name: "n", Type: "nats", NatsURL: "nats://x", Format: "json"}},
		},
		{
			name:   "mock needs no endpoint",
			relays: []RelayConfiguration{{Name: "m", Type: "mock"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = Default()
			Config.Relays = tt.relays

			err := Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	if _, err := generateNodeID(); err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}

	tempDir := t.TempDir()
	Config = Default()
	Config.DataDir = filepath.Join(tempDir, "data")

	if err := Load("non-existent-file.toml"); err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	if Config.NodeID == 0 {
		t.Error("Expected node ID to be auto-generated")
	}
	if _, err := os.Stat(Config.DataDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestLoad_File(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "config.toml")
	content := `
node_id = 42
data_dir = "` + filepath.ToSlash(filepath.Join(tempDir, "data")) + `"

[storage]
backend = "sqlite"

[storage.sqlite]
path = "events.db"
max_batch_size = 32

[streams]
auto_create = true
sweep_interval_seconds = 0
session_idle_timeout_seconds = 0
precreate = ["orders", "audit"]

[[relay]]
name = "to-kafka"
type = "kafka"
brokers = ["localhost:9092"]
streams = ["orders.*"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	Config = Default()
	if err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.NodeID != 42 {
		t.Errorf("Expected node_id 42, got %d", Config.NodeID)
	}
	if Config.Storage.Backend != StorageSQLite {
		t.Errorf("Expected sqlite backend, got %s", Config.Storage.Backend)
	}
	if Config.Storage.SQLite.MaxBatchSize != 32 {
		t.Errorf("Expected batch size 32, got %d", Config.Storage.SQLite.MaxBatchSize)
	}
	// Untouched keys keep their defaults
	if Config.Storage.SQLite.BusyTimeoutMS != 5000 {
		t.Errorf("Expected default busy timeout, got %d", Config.Storage.SQLite.BusyTimeoutMS)
	}
	if !Config.Streams.AutoCreate || Config.Streams.SweepIntervalSeconds != 0 || Config.Streams.SessionIdleTimeoutSeconds != 0 {
		t.Error("Streams section not applied")
	}
	if len(Config.Streams.Precreate) != 2 {
		t.Errorf("Expected 2 precreated streams, got %d", len(Config.Streams.Precreate))
	}
	if len(Config.Relays) != 1 || Config.Relays[0].Name != "to-kafka" {
		t.Errorf("Relay not decoded: %+v", Config.Relays)
	}
	if got := ResolvePath(Config.Storage.SQLite.Path); got != filepath.Join(Config.DataDir, "events.db") {
		t.Errorf("Unexpected resolved path: %s", got)
	}
	if err := Validate(); err != nil {
		t.Errorf("Expected loaded config to validate, got: %v", err)
	}
}

func TestResolvePath_Absolute(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "x.db")
	if got := ResolvePath(abs); got != abs {
		t.Errorf("Expected absolute path unchanged, got %s", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	dsn := PostgresDSN()
	if !strings.Contains(dsn, "dbname=tailstream") || !strings.Contains(dsn, "sslmode=disable") {
		t.Errorf("Unexpected DSN: %s", dsn)
	}

	Config.Storage.Postgres.DSN = "postgres://u:p@db/x"
	if got := PostgresDSN(); got != "postgres://u:p@db/x" {
		t.Errorf("Expected explicit DSN, got %s", got)
	}
}

func TestGenerateNodeID(t *testing.T) {
	id1, err := generateNodeID()
	if err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}

	if id1 == 0 {
		t.Error("Generated node ID should not be 0")
	}

	id2, err := generateNodeID()
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if id1 != id2 {
		t.Error("Node ID should be deterministic for same machine")
	}
}
