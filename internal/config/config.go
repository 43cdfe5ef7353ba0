// Package config loads the bucket-bridge YAML configuration.
//
// Secrets stay out of the file: a .env next to the config (and in the working
// directory) is loaded first, then ${VAR} references in the YAML are expanded
// from the environment before parsing.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/bucket-bridge/internal/controller"
	"github.com/ChuLiYu/bucket-bridge/internal/storage"
)

// ============================================================================
// 設定結構
// ============================================================================

// Config represents the complete configuration file.
type Config struct {
	Engine      EngineConfig             `yaml:"engine"`
	Persistence PersistenceConfig        `yaml:"persistence"`
	Metrics     MetricsConfig            `yaml:"metrics"`
	Server      ServerConfig             `yaml:"server"`
	Notify      NotifyConfig             `yaml:"notify"`
	Log         LogConfig                `yaml:"log"`
	Accounts    map[string]AccountConfig `yaml:"accounts"`
}

// EngineConfig 調度與傳輸參數
type EngineConfig struct {
	Workers            int           `yaml:"workers"`
	QueueCapacity      int           `yaml:"queue_capacity"`
	MaxAttempts        int           `yaml:"max_attempts"`
	ChunkSize          ByteSize      `yaml:"chunk_size"`
	PartSize           ByteSize      `yaml:"part_size"`
	MultipartThreshold ByteSize      `yaml:"multipart_threshold"`
	InactivityTimeout  time.Duration `yaml:"inactivity_timeout"`
	ProgressInterval   time.Duration `yaml:"progress_interval"`
	ThroughputWindow   time.Duration `yaml:"throughput_window"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
	ClientTTL          time.Duration `yaml:"client_ttl"`
}

// PersistenceConfig 快照與 WAL
type PersistenceConfig struct {
	DataDir          string        `yaml:"data_dir"`
	PersistInterval  time.Duration `yaml:"persist_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotBackups  int           `yaml:"snapshot_backups"`
	SyncWAL          bool          `yaml:"sync_wal"`
	MaxJobAge        time.Duration `yaml:"max_job_age"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ServerConfig is the gRPC control endpoint.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// NotifyConfig publishes job updates to NATS.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// AccountConfig is one named credential profile.
type AccountConfig struct {
	Backend        string `yaml:"backend"` // s3 | minio | memory
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// ByteSize accepts either a plain integer or a base-2 size such as "8MiB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	parsed, err := units.ParseBase2Bytes(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*b = ByteSize(parsed)
	return nil
}

func (b ByteSize) String() string {
	return units.Base2Bytes(b).String()
}

// ============================================================================
// 載入
// ============================================================================

var (
	ErrInvalidConfig = errors.New("invalid config")
)

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Workers:            controller.DefaultWorkers,
			QueueCapacity:      controller.DefaultQueueCapacity,
			MaxAttempts:        3,
			ChunkSize:          256 << 10,
			PartSize:           8 << 20,
			MultipartThreshold: 100 << 20,
			InactivityTimeout:  time.Minute,
			ProgressInterval:   200 * time.Millisecond,
			ThroughputWindow:   5 * time.Second,
			DrainTimeout:       controller.DefaultDrainTimeout,
			ClientTTL:          time.Hour,
		},
		Persistence: PersistenceConfig{
			DataDir:          defaultDataDir(),
			PersistInterval:  controller.DefaultPersistInterval,
			SnapshotInterval: controller.DefaultSnapshotInterval,
			SnapshotBackups:  2,
			MaxJobAge:        controller.DefaultMaxJobAge,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Server:  ServerConfig{Addr: "127.0.0.1:50051"},
		Notify:  NotifyConfig{URL: "nats://127.0.0.1:4222", Subject: "bucketbridge.updates"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultAccount is the profile name used when the file declares none.
const DefaultAccount = "default"

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "bucket-bridge")
	}
	return ".bucket-bridge"
}

// Load reads path over Default(). A missing file yields the defaults so the
// binary works without any config.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := Parse(data, &cfg); err != nil {
			return nil, err
		}
	}
	if len(cfg.Accounts) == 0 {
		cfg.Accounts = map[string]AccountConfig{DefaultAccount: {Backend: storage.BackendS3}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse expands environment references in data and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

// loadDotEnv loads the first .env files that exist; variables already in the
// environment win.
func loadDotEnv(paths ...string) {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if err := godotenv.Load(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to load env file", "path", abs, "error", err)
		}
	}
}

// Validate checks values a default cannot repair.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	e := c.Engine
	check(e.Workers > 0, "engine.workers must be positive, got %d", e.Workers)
	check(e.QueueCapacity > 0, "engine.queue_capacity must be positive, got %d", e.QueueCapacity)
	check(e.MaxAttempts > 0, "engine.max_attempts must be positive, got %d", e.MaxAttempts)
	check(e.ChunkSize > 0, "engine.chunk_size must be positive")
	check(e.PartSize >= 5<<20, "engine.part_size must be at least 5MiB, got %s", e.PartSize)
	check(e.MultipartThreshold >= e.PartSize, "engine.multipart_threshold must not be below part_size")

	p := c.Persistence
	check(p.DataDir != "", "persistence.data_dir is required")
	check(p.PersistInterval > 0, "persistence.persist_interval must be positive")
	check(p.SnapshotInterval > 0, "persistence.snapshot_interval must be positive")

	check(!c.Metrics.Enabled || c.Metrics.Addr != "", "metrics.addr is required when metrics are enabled")
	check(!c.Server.Enabled || c.Server.Addr != "", "server.addr is required when the server is enabled")
	check(!c.Notify.Enabled || (c.Notify.URL != "" && c.Notify.Subject != ""), "notify.url and notify.subject are required when notify is enabled")

	var lvl slog.Level
	check(lvl.UnmarshalText([]byte(c.Log.Level)) == nil, "log.level %q is not a level", c.Log.Level)
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)

	check(len(c.Accounts) > 0, "at least one account is required")
	for name, a := range c.Accounts {
		switch a.Backend {
		case "", storage.BackendS3, storage.BackendMinio, storage.BackendMemory:
		default:
			check(false, "accounts.%s.backend %q is not one of s3, minio, memory", name, a.Backend)
		}
		check(a.Backend != storage.BackendMinio || a.Endpoint != "", "accounts.%s.endpoint is required for minio", name)
	}
	return errors.Join(errs...)
}

// ============================================================================
// 轉換
// ============================================================================

// Profiles returns the account profiles sorted by name.
func (c *Config) Profiles() []storage.Profile {
	out := make([]storage.Profile, 0, len(c.Accounts))
	for name, a := range c.Accounts {
		backend := a.Backend
		if backend == "" {
			backend = storage.BackendS3
		}
		out = append(out, storage.Profile{
			Name:           name,
			Backend:        backend,
			AccessKey:      a.AccessKey,
			SecretKey:      a.SecretKey,
			Region:         a.Region,
			EndpointURL:    a.Endpoint,
			ForcePathStyle: a.ForcePathStyle,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToController maps the engine and persistence sections onto the controller.
func (c *Config) ToController() controller.Config {
	return controller.Config{
		Workers:            c.Engine.Workers,
		QueueCapacity:      c.Engine.QueueCapacity,
		MaxAttempts:        c.Engine.MaxAttempts,
		ChunkSize:          int(c.Engine.ChunkSize),
		PartSize:           int64(c.Engine.PartSize),
		MultipartThreshold: int64(c.Engine.MultipartThreshold),
		InactivityTimeout:  c.Engine.InactivityTimeout,
		ProgressInterval:   c.Engine.ProgressInterval,
		ThroughputWindow:   c.Engine.ThroughputWindow,
		DataDir:            c.Persistence.DataDir,
		PersistInterval:    c.Persistence.PersistInterval,
		SnapshotInterval:   c.Persistence.SnapshotInterval,
		SnapshotBackups:    c.Persistence.SnapshotBackups,
		SyncWAL:            c.Persistence.SyncWAL,
		MaxJobAge:          c.Persistence.MaxJobAge,
		DrainTimeout:       c.Engine.DrainTimeout,
	}
}

// Handler builds the slog handler described by the log section.
func (l LogConfig) Handler(w io.Writer) slog.Handler {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(l.Level))
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
