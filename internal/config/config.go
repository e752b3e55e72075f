// Package config assembles a typed Config at the edge of the program
// (cmd/sentinel, cmd/tbpublish) from a YAML file plus TBENC_-prefixed
// environment overrides, and hands it to the engines as a value — the
// engines themselves never read the environment directly.
//
// Adapted from the ambient pattern of the pack's S3-gateway-style
// services: spf13/viper for layered config, fsnotify (through viper's
// WatchConfig) for hot reload of the non-cryptographic operational
// knobs (audit sink settings, tracing exporter, cache address). The
// cryptographic parameters (chunk_bytes, key material) are read once at
// startup and never hot-swapped mid-session.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// HardwareConfig controls whether AES hardware acceleration diagnostics
// are reported and trusted.
type HardwareConfig struct {
	EnableAESNI    bool `mapstructure:"enable_aesni"`
	EnableARMv8AES bool `mapstructure:"enable_armv8_aes"`
}

// AuditSinkConfig configures where audit events are written.
type AuditSinkConfig struct {
	Type          string            `mapstructure:"type"` // "stdout", "file", "http"
	Endpoint      string            `mapstructure:"endpoint"`
	Headers       map[string]string `mapstructure:"headers"`
	FilePath      string            `mapstructure:"file_path"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
	RetryCount    int               `mapstructure:"retry_count"`
	RetryBackoff  time.Duration     `mapstructure:"retry_backoff"`
}

// AuditConfig controls the audit trail of encrypt/decrypt/authorize operations.
type AuditConfig struct {
	Enabled             bool            `mapstructure:"enabled"`
	MaxEvents           int             `mapstructure:"max_events"`
	RedactMetadataKeys  []string        `mapstructure:"redact_metadata_keys"`
	Sink                AuditSinkConfig `mapstructure:"sink"`
}

// BackendConfig configures the S3-compatible ciphertext object store.
type BackendConfig struct {
	Provider  string `mapstructure:"provider"` // "aws", "minio", "garage", ...
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
}

// CacheConfig configures the Redis-backed authorization-request de-duplication cache.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// KMIPKeyReference identifies a single wrapping key by id and version.
type KMIPKeyReference struct {
	ID      string `mapstructure:"id"`
	Version int    `mapstructure:"version"`
}

// KMIPConfig configures the encoder-side KMIP key manager used to wrap
// per-asset DEKs before they are handed to the publishing pipeline.
type KMIPConfig struct {
	Enabled        bool               `mapstructure:"enabled"`
	Endpoint       string             `mapstructure:"endpoint"`
	Keys           []KMIPKeyReference `mapstructure:"keys"`
	CAFile         string             `mapstructure:"ca_file"`
	TimeoutSeconds int                `mapstructure:"timeout_seconds"`
	Provider       string             `mapstructure:"provider"`
	DualReadWindow int                `mapstructure:"dual_read_window"`
}

// TracingConfig selects the OpenTelemetry exporter for decoder/encoder
// state-machine spans.
type TracingConfig struct {
	Exporter    string `mapstructure:"exporter"` // "otlp", "jaeger", "stdout", "none"
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// Config is the fully assembled configuration handed to the
// Sentinel (decoder) and tbpublish (encoder) binaries.
type Config struct {
	// Decoder-facing (spec.md §6 configuration table).
	TargetDirectory        string   `mapstructure:"target_directory"`
	SinkPath               string   `mapstructure:"sink_path"`
	ReadySignalPath        string   `mapstructure:"ready_signal_path"`
	AuthorizationEndpoint  string   `mapstructure:"authorization_endpoint"`
	ContractID             string   `mapstructure:"contract_id"`
	AssetID                string   `mapstructure:"asset_id"`
	HWID                   string   `mapstructure:"hw_id"`
	AssetIDAllowlist       []string `mapstructure:"asset_id_allowlist"`

	// Encoder-only.
	ChunkBytes uint32 `mapstructure:"chunk_bytes"`

	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`

	Hardware HardwareConfig `mapstructure:"hardware"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Cache    CacheConfig    `mapstructure:"cache"`
	KMIP     KMIPConfig     `mapstructure:"kmip"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("chunk_bytes", 4*1024*1024)
	v.SetDefault("log_level", "info")
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.max_events", 10000)
	v.SetDefault("audit.sink.type", "stdout")
	v.SetDefault("backend.provider", "aws")
	v.SetDefault("cache.addr", "127.0.0.1:6379")
	v.SetDefault("cache.lock_ttl", 30*time.Second)
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.service_name", "tbenc-sentinel")
	v.SetDefault("hardware.enable_aesni", true)
	v.SetDefault("hardware.enable_armv8_aes", true)
}

// Load reads configuration from path (if non-empty) plus TBENC_-prefixed
// environment variables, applying defaults for anything unset. onChange,
// if non-nil, is invoked with the reloaded Config whenever the config
// file changes on disk (ignored for in-memory/no-file configurations).
func Load(path string, onChange func(Config)) (Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("TBENC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if path != "" && onChange != nil {
		v.OnConfigChange(func(_ fsnotify.Event) {
			var reloaded Config
			if err := v.Unmarshal(&reloaded); err == nil {
				onChange(reloaded)
			}
		})
		v.WatchConfig()
	}

	return cfg, nil
}
