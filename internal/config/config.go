// Package config loads this tool's YAML configuration via viper, merging a
// built-in default configuration with whatever the operator supplies
// (config file, environment variables prefixed AFF4_) via mergo.
package config

import (
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/viper"
)

// HardwareConfig toggles CPU-specific AES acceleration paths.
type HardwareConfig struct {
	EnableAESNI    bool `mapstructure:"enable_aesni"`
	EnableARMv8AES bool `mapstructure:"enable_armv8_aes"`
}

// KMIPKeyConfig names one wrapping key a KMIP server holds.
type KMIPKeyConfig struct {
	ID      string `mapstructure:"id"`
	Version int    `mapstructure:"version"`
}

// KMIPConfig configures the Cosmian KMIP-backed KeyManager.
type KMIPConfig struct {
	Enabled        bool            `mapstructure:"enabled"`
	Endpoint       string          `mapstructure:"endpoint"`
	Keys           []KMIPKeyConfig `mapstructure:"keys"`
	CAFile         string          `mapstructure:"ca_file"`
	Timeout        time.Duration   `mapstructure:"timeout"`
	Provider       string          `mapstructure:"provider"`
	DualReadWindow int             `mapstructure:"dual_read_window"`
}

// SinkConfig configures where audit events are written.
type SinkConfig struct {
	Type          string            `mapstructure:"type"` // "stdout", "file", "http"
	Endpoint      string            `mapstructure:"endpoint"`
	Headers       map[string]string `mapstructure:"headers"`
	FilePath      string            `mapstructure:"file_path"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
	RetryCount    int               `mapstructure:"retry_count"`
	RetryBackoff  time.Duration     `mapstructure:"retry_backoff"`
}

// AuditConfig configures container lifecycle audit logging.
type AuditConfig struct {
	Enabled             bool       `mapstructure:"enabled"`
	MaxEvents           int        `mapstructure:"max_events"`
	RedactMetadataKeys  []string   `mapstructure:"redact_metadata_keys"`
	Sink                SinkConfig `mapstructure:"sink"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	MetricsEnabled    bool   `mapstructure:"metrics_enabled"`
	MetricsListenAddr string `mapstructure:"metrics_listen_addr"`
	TracingEnabled    bool   `mapstructure:"tracing_enabled"`
	OTLPEndpoint      string `mapstructure:"otlp_endpoint"`
	ServiceName       string `mapstructure:"service_name"`
}

// Config is the tool's full configuration tree.
type Config struct {
	Hardware  HardwareConfig  `mapstructure:"hardware"`
	KMIP      KMIPConfig      `mapstructure:"kmip"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// Default returns the built-in configuration used when no file or
// environment override is present.
func Default() Config {
	return Config{
		Hardware: HardwareConfig{EnableAESNI: true, EnableARMv8AES: true},
		KMIP: KMIPConfig{
			Timeout:        10 * time.Second,
			Provider:       "cosmian-kmip",
			DualReadWindow: 1,
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 10000,
			Sink:      SinkConfig{Type: "stdout"},
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled:    true,
			MetricsListenAddr: ":9090",
			ServiceName:       "aff4container",
		},
	}
}

// Load reads path (if non-empty) and AFF4_-prefixed environment variables,
// merging them over Default(). A missing path is not an error: the
// defaults apply and environment variables can still override them.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AFF4")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return Config{}, fmt.Errorf("config: decoding: %w", err)
	}

	merged := Default()
	if err := mergo.Merge(&merged, loaded, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("config: merging defaults: %w", err)
	}
	return merged, nil
}
