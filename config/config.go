// Package config loads pacsd's static configuration from a YAML file,
// environment variables, and built-in defaults, following the same
// viper-based precedence rules the rest of the storage-appliance
// ecosystem uses.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dicomnet/pacscore/storage"
)

// Config is pacsd's complete static configuration.
//
// Precedence (highest to lowest):
//  1. Environment variables (PACSD_*), for keys the configuration file
//     sets; a variable for a key absent from the file is not read
//  2. Configuration file (YAML)
//  3. Built-in defaults
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Storage     storage.Config    `mapstructure:"storage" yaml:"storage"`
	Blobs       BlobConfig        `mapstructure:"blobs" yaml:"blobs"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" yaml:"pipeline"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Move        MoveConfig        `mapstructure:"move" yaml:"move"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
}

// ServerConfig configures the DICOM upper-layer listener.
type ServerConfig struct {
	AETitle                string        `mapstructure:"ae_title" yaml:"ae_title"`
	ListenAddr             string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	MaxPDULength           uint32        `mapstructure:"max_pdu_length" yaml:"max_pdu_length"`
	AssociationIdleTimeout time.Duration `mapstructure:"association_idle_timeout" yaml:"association_idle_timeout"`
}

// BlobConfig configures the filesystem-backed instance blob store.
type BlobConfig struct {
	RootDir string `mapstructure:"root_dir" yaml:"root_dir"`
}

// PipelineConfig configures per-stage worker pool sizes for the job
// pipeline coordinator.
type PipelineConfig struct {
	NetworkReceiveWorkers int           `mapstructure:"network_receive_workers" yaml:"network_receive_workers"`
	PDUDecodeWorkers      int           `mapstructure:"pdu_decode_workers" yaml:"pdu_decode_workers"`
	DIMSEProcessWorkers   int           `mapstructure:"dimse_process_workers" yaml:"dimse_process_workers"`
	StorageQueryWorkers   int           `mapstructure:"storage_query_workers" yaml:"storage_query_workers"`
	ResponseEncodeWorkers int           `mapstructure:"response_encode_workers" yaml:"response_encode_workers"`
	NetworkSendWorkers    int           `mapstructure:"network_send_workers" yaml:"network_send_workers"`
	QueueDepth            int           `mapstructure:"queue_depth" yaml:"queue_depth"`
	DrainTimeout          time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// LoggingConfig controls zerolog's output behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "json" or "console"
}

// MoveConfig maps the AE titles a C-MOVE-RQ may name as a destination
// to the dialable address of that AE's SCP, since the DIMSE command
// itself carries only the title (spec.md §4.3).
type MoveConfig struct {
	Destinations map[string]string `mapstructure:"destinations" yaml:"destinations"`
}

// MaintenanceConfig controls the background database housekeeping loop
// (checkpoint/analyze/vacuum) spec.md §4.4 calls "periodic maintenance".
type MaintenanceConfig struct {
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	VacuumInterval     time.Duration `mapstructure:"vacuum_interval" yaml:"vacuum_interval"`
}

// ApplyDefaults fills in every unset field with pacsd's defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.AETitle == "" {
		cfg.Server.AETitle = "PACSCORE"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":11112"
	}
	if cfg.Server.MaxPDULength == 0 {
		cfg.Server.MaxPDULength = 16384
	}
	if cfg.Server.AssociationIdleTimeout == 0 {
		cfg.Server.AssociationIdleTimeout = 30 * time.Second
	}
	cfg.Storage.ApplyDefaults()
	if cfg.Blobs.RootDir == "" {
		cfg.Blobs.RootDir = "./blobs"
	}
	if cfg.Pipeline.NetworkReceiveWorkers == 0 {
		cfg.Pipeline.NetworkReceiveWorkers = 4
	}
	if cfg.Pipeline.PDUDecodeWorkers == 0 {
		cfg.Pipeline.PDUDecodeWorkers = 2
	}
	if cfg.Pipeline.DIMSEProcessWorkers == 0 {
		cfg.Pipeline.DIMSEProcessWorkers = 2
	}
	if cfg.Pipeline.StorageQueryWorkers == 0 {
		cfg.Pipeline.StorageQueryWorkers = 8
	}
	if cfg.Pipeline.ResponseEncodeWorkers == 0 {
		cfg.Pipeline.ResponseEncodeWorkers = 2
	}
	if cfg.Pipeline.NetworkSendWorkers == 0 {
		cfg.Pipeline.NetworkSendWorkers = 4
	}
	if cfg.Pipeline.QueueDepth == 0 {
		cfg.Pipeline.QueueDepth = 256
	}
	if cfg.Pipeline.DrainTimeout == 0 {
		cfg.Pipeline.DrainTimeout = 10 * time.Second
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9112"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Maintenance.CheckpointInterval == 0 {
		cfg.Maintenance.CheckpointInterval = 5 * time.Minute
	}
	if cfg.Maintenance.VacuumInterval == 0 {
		cfg.Maintenance.VacuumInterval = 24 * time.Hour
	}
}

// Validate reports the first configuration error found.
func Validate(cfg *Config) error {
	if cfg.Server.AETitle == "" {
		return fmt.Errorf("config: server.ae_title is required")
	}
	if len(cfg.Server.AETitle) > 16 {
		return fmt.Errorf("config: server.ae_title must be at most 16 characters")
	}
	if err := cfg.Storage.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Blobs.RootDir == "" {
		return fmt.Errorf("config: blobs.root_dir is required")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// Load reads configuration from configPath (or the default search path
// when empty), overlays PACSD_* environment variables on the keys the
// file sets (other variables are not read), applies defaults, and
// validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PACSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("pacsd")
		v.SetConfigType("yaml")
	}

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if configPath == "" {
				return nil, fmt.Errorf("config: read config file: %w", err)
			}
			if _, statErr := os.Stat(configPath); statErr != nil {
				return nil, fmt.Errorf("config: %s not found", configPath)
			}
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
