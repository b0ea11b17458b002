package config

import (
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.AETitle != "PACSCORE" {
		t.Errorf("AETitle = %q, want PACSCORE", cfg.Server.AETitle)
	}
	if cfg.Server.ListenAddr != ":11112" {
		t.Errorf("ListenAddr = %q, want :11112", cfg.Server.ListenAddr)
	}
	if cfg.Pipeline.StorageQueryWorkers != 8 {
		t.Errorf("StorageQueryWorkers = %d, want 8", cfg.Pipeline.StorageQueryWorkers)
	}
	if cfg.Storage.Path == "" {
		t.Error("expected storage path default to be set")
	}
	if cfg.Maintenance.CheckpointInterval != 5*time.Minute {
		t.Errorf("CheckpointInterval = %v, want 5m", cfg.Maintenance.CheckpointInterval)
	}
	if cfg.Maintenance.VacuumInterval != 24*time.Hour {
		t.Errorf("VacuumInterval = %v, want 24h", cfg.Maintenance.VacuumInterval)
	}
}

func TestValidateRejectsLongAETitle(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Server.AETitle = "THIS_AE_TITLE_IS_WAY_TOO_LONG"

	if err := Validate(cfg); err == nil {
		t.Error("expected error for over-length AE title")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Logging.Level = "verbose"

	if err := Validate(cfg); err == nil {
		t.Error("expected error for invalid logging level")
	}
}
