package config

import (
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default(tmpDir)
	cfg.HTTPAddr = ":7001"
	cfg.StalenessHours = 48
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.HTTPAddr != ":7001" {
		t.Errorf("HTTPAddr = %q, want %q", loaded.HTTPAddr, ":7001")
	}
	if loaded.StalenessHours != 48 {
		t.Errorf("StalenessHours = %d, want 48", loaded.StalenessHours)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default("/tmp/data")
	if cfg.ReconnectBudget != 3 {
		t.Errorf("ReconnectBudget = %d, want 3", cfg.ReconnectBudget)
	}
	if cfg.StalenessHours != 96 {
		t.Errorf("StalenessHours = %d, want 96", cfg.StalenessHours)
	}
	if cfg.UploadDir != filepath.Join("/tmp/data", "uploads") {
		t.Errorf("UploadDir = %q", cfg.UploadDir)
	}
}
