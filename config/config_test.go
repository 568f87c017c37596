package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/liveedit/kpatch/driver"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.StorageRoot != DefaultConfig().StorageRoot {
		t.Fatalf("expected default storage root, got %q", cfg.StorageRoot)
	}
}

func TestDriveTimeoutFallsBackWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.DriveTimeout() != driver.DefaultDriveTimeout {
		t.Fatalf("expected default drive timeout, got %s", cfg.DriveTimeout())
	}

	cfg.DriveTimeoutSeconds = 60
	if cfg.DriveTimeout() != 60*time.Second {
		t.Fatalf("expected configured 60s drive timeout, got %s", cfg.DriveTimeout())
	}
}

func TestEnsureDirsCreatesStorageAndLockDirs(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{StorageRoot: filepath.Join(root, "storage"), LockDir: filepath.Join(root, "locks")}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
}
