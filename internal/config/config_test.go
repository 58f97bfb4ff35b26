package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MEMALERTS_STORE", "")
	t.Setenv("MEMALERTS_MAX_FRAME_BYTES", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreMemory {
		t.Fatalf("expected memory store by default, got %q", cfg.Store)
	}
	if cfg.MaxFrameBytes != 10<<20 {
		t.Fatalf("expected 10 MiB frame ceiling, got %d", cfg.MaxFrameBytes)
	}
	if cfg.MinPasswordLength != 6 {
		t.Fatalf("expected minimum password length 6, got %d", cfg.MinPasswordLength)
	}
	if cfg.ObjectStore.Enabled() {
		t.Fatal("object store should be disabled without a bucket")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MEMALERTS_STORE", "Postgres")
	t.Setenv("MEMALERTS_MAX_FRAME_BYTES", "209715200")
	t.Setenv("MEMALERTS_WRITE_TIMEOUT", "3s")
	t.Setenv("MEMALERTS_ALERT_RATE", "not-a-number")
	t.Setenv("MEMALERTS_S3_BUCKET", "clips")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StorePostgres {
		t.Fatalf("expected postgres store, got %q", cfg.Store)
	}
	if cfg.MaxFrameBytes != 200<<20 {
		t.Fatalf("expected 200 MiB ceiling, got %d", cfg.MaxFrameBytes)
	}
	if cfg.WriteTimeout != 3*time.Second {
		t.Fatalf("expected write timeout override, got %v", cfg.WriteTimeout)
	}
	if cfg.AlertRate.Requests != 10 {
		t.Fatalf("expected invalid integer to fall back to default, got %d", cfg.AlertRate.Requests)
	}
	if !cfg.ObjectStore.Enabled() {
		t.Fatal("expected object store to be enabled")
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("MEMALERTS_STORE", "sqlite")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown store")
	}
}
