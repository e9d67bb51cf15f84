package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skywalkerx28/chatM-sub000/internal/config"
)

const sample = `
campus_id: mcgill.ca
listen_addr: 127.0.0.1:7420
metrics_addr: 127.0.0.1:9420
issuer:
  url: https://id.example.edu
  key_set_ttl: 6h
gate:
  neighbor_cap: 128
  staleness_cap: 30m
  request_interval: 30s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatm.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.CampusID != "mcgill.ca" || cfg.ListenAddr != "127.0.0.1:7420" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Issuer.KeySetTTL.Std() != 6*time.Hour {
		t.Fatalf("key set ttl mismatch: %v", cfg.Issuer.KeySetTTL.Std())
	}
	if cfg.Gate.NeighborCap != 128 || cfg.Gate.StalenessCap.Std() != 30*time.Minute {
		t.Fatalf("gate config mismatch: %+v", cfg.Gate)
	}
	if cfg.Gate.GlobalCap != 0 {
		t.Fatalf("unset field should stay zero, got %d", cfg.Gate.GlobalCap)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATM_GATE_NEIGHBOR_CAP", "64")
	t.Setenv("CHATM_GATE_PRUNE_INTERVAL", "2m30s")
	cfg, err := config.Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Gate.NeighborCap != 64 {
		t.Fatalf("env override ignored: %d", cfg.Gate.NeighborCap)
	}
	if cfg.Gate.PruneInterval.Std() != 150*time.Second {
		t.Fatalf("prune interval mismatch: %v", cfg.Gate.PruneInterval.Std())
	}
}

func TestMissingCampusRejected(t *testing.T) {
	if _, err := config.Load(writeConfig(t, "listen_addr: 127.0.0.1:7420\n")); err == nil {
		t.Fatalf("expected error for missing campus_id")
	}
}

func TestBadDurationRejected(t *testing.T) {
	if _, err := config.Load(writeConfig(t, "campus_id: x\ngate:\n  staleness_cap: soon\n")); err == nil {
		t.Fatalf("expected error for unparseable duration")
	}
}
