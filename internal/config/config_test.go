package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tool_gate.yaml")
	yml := []byte(`
middleware:
  validation_timeout: 80ms
  block_on_timeout: true
cache:
  eviction: lfu
  ttl: 2m
`)
	if err := os.WriteFile(path, yml, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TOOL_GATE_CACHE_MAX_ENTRIES", "42")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Middleware.ValidationTimeout != 80*time.Millisecond {
		t.Fatalf("expected 80ms timeout, got %v", cfg.Middleware.ValidationTimeout)
	}
	if !cfg.Middleware.BlockOnTimeout {
		t.Fatal("expected block_on_timeout from yaml")
	}
	if cfg.Cache.Eviction != EvictionLFU {
		t.Fatalf("expected lfu, got %s", cfg.Cache.Eviction)
	}
	if cfg.Cache.TTL != 2*time.Minute {
		t.Fatalf("expected 2m ttl, got %v", cfg.Cache.TTL)
	}
	if cfg.Cache.MaxEntries != 42 {
		t.Fatalf("expected env override 42, got %d", cfg.Cache.MaxEntries)
	}
	// untouched values keep defaults
	if cfg.Risk.StrictThreshold != 0.8 {
		t.Fatalf("expected default strict threshold, got %v", cfg.Risk.StrictThreshold)
	}
}

func TestLoad_RejectsBadEviction(t *testing.T) {
	t.Setenv("TOOL_GATE_CACHE_EVICTION", "random")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown eviction policy")
	}
}

func TestDecodePatch_DurationsAndThresholds(t *testing.T) {
	p, err := DecodePatch(map[string]any{
		"validation_timeout": "250ms",
		"strict_threshold":   0.9,
		"cache_eviction":     "fifo",
		"emergency_bypass":   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.ValidationTimeout == nil || *p.ValidationTimeout != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", p.ValidationTimeout)
	}
	if p.EmergencyBypass == nil || !*p.EmergencyBypass {
		t.Fatal("expected emergency bypass toggle")
	}

	cfg, err := Default().Apply(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Risk.StrictThreshold != 0.9 {
		t.Fatalf("expected 0.9, got %v", cfg.Risk.StrictThreshold)
	}
	if cfg.Cache.Eviction != EvictionFIFO {
		t.Fatalf("expected fifo, got %s", cfg.Cache.Eviction)
	}
}

func TestDecodePatch_UnknownKey(t *testing.T) {
	if _, err := DecodePatch(map[string]any{"no_such_setting": 1}); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestApply_RejectsUnorderedThresholds(t *testing.T) {
	low := 0.1
	base := Default()
	_, err := base.Apply(Patch{StrictThreshold: &low})
	if err == nil {
		t.Fatal("expected threshold ordering error")
	}
	if base.Risk.StrictThreshold != 0.8 {
		t.Fatal("base config must not be mutated")
	}
}

func TestPatchFields(t *testing.T) {
	on := true
	ttl := time.Minute
	got := Patch{Enabled: &on, CacheTTL: &ttl}.Fields()
	if len(got) != 2 || got[0] != "enabled" || got[1] != "cache_ttl" {
		t.Fatalf("unexpected fields %v", got)
	}
	if (Patch{}).Fields() != nil {
		t.Fatal("empty patch should report no fields")
	}
}
