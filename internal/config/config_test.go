package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != ":8080" {
		t.Errorf("unexpected default port: %s", cfg.Server.Port)
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("unexpected default workers: %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.TargetPort != 11434 {
		t.Errorf("unexpected default target port: %d", cfg.Pipeline.TargetPort)
	}
	if cfg.Pipeline.VerifyTimeout != 1500*time.Millisecond {
		t.Errorf("unexpected default verify timeout: %v", cfg.Pipeline.VerifyTimeout)
	}
	if cfg.Pipeline.ProbeTimeout != 5*time.Second {
		t.Errorf("unexpected default probe timeout: %v", cfg.Pipeline.ProbeTimeout)
	}
	if cfg.Pipeline.ReverifyAfter != 5*time.Minute {
		t.Errorf("unexpected default reverify interval: %v", cfg.Pipeline.ReverifyAfter)
	}
	if len(cfg.Geo.Providers) != 3 || cfg.Geo.Providers[0] != "ip-api" {
		t.Errorf("unexpected default geo providers: %v", cfg.Geo.Providers)
	}
	if cfg.Discovery.APIKeyEnv != "SHODAN_API_KEY" {
		t.Errorf("unexpected default key env: %s", cfg.Discovery.APIKeyEnv)
	}
}

func TestLoadAppliesDefaultsToPartialConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  port: ":9090"
pipeline:
  workers: 4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != ":9090" {
		t.Errorf("explicit value overridden: %s", cfg.Server.Port)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("explicit value overridden: %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.TargetPort != 11434 {
		t.Errorf("default not applied: %d", cfg.Pipeline.TargetPort)
	}
}

func TestLoadRejectsTimeoutInversion(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  verify_timeout: 10s
  probe_timeout: 5s
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when verify_timeout exceeds probe_timeout")
	}
}

func TestLoadRejectsUnknownGeoProvider(t *testing.T) {
	path := writeConfig(t, `
geo:
  providers: ["ip-api", "maxmind"]
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error on unknown geo provider")
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  target_port: 70000
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error on out-of-range target port")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "pipeline: [this is not a mapping")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}
