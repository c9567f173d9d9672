package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
logging:
  level: debug
  console: true
api:
  base_url: https://public-api.example.org
  token: secret
  timeout: 10s
storage:
  path: /var/lib/chronograph/state.db
planning:
  streams: 300
  sandbox: true
feed:
  enabled: true
  interval: 45s
`)
	mgr := NewManager(path)
	cfg, err := mgr.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Planning.Streams != 300 || !cfg.Planning.Sandbox {
		t.Fatalf("planning = %+v", cfg.Planning)
	}
	if cfg.Feed.Interval != "45s" {
		t.Fatalf("feed.interval = %q", cfg.Feed.Interval)
	}
	if got := mgr.Get(); got != cfg {
		t.Fatal("Get() did not return the committed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.yaml", "logging:\n  level: info\nno_such_section:\n  x: 1\n")
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown section accepted")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("empty: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	if err != nil || d != 90*time.Second {
		t.Fatalf("set: %v %v", d, err)
	}
	if _, err = ParseDurationOrDefault("x", "soon", time.Minute); err == nil {
		t.Fatal("garbage accepted")
	}
	if _, err = ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative accepted")
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.API.Token = "hunter2"
	newCfg.Scheduler.SmoothingMax = "600s"

	changed, _ := SummarizeChange(oldCfg, newCfg)
	want := map[string]bool{"api": true, "scheduler": true}
	if len(changed) != 2 || !want[changed[0]] || !want[changed[1]] {
		t.Fatalf("changed = %v", changed)
	}
}
