package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Device.RefreshInterval != 30*time.Second {
		t.Errorf("default refresh = %v, want 30s", cfg.Device.RefreshInterval)
	}
	if cfg.Device.IPAddress != DefaultIPSentinel {
		t.Errorf("default ip = %q, want sentinel", cfg.Device.IPAddress)
	}
	if !cfg.Discovery.ScanContinue {
		t.Error("scan_continue default = false, want true")
	}
	if cfg.Discovery.ScanStartIP != 2 || cfg.Discovery.ScanEndIP != 253 {
		t.Errorf("scan range = %d..%d, want 2..253", cfg.Discovery.ScanStartIP, cfg.Discovery.ScanEndIP)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
device:
  id: smoker-1
  ip_address: 192.168.1.77
  refresh_interval: 45s
  auto_rediscovery: false
discovery:
  scan_continue: false
  max_concurrent: 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.ID != "smoker-1" || cfg.Device.IPAddress != "192.168.1.77" {
		t.Errorf("device = %+v", cfg.Device)
	}
	if cfg.Device.RefreshInterval != 45*time.Second {
		t.Errorf("refresh = %v, want 45s", cfg.Device.RefreshInterval)
	}
	if cfg.Device.AutoRediscovery {
		t.Error("auto_rediscovery = true, want false")
	}
	if cfg.Discovery.ScanContinue || cfg.Discovery.MaxConcurrent != 4 {
		t.Errorf("discovery = %+v", cfg.Discovery)
	}
	// Untouched sections keep defaults.
	if cfg.Server.Port != 8090 {
		t.Errorf("server port = %d, want default 8090", cfg.Server.Port)
	}
}

func TestDiff(t *testing.T) {
	old := defaultConfig()
	changed := defaultConfig()
	changed.Device.IPAddress = "192.168.1.42"
	changed.Device.RefreshInterval = time.Minute

	diffs := Diff(old, changed)
	if len(diffs) != 2 {
		t.Fatalf("Diff = %v, want 2 entries", diffs)
	}
	if got := Diff(old, defaultConfig()); len(got) != 0 {
		t.Errorf("Diff of identical configs = %v, want empty", got)
	}
}

func TestPrefsHashStability(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if PrefsHash(a) != PrefsHash(b) {
		t.Error("identical prefs hashed differently")
	}
	b.Device.RefreshInterval = 31 * time.Second
	if PrefsHash(a) == PrefsHash(b) {
		t.Error("changed prefs hashed identically")
	}
	// Server changes do not affect the prefs fingerprint.
	c := defaultConfig()
	c.Server.Port = 9999
	if PrefsHash(a) != PrefsHash(c) {
		t.Error("server-only change altered prefs hash")
	}
}
