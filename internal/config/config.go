// Package config loads the driver's preference file and detects runtime
// preference changes.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultIPSentinel marks "no IP configured" — the device must be found
// by discovery. Auto-rediscovery only runs while the preference still
// holds this sentinel.
const DefaultIPSentinel = "auto"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Device    DeviceConfig    `yaml:"device"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// ServerConfig is the host-facing API surface.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DeviceConfig are the per-grill user preferences.
type DeviceConfig struct {
	ID              string        `yaml:"id"`
	IPAddress       string        `yaml:"ip_address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	AutoRediscovery bool          `yaml:"auto_rediscovery"`
	StateDir        string        `yaml:"state_dir"`

	// PrimeAutoOff shuts the auger prime back off after this long.
	// Zero disables the follow-up.
	PrimeAutoOff time.Duration `yaml:"prime_auto_off"`
}

// DiscoveryConfig tunes the subnet rediscovery scan.
type DiscoveryConfig struct {
	ScanStartIP   int           `yaml:"scan_start_ip"`
	ScanEndIP     int           `yaml:"scan_end_ip"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	ScanContinue  bool          `yaml:"scan_continue"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads config from the given path, or returns the default
// config if the path doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8090,
			Host: "127.0.0.1",
		},
		Device: DeviceConfig{
			ID:              "pitboss",
			IPAddress:       DefaultIPSentinel,
			RefreshInterval: 30 * time.Second,
			AutoRediscovery: true,
		},
		Discovery: DiscoveryConfig{
			ScanStartIP:   2,
			ScanEndIP:     253,
			MaxConcurrent: 10,
			ScanContinue:  true,
			ProbeTimeout:  2 * time.Second,
		},
	}
}

// Diff compares two configs and returns human-readable descriptions of
// the device/discovery preferences that changed. Server settings require
// a restart and are not compared.
func Diff(old, new *Config) []string {
	var changes []string

	if old.Device.IPAddress != new.Device.IPAddress {
		changes = append(changes, fmt.Sprintf("device.ip_address: %s → %s", old.Device.IPAddress, new.Device.IPAddress))
	}
	if old.Device.RefreshInterval != new.Device.RefreshInterval {
		changes = append(changes, fmt.Sprintf("device.refresh_interval: %s → %s", old.Device.RefreshInterval, new.Device.RefreshInterval))
	}
	if old.Device.AutoRediscovery != new.Device.AutoRediscovery {
		changes = append(changes, fmt.Sprintf("device.auto_rediscovery: %v → %v", old.Device.AutoRediscovery, new.Device.AutoRediscovery))
	}
	if old.Device.PrimeAutoOff != new.Device.PrimeAutoOff {
		changes = append(changes, fmt.Sprintf("device.prime_auto_off: %s → %s", old.Device.PrimeAutoOff, new.Device.PrimeAutoOff))
	}
	if old.Discovery.ScanContinue != new.Discovery.ScanContinue {
		changes = append(changes, fmt.Sprintf("discovery.scan_continue: %v → %v", old.Discovery.ScanContinue, new.Discovery.ScanContinue))
	}
	return changes
}

// PrefsHash returns a stable fingerprint of the preference fields the
// controller reacts to. Identical hashes mean a preference-change event
// was already processed and can be skipped.
func PrefsHash(cfg *Config) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%v|%d|%v",
		cfg.Device.ID,
		cfg.Device.IPAddress,
		cfg.Device.RefreshInterval,
		cfg.Device.AutoRediscovery,
		cfg.Device.PrimeAutoOff,
		cfg.Discovery.ScanContinue,
	)
	return fmt.Sprintf("%016x", h.Sum64())
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "pitboss-grill-driver", "config.yaml")
}
