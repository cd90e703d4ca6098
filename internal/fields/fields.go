// Package fields is the per-device key-value store the controller keeps
// its bookkeeping in: timer tokens, session memory, rediscovery state.
// Values are opaque to the store; persistence is advisory and applies
// only to keys flagged persist.
package fields

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	fieldsVersion = 1
	appDirName    = "pitboss-grill-driver"
)

// Stable field keys. Names are part of the persisted format; do not
// rename.
const (
	KeyIPAddress       = "ip_address"
	KeyMACAddress      = "mac_address"
	KeyDeviceNetworkID = "device_network_id"

	KeyHealthTimerID             = "health_timer_id"
	KeyLastHealthScheduled       = "last_health_scheduled"
	KeyFirstHealthCheckAfterSetup = "first_health_check_after_setup"
	KeyLastSuccessfulHealthCheck = "last_successful_health_check"
	KeyIsPolling                 = "is_polling"
	KeyLastNetworkError          = "last_network_error"
	KeyTimerRecoveryFailed       = "timer_recovery_failed"

	KeyConsecutiveAuthFailures = "consecutive_auth_failures"
	KeyPanicState              = "panic_state"
	KeyLastActiveTime          = "last_active_time"
	KeyGrillStartTime          = "grill_start_time"
	KeyLastTargetTemp          = "last_target_temp"
	KeySessionReachedTemp      = "session_reached_temp"
	KeySessionEverReachedTemp  = "session_ever_reached_temp"
	KeyIsConnected             = "is_connected"
	KeyFirstOfflineTime        = "first_offline_time"

	KeyLastRediscoveryAttempt    = "last_rediscovery_attempt"
	KeyLastSuccessfulRediscovery = "last_successful_rediscovery"
	KeyRediscoveryInProgress     = "rediscovery_in_progress"
	KeyRediscoveryStartTime      = "rediscovery_start_time"
	KeyLastScanPosition          = "last_scan_position"

	KeyLastProcessedPrefs = "last_processed_prefs"
	KeyUnit               = "unit"
	KeyPrimeAutoOffTimer  = "prime_auto_off_timer"
)

// fileFormat is the on-disk shape of one device's persisted fields.
type fileFormat struct {
	Version     int                        `json:"version"`
	DeviceID    string                     `json:"deviceId"`
	Values      map[string]json.RawMessage `json:"values"`
	LastUpdated time.Time                  `json:"lastUpdated"`
}

// Store holds one device's fields. All values live in memory; keys set
// with persist survive a restart via a small JSON state file.
type Store struct {
	mu        sync.Mutex
	deviceID  string
	dir       string // "" disables persistence
	values    map[string]any
	persisted map[string]bool
}

// NewStore opens the field store for deviceID, loading any persisted
// values from dir. Pass dir "" for a memory-only store (tests), or
// DefaultDir() for the XDG state path.
func NewStore(deviceID, dir string) *Store {
	s := &Store{
		deviceID:  deviceID,
		dir:       dir,
		values:    make(map[string]any),
		persisted: make(map[string]bool),
	}
	if dir != "" {
		s.load()
	}
	return s
}

// DefaultDir returns ~/.local/state/pitboss-grill-driver, respecting
// XDG_STATE_HOME if set.
func DefaultDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}

func (s *Store) path() string {
	return filepath.Join(s.dir, s.deviceID+".json")
}

// Set stores value under key. When persist is set the key survives a
// restart. Persistence failures are logged, never fatal; the in-memory
// value always wins.
func (s *Store) Set(key string, value any, persist bool) {
	s.mu.Lock()
	s.values[key] = value
	if persist {
		s.persisted[key] = true
	}
	needSave := persist && s.dir != ""
	s.mu.Unlock()
	if needSave {
		if err := s.save(); err != nil {
			log.Warnf("[%s] persisting field %s: %v", s.deviceID, key, err)
		}
	}
}

// Delete removes key entirely.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	_, had := s.values[key]
	delete(s.values, key)
	wasPersisted := s.persisted[key]
	delete(s.persisted, key)
	needSave := had && wasPersisted && s.dir != ""
	s.mu.Unlock()
	if needSave {
		if err := s.save(); err != nil {
			log.Warnf("[%s] persisting delete of %s: %v", s.deviceID, key, err)
		}
	}
}

// Clear removes every field and the on-disk file. Called when the device
// is removed.
func (s *Store) Clear() {
	s.mu.Lock()
	s.values = make(map[string]any)
	s.persisted = make(map[string]bool)
	dir := s.dir
	s.mu.Unlock()
	if dir != "" {
		if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
			log.Warnf("[%s] removing field file: %v", s.deviceID, err)
		}
	}
}

// Get returns the raw stored value.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// String returns the value as a string.
func (s *Store) String(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Bool returns the value as a bool. Missing keys read false.
func (s *Store) Bool(key string) bool {
	v, ok := s.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Int returns the value as an int64, coercing the numeric types JSON
// reloading produces.
func (s *Store) Int(key string) (int64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// Time returns the value as a time.Time. Instants are stored RFC 3339.
func (s *Store) Time(key string) (time.Time, bool) {
	v, ok := s.Get(key)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// load reads the persisted file, tolerating a missing or unparsable one.
func (s *Store) load() {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("[%s] reading field file: %v", s.deviceID, err)
		}
		return
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warnf("[%s] parsing field file: %v", s.deviceID, err)
		return
	}
	for k, raw := range f.Values {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		s.values[k] = v
		s.persisted[k] = true
	}
}

// save writes the persisted subset using the temp-file-then-rename
// pattern.
func (s *Store) save() error {
	s.mu.Lock()
	f := fileFormat{
		Version:     fieldsVersion,
		DeviceID:    s.deviceID,
		Values:      make(map[string]json.RawMessage, len(s.persisted)),
		LastUpdated: time.Now().UTC(),
	}
	for k := range s.persisted {
		v, ok := s.values[k]
		if !ok {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("marshaling field %s: %w", k, err)
		}
		f.Values[k] = raw
	}
	dir := s.dir
	s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating fields dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling fields: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".fields-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path()); err != nil {
		return fmt.Errorf("renaming field file: %w", err)
	}
	committed = true
	return nil
}
