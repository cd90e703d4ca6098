// Package controller owns one grill: it schedules health polls, feeds
// results through the reducer, arbitrates panic, recovers a lost IP via
// discovery, and emits typed state updates to the host.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xeudoxus/pitboss-grill-driver/internal/config"
	"github.com/xeudoxus/pitboss-grill-driver/internal/discovery"
	"github.com/xeudoxus/pitboss-grill-driver/internal/fields"
	"github.com/xeudoxus/pitboss-grill-driver/internal/grill"
	"github.com/xeudoxus/pitboss-grill-driver/internal/metrics"
	"github.com/xeudoxus/pitboss-grill-driver/internal/state"
	"github.com/xeudoxus/pitboss-grill-driver/internal/status"
)

// RefreshDelay is how long after a successful command the follow-up poll
// runs, so the grill has applied the change before we read it back.
const RefreshDelay = 3 * time.Second

// commandRetryDelay is the pause before the single command retry.
const commandRetryDelay = time.Second

// ErrPollInFlight rejects a manual refresh while a poll is running.
var ErrPollInFlight = errors.New("controller: poll already in flight")

// ErrRemoved rejects operations on a removed device.
var ErrRemoved = errors.New("controller: device removed")

// StateUpdate is the typed event handed to the host on every reduce.
type StateUpdate struct {
	DeviceID string             `json:"deviceId"`
	State    state.DerivedState `json:"state"`
	At       time.Time          `json:"at"`
}

// CommandKind identifies a user command.
type CommandKind int

const (
	CommandSetTemperature CommandKind = iota
	CommandSetLight
	CommandSetPrime
	CommandSetPower
	CommandSetUnit
)

func (k CommandKind) String() string {
	switch k {
	case CommandSetTemperature:
		return "set_temperature"
	case CommandSetLight:
		return "set_light"
	case CommandSetPrime:
		return "set_prime"
	case CommandSetPower:
		return "set_power"
	case CommandSetUnit:
		return "set_unit"
	}
	return "unknown"
}

// Command is one typed user command.
type Command struct {
	Kind        CommandKind
	Temperature int  // CommandSetTemperature
	On          bool // light/prime/power
	Celsius     bool // CommandSetUnit
}

// grillAPI is the RPC surface the controller drives; *grill.API
// implements it, tests fake it.
type grillAPI interface {
	GetState(ctx context.Context, ip string) (string, string, error)
	SendCommand(ctx context.Context, ip, commandHex string) error
	GetFirmwareVersion(ctx context.Context, ip string) (string, error)
	GetSysInfo(ctx context.Context, ip string) (*grill.SysInfo, error)
	InvalidateAuth(ip string)
}

// rediscoverer runs subnet scans; *discovery.Scanner implements it.
type rediscoverer interface {
	Rediscover(ctx context.Context, p discovery.Params) (discovery.Result, error)
}

// Controller is the single mutator of one device's session memory,
// derived state, and timers.
type Controller struct {
	deviceID string
	fields   *fields.Store
	api      grillAPI
	scanner  rediscoverer
	arm      armFunc
	now      func() time.Time

	cfgMu sync.RWMutex
	cfg   *config.Config

	mu              sync.Mutex
	mem             state.SessionMemory
	derived         state.DerivedState
	timerID         string
	timerCancel     func() bool
	firstAfterSetup bool
	isPolling       bool
	closed          bool
	refreshCancel   func() bool
	primeOffCancel  func() bool

	updateMu sync.Mutex
	onUpdate func(StateUpdate)
}

// Option tweaks a Controller at construction; used by tests.
type Option func(*Controller)

// WithClock injects a fake clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithArm injects the timer arming function.
func WithArm(arm armFunc) Option {
	return func(c *Controller) { c.arm = arm }
}

// New builds a controller for one device. The field store must belong to
// the same device.
func New(cfg *config.Config, fs *fields.Store, api grillAPI, scanner rediscoverer, opts ...Option) *Controller {
	c := &Controller{
		deviceID: cfg.Device.ID,
		fields:   fs,
		api:      api,
		scanner:  scanner,
		arm:      defaultArm,
		now:      time.Now,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.restoreMemory()
	return c
}

// OnUpdate registers the host callback for state updates. The callback
// runs on the controller's goroutine and must not block.
func (c *Controller) OnUpdate(fn func(StateUpdate)) {
	c.updateMu.Lock()
	c.onUpdate = fn
	c.updateMu.Unlock()
}

func (c *Controller) emitLocked() {
	upd := StateUpdate{DeviceID: c.deviceID, State: c.derived, At: c.now()}
	c.updateMu.Lock()
	fn := c.onUpdate
	c.updateMu.Unlock()
	if fn != nil {
		fn(upd)
	}
}

// Derived returns the current derived state.
func (c *Controller) Derived() state.DerivedState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.derived
}

// restoreMemory rehydrates session memory from persisted fields, so a
// restart mid-cook keeps the session latches and panic context.
func (c *Controller) restoreMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.fields.Time(fields.KeyGrillStartTime); ok {
		c.mem.GrillStartTime = t
	}
	if t, ok := c.fields.Time(fields.KeyLastActiveTime); ok {
		c.mem.LastActiveTime = t
	}
	if t, ok := c.fields.Time(fields.KeyFirstOfflineTime); ok {
		c.mem.FirstOfflineTime = t
	}
	if t, ok := c.fields.Time(fields.KeyLastSuccessfulHealthCheck); ok {
		c.mem.LastSuccessfulCheck = t
	}
	if n, ok := c.fields.Int(fields.KeyLastTargetTemp); ok {
		c.mem.LastTargetTemp = int(n)
	}
	if n, ok := c.fields.Int(fields.KeyConsecutiveAuthFailures); ok {
		c.mem.ConsecutiveAuthFailures = int(n)
	}
	c.mem.SessionReachedTemp = c.fields.Bool(fields.KeySessionReachedTemp)
	c.mem.SessionEverReachedTemp = c.fields.Bool(fields.KeySessionEverReachedTemp)
	c.mem.PanicState = c.fields.Bool(fields.KeyPanicState)
	c.mem.IsConnected = c.fields.Bool(fields.KeyIsConnected)
}

// persistMemoryLocked write-through of the session memory fields.
func (c *Controller) persistMemoryLocked() {
	setTime := func(key string, t time.Time) {
		if t.IsZero() {
			c.fields.Delete(key)
		} else {
			c.fields.Set(key, t.Format(time.RFC3339Nano), true)
		}
	}
	setTime(fields.KeyGrillStartTime, c.mem.GrillStartTime)
	setTime(fields.KeyLastActiveTime, c.mem.LastActiveTime)
	setTime(fields.KeyFirstOfflineTime, c.mem.FirstOfflineTime)
	setTime(fields.KeyLastSuccessfulHealthCheck, c.mem.LastSuccessfulCheck)
	c.fields.Set(fields.KeyLastTargetTemp, c.mem.LastTargetTemp, true)
	c.fields.Set(fields.KeyConsecutiveAuthFailures, c.mem.ConsecutiveAuthFailures, true)
	c.fields.Set(fields.KeySessionReachedTemp, c.mem.SessionReachedTemp, true)
	c.fields.Set(fields.KeySessionEverReachedTemp, c.mem.SessionEverReachedTemp, true)
	c.fields.Set(fields.KeyPanicState, c.mem.PanicState, true)
	c.fields.Set(fields.KeyIsConnected, c.mem.IsConnected, true)
	c.fields.Set(fields.KeyUnit, c.derived.Unit.String(), true)
}

// currentIP resolves the device address: an explicit preference wins,
// then the last discovered address.
func (c *Controller) currentIP() string {
	c.cfgMu.RLock()
	pref := c.cfg.Device.IPAddress
	c.cfgMu.RUnlock()
	if pref != "" && pref != config.DefaultIPSentinel {
		return pref
	}
	if ip, ok := c.fields.String(fields.KeyIPAddress); ok {
		return ip
	}
	return ""
}

// Init transitions the device Added → Initialised: resolve the address,
// capture identity metadata, and arm the first (shortened) tick.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrRemoved
	}
	c.mu.Unlock()

	c.cfgMu.RLock()
	prefIP := c.cfg.Device.IPAddress
	auto := c.cfg.Device.AutoRediscovery
	c.cfgMu.RUnlock()

	if prefIP != "" && prefIP != config.DefaultIPSentinel {
		c.fields.Set(fields.KeyIPAddress, prefIP, true)
	}

	ip := c.currentIP()
	if ip == "" && auto {
		// No address known at all: a setup-time scan bypasses the rate
		// limits.
		if found := c.runRediscovery(ctx, true); found != "" {
			ip = found
		}
	}

	if ip != "" {
		if info, err := c.api.GetSysInfo(ctx, ip); err == nil {
			c.fields.Set(fields.KeyDeviceNetworkID, info.ID, true)
			if info.FW != "" && !grill.IsFirmwareValid(info.FW) {
				log.Warnf("[%s] firmware %s below supported minimum %s", c.deviceID, info.FW, grill.MinimumFirmwareVersion)
			}
		} else {
			log.Warnf("[%s] identity probe failed: %v", c.deviceID, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.firstAfterSetup = true
	c.fields.Set(fields.KeyFirstHealthCheckAfterSetup, true, true)
	c.armNext(c.firstInterval())
	log.Infof("[%s] initialised (ip=%s)", c.deviceID, ip)
	return nil
}

// tick is one scheduled health check. id is the timer token; a stale or
// cancelled token does nothing.
func (c *Controller) tick(id string) {
	c.mu.Lock()
	if c.closed || id != c.timerID {
		c.mu.Unlock()
		return
	}
	// Clear the timer record before running the handler.
	c.timerID = ""
	c.timerCancel = nil
	c.fields.Delete(fields.KeyHealthTimerID)
	c.fields.Delete(fields.KeyLastHealthScheduled)

	if c.firstAfterSetup {
		c.firstAfterSetup = false
		c.fields.Set(fields.KeyFirstHealthCheckAfterSetup, false, true)
	}

	if c.isPolling {
		// A manual refresh is mid-flight; just reschedule.
		c.armNext(ComputeInterval(c.refreshInterval(), c.derived))
		c.mu.Unlock()
		return
	}
	c.runPollLocked()
	c.armNext(ComputeInterval(c.refreshInterval(), c.derived))
	c.mu.Unlock()
}

// runPollLocked performs one poll round trip and folds the result in.
// Enters with c.mu held, releases it around the network I/O.
func (c *Controller) runPollLocked() {
	c.isPolling = true
	c.fields.Set(fields.KeyIsPolling, true, false)
	ip := c.currentIP()
	c.mu.Unlock()

	input := c.poll(ip)

	c.mu.Lock()
	c.isPolling = false
	if c.closed {
		return
	}
	c.fields.Set(fields.KeyIsPolling, false, false)
	c.applyLocked(input)
}

// poll fetches and classifies one status. Runs without c.mu held. A panic
// while fetching or decoding is recovered and the poll counts as offline.
func (c *Controller) poll(ip string) (input state.ReduceInput) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[%s] poll panicked: %v", c.deviceID, r)
			metrics.Polls.WithLabelValues("panic").Inc()
			input = state.OfflineInput()
		}
	}()
	if ip == "" {
		metrics.Polls.WithLabelValues("offline").Inc()
		return state.OfflineInput()
	}

	ctx, cancel := context.WithTimeout(context.Background(), grill.RequestTimeout*2)
	defer cancel()

	started := time.Now()
	sc11, sc12, err := c.api.GetState(ctx, ip)
	metrics.PollDuration.Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		metrics.Polls.WithLabelValues("ok").Inc()
		st := status.Decode(sc11, sc12)
		return state.Fresh(&st)
	case grill.IsAuthError(err):
		log.Warnf("[%s] poll auth failure: %v", c.deviceID, err)
		metrics.Polls.WithLabelValues("auth").Inc()
		return state.AuthFailInput()
	default:
		var perr *grill.ProtocolError
		if errors.As(err, &perr) {
			log.Warnf("[%s] poll protocol decode failure: %v", c.deviceID, err)
			metrics.Polls.WithLabelValues("protocol").Inc()
		} else {
			log.Infof("[%s] poll failed: %v", c.deviceID, err)
			metrics.Polls.WithLabelValues("offline").Inc()
		}
		c.fields.Set(fields.KeyLastNetworkError, err.Error(), false)
		return state.OfflineInput()
	}
}

// applyLocked reduces one input, persists memory, emits, and kicks
// rediscovery when the failure policy calls for it.
func (c *Controller) applyLocked(input state.ReduceInput) {
	wasPanic := c.mem.PanicState
	prefs := state.Preferences{RefreshInterval: c.refreshInterval()}
	c.derived = state.Reduce(c.derived, &c.mem, prefs, input, c.now())
	if !wasPanic && c.mem.PanicState {
		metrics.PanicTransitions.Inc()
		log.Warnf("[%s] entering panic state", c.deviceID)
	}
	c.persistMemoryLocked()
	c.emitLocked()

	if input.Kind == state.InputOffline && c.autoRediscoveryArmed() {
		go c.rediscoverAfterFailure()
	}
}

// autoRediscoveryArmed reports whether the user opted into automatic
// recovery scans: the feature is on and no fixed IP is pinned.
func (c *Controller) autoRediscoveryArmed() bool {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.Device.AutoRediscovery && c.cfg.Device.IPAddress == config.DefaultIPSentinel
}

// rediscoverAfterFailure runs the rate-limited periodic scan after a
// failed poll. The scanner's own locks and limits make this safe to fire
// on every failure.
func (c *Controller) rediscoverAfterFailure() {
	ctx, cancel := context.WithTimeout(context.Background(), discovery.RediscoveryTimeout+grill.RequestTimeout)
	defer cancel()
	if ip := c.runRediscovery(ctx, false); ip != "" {
		c.afterRediscovery(ip, state.MessagePeriodicRediscovery)
	}
}

// runRediscovery performs one scan and returns the found IP, or "".
func (c *Controller) runRediscovery(ctx context.Context, bypass bool) string {
	hub := c.currentIP()
	if hub == "" {
		var err error
		hub, err = discovery.LocalHubIP()
		if err != nil {
			log.Warnf("[%s] cannot derive scan subnet: %v", c.deviceID, err)
			return ""
		}
	}
	networkID, _ := c.fields.String(fields.KeyDeviceNetworkID)

	res, err := c.scanner.Rediscover(ctx, discovery.Params{
		DeviceID:        c.deviceID,
		HubIP:           hub,
		NetworkID:       networkID,
		Fields:          c.fields,
		RefreshInterval: c.refreshInterval(),
		Bypass:          bypass,
	})
	if err != nil {
		if !errors.Is(err, discovery.ErrScanInProgress) {
			log.Warnf("[%s] rediscovery: %v", c.deviceID, err)
		}
		return ""
	}
	if !res.Attempted {
		log.Debugf("[%s] rediscovery rate-limited, %s until next window", c.deviceID, res.CooldownRemaining)
		return ""
	}
	if !res.Found {
		return ""
	}
	return res.IP
}

// afterRediscovery installs the recovered address and announces it.
func (c *Controller) afterRediscovery(ip string, msg state.Message) {
	old := c.currentIP()
	c.api.InvalidateAuth(old)
	c.api.InvalidateAuth(ip)

	c.mu.Lock()
	c.fields.Set(fields.KeyIPAddress, ip, true)
	c.mem.IsConnected = true
	c.mem.FirstOfflineTime = time.Time{}
	c.derived.Connectivity = state.Online
	c.derived.Message = msg
	c.persistMemoryLocked()
	c.emitLocked()
	c.mu.Unlock()

	log.Infof("[%s] rediscovered at %s", c.deviceID, ip)

	// Pull a real status promptly rather than waiting a full interval.
	if err := c.Refresh(context.Background()); err != nil && !errors.Is(err, ErrPollInFlight) {
		log.Warnf("[%s] post-rediscovery refresh: %v", c.deviceID, err)
	}
}

// Rediscover runs a host-requested scan. bypass skips the rate limits
// (preference-change and explicit user scans). Returns the found IP, or
// "" when nothing was found or the scan was rate-limited.
func (c *Controller) Rediscover(ctx context.Context, bypass bool) (string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", ErrRemoved
	}
	ip := c.runRediscovery(ctx, bypass)
	if ip == "" {
		return "", nil
	}
	c.afterRediscovery(ip, state.MessageRediscovered)
	return ip, nil
}

// Refresh runs a manual poll. Rejected while a poll is in flight; always
// leaves the scheduler armed.
func (c *Controller) Refresh(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrRemoved
	}
	if c.isPolling {
		c.mu.Unlock()
		return ErrPollInFlight
	}
	c.runPollLocked()
	c.mu.Unlock()

	c.EnsureTimerActive()
	return nil
}

// SendCommand validates, encodes, and delivers one user command, with a
// pre-flight reachability check and a single retry. A successful send
// schedules a follow-up poll after RefreshDelay.
func (c *Controller) SendCommand(ctx context.Context, cmd Command) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrRemoved
	}
	unit := c.derived.Unit
	c.mu.Unlock()

	hex, err := encodeCommand(cmd, unit)
	if err != nil {
		return err
	}

	ip := c.currentIP()
	if ip == "" {
		return &grill.TransportError{Kind: grill.TransportConnectFailed, Err: errors.New("no known address")}
	}

	// Pre-flight: the cheap unauthenticated probe catches an unreachable
	// grill before we burn the auth round trips.
	if _, err := c.api.GetSysInfo(ctx, ip); err != nil {
		return err
	}

	if err := c.api.SendCommand(ctx, ip, hex); err != nil {
		log.Warnf("[%s] command %s failed, retrying: %v", c.deviceID, cmd.Kind, err)
		select {
		case <-time.After(commandRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := c.api.SendCommand(ctx, ip, hex); err != nil {
			return err
		}
	}
	metrics.CommandsSent.WithLabelValues(cmd.Kind.String()).Inc()

	c.scheduleFollowUps(cmd)
	return nil
}

// scheduleFollowUps arms the post-command refresh and, for prime-on, the
// auto-off timer.
func (c *Controller) scheduleFollowUps(cmd Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if c.refreshCancel != nil {
		c.refreshCancel()
	}
	if cancel, err := c.arm(RefreshDelay, func() {
		if err := c.Refresh(context.Background()); err != nil && !errors.Is(err, ErrPollInFlight) {
			log.Warnf("[%s] post-command refresh: %v", c.deviceID, err)
		}
	}); err == nil {
		c.refreshCancel = cancel
	}

	if cmd.Kind == CommandSetPrime {
		if c.primeOffCancel != nil {
			c.primeOffCancel()
			c.primeOffCancel = nil
			c.fields.Delete(fields.KeyPrimeAutoOffTimer)
		}
		c.cfgMu.RLock()
		autoOff := c.cfg.Device.PrimeAutoOff
		c.cfgMu.RUnlock()
		if cmd.On && autoOff > 0 {
			if cancel, err := c.arm(autoOff, c.primeAutoOff); err == nil {
				c.primeOffCancel = cancel
				c.fields.Set(fields.KeyPrimeAutoOffTimer, c.now().Add(autoOff).Format(time.RFC3339Nano), true)
			}
		}
	}
}

// primeAutoOff turns the prime back off after the configured interval.
func (c *Controller) primeAutoOff() {
	c.mu.Lock()
	c.primeOffCancel = nil
	c.fields.Delete(fields.KeyPrimeAutoOffTimer)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	log.Infof("[%s] prime auto-off", c.deviceID)
	ctx, cancel := context.WithTimeout(context.Background(), grill.RequestTimeout*2)
	defer cancel()
	if err := c.SendCommand(ctx, Command{Kind: CommandSetPrime, On: false}); err != nil {
		log.Warnf("[%s] prime auto-off failed: %v", c.deviceID, err)
		return
	}
	c.mu.Lock()
	c.derived.Message = state.MessagePrimeOff
	c.emitLocked()
	c.mu.Unlock()
}

func encodeCommand(cmd Command, unit status.Unit) (string, error) {
	switch cmd.Kind {
	case CommandSetTemperature:
		hex, _, err := grill.EncodeSetTemperature(cmd.Temperature, unit)
		return hex, err
	case CommandSetLight:
		return grill.EncodeSetLight(cmd.On), nil
	case CommandSetPrime:
		return grill.EncodeSetPrime(cmd.On), nil
	case CommandSetPower:
		return grill.EncodeSetPower(cmd.On), nil
	case CommandSetUnit:
		return grill.EncodeSetUnit(cmd.Celsius), nil
	}
	return "", grill.ErrInvalidArgument
}

// OnPrefsChanged applies a preference update. Repeated deliveries of the
// same preferences are no-ops (hash gate).
func (c *Controller) OnPrefsChanged(old, new *config.Config) error {
	hash := config.PrefsHash(new)
	if last, ok := c.fields.String(fields.KeyLastProcessedPrefs); ok && last == hash {
		return nil
	}

	diffs := config.Diff(old, new)
	for _, d := range diffs {
		log.Infof("[%s] pref change: %s", c.deviceID, d)
	}

	c.cfgMu.Lock()
	c.cfg = new
	c.cfgMu.Unlock()
	c.fields.Set(fields.KeyLastProcessedPrefs, hash, true)

	ipChanged := old.Device.IPAddress != new.Device.IPAddress
	intervalChanged := old.Device.RefreshInterval != new.Device.RefreshInterval

	if ipChanged {
		if new.Device.IPAddress != "" && new.Device.IPAddress != config.DefaultIPSentinel {
			// Pinned to an explicit address: adopt it and start clean.
			c.api.InvalidateAuth(old.Device.IPAddress)
			c.api.InvalidateAuth(new.Device.IPAddress)
			c.fields.Set(fields.KeyIPAddress, new.Device.IPAddress, true)
			c.mu.Lock()
			c.firstAfterSetup = true
			c.fields.Set(fields.KeyFirstHealthCheckAfterSetup, true, true)
			c.armNext(c.firstInterval())
			c.mu.Unlock()
			return nil
		}
		// Reverted to the sentinel: find the grill again, bypassing the
		// rate limits since the user asked explicitly.
		if new.Device.AutoRediscovery {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), discovery.RediscoveryTimeout+grill.RequestTimeout)
				defer cancel()
				if ip := c.runRediscovery(ctx, true); ip != "" {
					c.afterRediscovery(ip, state.MessageRediscovered)
				}
			}()
		}
	}

	if intervalChanged {
		c.mu.Lock()
		if !c.isPolling {
			c.armNext(ComputeInterval(c.refreshInterval(), c.derived))
		}
		c.mu.Unlock()
	}
	return nil
}

// Remove tears the device down: timers cancelled, fields cleared. The
// controller rejects all further operations.
func (c *Controller) Remove() {
	c.mu.Lock()
	c.closed = true
	c.cancelHealthTimerLocked()
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshCancel = nil
	}
	if c.primeOffCancel != nil {
		c.primeOffCancel()
		c.primeOffCancel = nil
	}
	c.mu.Unlock()
	c.fields.Clear()
	log.Infof("[%s] removed", c.deviceID)
}
