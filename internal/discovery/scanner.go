// Package discovery finds a grill that wandered off its IP: a bounded,
// resumable scan of the hub's /24, gated by a dual rate limit so a dead
// grill doesn't keep the subnet busy.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/xeudoxus/pitboss-grill-driver/internal/config"
	"github.com/xeudoxus/pitboss-grill-driver/internal/fields"
	"github.com/xeudoxus/pitboss-grill-driver/internal/grill"
	"github.com/xeudoxus/pitboss-grill-driver/internal/metrics"
)

const (
	// PeriodicRediscoveryInterval is the 24-hour floor: an offline
	// device is only scanned for once a day.
	PeriodicRediscoveryInterval = 86400 * time.Second

	// RediscoveryTimeout bounds one scan from wait-start.
	RediscoveryTimeout = 30 * time.Second

	// staleScanFlagAfter is when a persisted in-progress flag from a
	// crashed scan is considered abandoned.
	staleScanFlagAfter = 300 * time.Second

	// retryDelay is the brief pause before giving up on an empty scan.
	retryDelay = 2 * time.Second

	// cancelDrainWait is how long a timed-out scan waits for in-flight
	// probes to observe the cancel flag.
	cancelDrainWait = 2 * time.Second
)

// ErrScanInProgress reports an overlapping scan request for the same
// device.
var ErrScanInProgress = errors.New("discovery: scan already in progress")

// scanLocks is the process-global lock table preventing overlapping
// scans per device ID within one process.
var scanLocks = struct {
	mu sync.Mutex
	m  map[string]bool
}{m: make(map[string]bool)}

func tryLock(deviceID string) bool {
	scanLocks.mu.Lock()
	defer scanLocks.mu.Unlock()
	if scanLocks.m[deviceID] {
		return false
	}
	scanLocks.m[deviceID] = true
	return true
}

func unlock(deviceID string) {
	scanLocks.mu.Lock()
	delete(scanLocks.m, deviceID)
	scanLocks.mu.Unlock()
}

// ProbeFunc probes one IP for a Pit Boss device.
type ProbeFunc func(ctx context.Context, ip string) (*grill.SysInfo, error)

// Params describes one rediscovery request.
type Params struct {
	DeviceID  string
	HubIP     string // local address; its first three octets form the scan prefix
	NetworkID string // expected device id; empty accepts the first Pit Boss found

	Fields          *fields.Store
	RefreshInterval time.Duration
	Bypass          bool // preference-change scans skip the rate limits
}

// Result is the outcome of a rediscovery request. Attempted is false
// when a rate limit or an in-progress scan stopped the request before
// any probing; CooldownRemaining then says how long until the next
// window.
type Result struct {
	Attempted         bool
	Found             bool
	IP                string
	Info              *grill.SysInfo
	TimedOut          bool
	CooldownRemaining time.Duration
}

// Scanner runs subnet scans with bounded concurrency.
type Scanner struct {
	cfg     config.DiscoveryConfig
	probe   ProbeFunc
	now     func() time.Time
	timeout time.Duration // scan deadline; tests shrink it
}

// NewScanner builds a scanner. probe nil selects the real Sys.GetInfo
// probe with the configured short timeout; now nil selects the wall
// clock.
func NewScanner(cfg config.DiscoveryConfig, probe ProbeFunc, now func() time.Time) *Scanner {
	if probe == nil {
		client := grill.NewClientTimeout(cfg.ProbeTimeout)
		probe = func(ctx context.Context, ip string) (*grill.SysInfo, error) {
			return grill.GetSysInfo(ctx, client, ip)
		}
	}
	if now == nil {
		now = time.Now
	}
	return &Scanner{cfg: cfg, probe: probe, now: now, timeout: RediscoveryTimeout}
}

// Rediscover runs one rate-limited, resumable scan for the device.
func (s *Scanner) Rediscover(ctx context.Context, p Params) (Result, error) {
	now := s.now()

	if !p.Bypass {
		if res, limited := s.rateLimited(p, now); limited {
			metrics.DiscoveryScans.WithLabelValues("rate_limited").Inc()
			return res, nil
		}
	}

	if !tryLock(p.DeviceID) {
		return Result{}, ErrScanInProgress
	}
	defer unlock(p.DeviceID)

	// A persisted in-progress flag guards against a scan lost to a
	// crash; past the stale window it is reset rather than honoured.
	if p.Fields.Bool(fields.KeyRediscoveryInProgress) {
		if start, ok := p.Fields.Time(fields.KeyRediscoveryStartTime); ok && now.Sub(start) <= staleScanFlagAfter {
			return Result{}, ErrScanInProgress
		}
		log.Warnf("[%s] resetting stale rediscovery-in-progress flag", p.DeviceID)
	}
	p.Fields.Set(fields.KeyLastRediscoveryAttempt, now.Format(time.RFC3339Nano), true)
	p.Fields.Set(fields.KeyRediscoveryInProgress, true, true)
	p.Fields.Set(fields.KeyRediscoveryStartTime, now.Format(time.RFC3339Nano), true)
	defer p.Fields.Set(fields.KeyRediscoveryInProgress, false, true)

	prefix, err := subnetPrefix(p.HubIP)
	if err != nil {
		return Result{}, err
	}

	start := s.cfg.ScanStartIP
	if pos, ok := p.Fields.Int(fields.KeyLastScanPosition); ok && int(pos) >= start && int(pos) <= s.cfg.ScanEndIP {
		start = int(pos)
		log.Infof("[%s] resuming scan at %s.%d", p.DeviceID, prefix, start)
	}

	res := s.scan(ctx, p, prefix, start)

	switch {
	case res.Found:
		p.Fields.Delete(fields.KeyLastScanPosition)
		p.Fields.Set(fields.KeyLastSuccessfulRediscovery, s.now().Format(time.RFC3339Nano), true)
		metrics.DiscoveryScans.WithLabelValues("found").Inc()
	case res.TimedOut:
		metrics.DiscoveryScans.WithLabelValues("timeout").Inc()
	default:
		// Completed the whole range without a match: next attempt
		// starts over.
		p.Fields.Delete(fields.KeyLastScanPosition)
		metrics.DiscoveryScans.WithLabelValues("not_found").Inc()
		// Brief pause before conceding, so an immediate external
		// retrigger doesn't hammer the subnet back to back.
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
		}
	}
	return res, nil
}

// rateLimited applies the dual limit: a short cooldown tied to the
// refresh interval, and the 24-hour floor measured from when the device
// first went offline.
func (s *Scanner) rateLimited(p Params, now time.Time) (Result, bool) {
	if last, ok := p.Fields.Time(fields.KeyLastRediscoveryAttempt); ok {
		cooldown := 3 * p.RefreshInterval
		if since := now.Sub(last); since < cooldown {
			return Result{CooldownRemaining: cooldown - since}, true
		}
	}

	firstOffline, ok := p.Fields.Time(fields.KeyFirstOfflineTime)
	if !ok {
		return Result{CooldownRemaining: PeriodicRediscoveryInterval}, true
	}
	if since := now.Sub(firstOffline); since < PeriodicRediscoveryInterval {
		return Result{CooldownRemaining: PeriodicRediscoveryInterval - since}, true
	}
	if lastOK, ok := p.Fields.Time(fields.KeyLastSuccessfulRediscovery); ok {
		if since := now.Sub(lastOK); since < PeriodicRediscoveryInterval {
			return Result{CooldownRemaining: PeriodicRediscoveryInterval - since}, true
		}
	}
	return Result{}, false
}

type probeHit struct {
	octet int
	info  *grill.SysInfo
}

// scan probes prefix.start..end with bounded concurrency until a match
// (when scan_continue is off), the range end, or the deadline.
func (s *Scanner) scan(ctx context.Context, p Params, prefix string, start int) Result {
	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		cancelled   sync.Once
		isCancelled = make(chan struct{})
	)
	markCancelled := func() {
		cancelled.Do(func() { close(isCancelled) })
	}

	sem := semaphore.NewWeighted(int64(s.cfg.MaxConcurrent))
	hits := make(chan probeHit, s.cfg.ScanEndIP-s.cfg.ScanStartIP+1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	nextUnprobed := start

	go func() {
		for octet := start; octet <= s.cfg.ScanEndIP; octet++ {
			// Cooperative cancellation checked at every probe boundary.
			select {
			case <-isCancelled:
				return
			case <-scanCtx.Done():
				return
			default:
			}
			if err := sem.Acquire(scanCtx, 1); err != nil {
				return
			}
			mu.Lock()
			if octet+1 > nextUnprobed {
				nextUnprobed = octet + 1
			}
			mu.Unlock()

			wg.Add(1)
			go func(octet int) {
				defer wg.Done()
				defer sem.Release(1)
				defer func() {
					// One probe panicking must not take down the scan.
					if r := recover(); r != nil {
						log.Errorf("[%s] probe %s.%d panicked: %v", p.DeviceID, prefix, octet, r)
						metrics.DiscoveryProbes.WithLabelValues("panic").Inc()
					}
				}()
				ip := fmt.Sprintf("%s.%d", prefix, octet)
				info, err := s.probe(scanCtx, ip)
				if err != nil {
					metrics.DiscoveryProbes.WithLabelValues("miss").Inc()
					return
				}
				if !info.IsPitBoss() {
					metrics.DiscoveryProbes.WithLabelValues("other_device").Inc()
					return
				}
				metrics.DiscoveryProbes.WithLabelValues("pitboss").Inc()
				hits <- probeHit{octet: octet, info: info}
			}(octet)
		}
		// Whole range dispatched.
		wg.Wait()
		markCancelled()
	}()

	var matches []probeHit
collect:
	for {
		select {
		case hit := <-hits:
			if p.NetworkID != "" && hit.info.ID != p.NetworkID {
				log.Infof("[%s] found Pit Boss %s at %s.%d, but expected %s",
					p.DeviceID, hit.info.ID, prefix, hit.octet, p.NetworkID)
				continue
			}
			matches = append(matches, hit)
			if !s.cfg.ScanContinue {
				markCancelled()
				break collect
			}
		case <-isCancelled:
			break collect
		case <-deadline.C:
			// Deadline: flag the cancel, give outstanding probes a
			// moment to notice, and record where to resume.
			markCancelled()
			cancel()
			drainDone := make(chan struct{})
			go func() { wg.Wait(); close(drainDone) }()
			select {
			case <-drainDone:
			case <-time.After(cancelDrainWait):
			}
			mu.Lock()
			resume := nextUnprobed
			mu.Unlock()
			p.Fields.Set(fields.KeyLastScanPosition, resume, true)
			log.Warnf("[%s] scan timed out, will resume at %s.%d", p.DeviceID, prefix, resume)
			return Result{Attempted: true, TimedOut: true}
		case <-ctx.Done():
			markCancelled()
			return Result{Attempted: true}
		}
	}

	cancel()
	wg.Wait()
	// Drain any hit that raced the cancel.
	for {
		select {
		case hit := <-hits:
			if p.NetworkID == "" || hit.info.ID == p.NetworkID {
				matches = append(matches, hit)
			}
			continue
		default:
		}
		break
	}

	if len(matches) == 0 {
		return Result{Attempted: true}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].octet < matches[j].octet })
	best := matches[0]
	return Result{
		Attempted: true,
		Found:     true,
		IP:        fmt.Sprintf("%s.%d", prefix, best.octet),
		Info:      best.info,
	}
}

// subnetPrefix returns the first three octets of a dotted IPv4 address,
// ignoring any port suffix.
func subnetPrefix(hubIP string) (string, error) {
	host := hubIP
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return "", fmt.Errorf("discovery: malformed hub IP %q", hubIP)
	}
	return strings.Join(parts[:3], "."), nil
}
