package controller

import (
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/xeudoxus/pitboss-grill-driver/internal/fields"
	"github.com/xeudoxus/pitboss-grill-driver/internal/state"
)

// Health-check scheduling bounds and multipliers.
const (
	MinHealthCheckInterval = 15 * time.Second
	MaxHealthCheckInterval = 300 * time.Second
	MaxHealthIntervalCap   = 3600 * time.Second

	PanicRecoveryMultiplier = 0.3
	PreheatingMultiplier    = 0.5
	ActiveMultiplier        = 1.0
	InactiveMultiplier      = 6.0

	// timerRecoveryAttempts is how many times a failed arm is retried
	// before the scheduler gives up and flags itself for restart.
	timerRecoveryAttempts = 3
)

// DefaultRefreshInterval is the poll base when no preference is set.
const DefaultRefreshInterval = 30 * time.Second

// ComputeInterval derives the next poll interval from the derived state.
// Panic recovery polls fastest; an idle grill polls slowest. The result
// is always within the health-check clamp.
func ComputeInterval(base time.Duration, st state.DerivedState) time.Duration {
	if base <= 0 {
		base = DefaultRefreshInterval
	}

	grillOn := st.Connectivity == state.Online && st.LastStatus != nil && st.LastStatus.GrillOn()
	var mult float64
	switch {
	case st.Panic:
		mult = PanicRecoveryMultiplier
	case grillOn && st.Operation == state.Preheating:
		mult = PreheatingMultiplier
	case grillOn:
		mult = ActiveMultiplier
	default:
		mult = InactiveMultiplier
	}

	iv := time.Duration(float64(base) * mult)
	if iv < MinHealthCheckInterval {
		iv = MinHealthCheckInterval
	}
	if iv > MaxHealthCheckInterval {
		iv = MaxHealthCheckInterval
	}
	if iv > MaxHealthIntervalCap {
		iv = MaxHealthIntervalCap
	}
	return iv
}

// timerStaleAfter is when a recorded-but-never-fired timer is presumed
// dead and may be replaced.
const timerStaleAfter = time.Duration(float64(MaxHealthCheckInterval) * InactiveMultiplier)

// armFunc schedules fn after d and returns a cancel function. Injectable
// so tests can simulate arm failures and control firing.
type armFunc func(d time.Duration, fn func()) (cancel func() bool, err error)

func defaultArm(d time.Duration, fn func()) (func() bool, error) {
	t := time.AfterFunc(d, fn)
	return t.Stop, nil
}

// armHealthTimer creates the next health-check timer, recording its
// token and schedule time atomically with creation. The caller must hold
// c.mu; at most one timer is armed per device.
func (c *Controller) armHealthTimer(interval time.Duration) error {
	c.cancelHealthTimerLocked()

	id := uuid.NewString()
	cancel, err := c.arm(interval, func() { c.tick(id) })
	if err != nil {
		return err
	}
	c.timerID = id
	c.timerCancel = cancel
	c.fields.Set(fields.KeyHealthTimerID, id, true)
	c.fields.Set(fields.KeyLastHealthScheduled, c.now().Format(time.RFC3339Nano), true)
	return nil
}

// cancelHealthTimerLocked stops any armed timer and clears its record.
// A cancelled timer's tick sees a stale token and does nothing even if
// it already fired.
func (c *Controller) cancelHealthTimerLocked() {
	if c.timerCancel != nil {
		c.timerCancel()
		c.timerCancel = nil
	}
	c.timerID = ""
	c.fields.Delete(fields.KeyHealthTimerID)
	c.fields.Delete(fields.KeyLastHealthScheduled)
}

// armNext schedules the next tick, falling back to the recovery process
// when arming fails. Caller must hold c.mu.
func (c *Controller) armNext(interval time.Duration) {
	if c.closed {
		return
	}
	if err := c.armHealthTimer(interval); err != nil {
		log.Errorf("[%s] arming health timer: %v", c.deviceID, err)
		c.startTimerRecoveryLocked()
	}
}

// startTimerRecoveryLocked retries arming with a linear backoff. After
// the attempts are exhausted the controller flags itself so the next
// external trigger performs a complete restart.
func (c *Controller) startTimerRecoveryLocked() {
	for attempt := 1; attempt <= timerRecoveryAttempts; attempt++ {
		backoff := MinHealthCheckInterval * time.Duration(attempt)
		if backoff > MaxHealthCheckInterval {
			backoff = MaxHealthCheckInterval
		}
		if err := c.armHealthTimer(backoff); err == nil {
			log.Infof("[%s] health timer recovered on attempt %d", c.deviceID, attempt)
			return
		}
	}
	log.Errorf("[%s] health timer recovery failed, flagging for restart", c.deviceID)
	c.fields.Set(fields.KeyTimerRecoveryFailed, true, true)
}

// EnsureTimerActive re-arms the scheduler if its recorded timer is
// missing or stale, and performs the full restart a failed recovery
// asked for.
func (c *Controller) EnsureTimerActive() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fields.Bool(fields.KeyTimerRecoveryFailed) {
		c.fields.Delete(fields.KeyTimerRecoveryFailed)
		c.firstAfterSetup = true
		c.fields.Set(fields.KeyFirstHealthCheckAfterSetup, true, true)
		c.armNext(c.firstInterval())
		return
	}

	if c.timerID != "" {
		if scheduled, ok := c.fields.Time(fields.KeyLastHealthScheduled); ok {
			if c.now().Sub(scheduled) <= timerStaleAfter {
				return
			}
			log.Warnf("[%s] recorded health timer is stale, re-arming", c.deviceID)
		} else {
			return
		}
	}
	c.armNext(ComputeInterval(c.refreshInterval(), c.derived))
}

// firstInterval is the one-shot shorter interval used right after setup.
func (c *Controller) firstInterval() time.Duration {
	base := c.refreshInterval()
	if base < MinHealthCheckInterval {
		return MinHealthCheckInterval
	}
	return base
}

func (c *Controller) refreshInterval() time.Duration {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	if c.cfg.Device.RefreshInterval > 0 {
		return c.cfg.Device.RefreshInterval
	}
	return DefaultRefreshInterval
}
