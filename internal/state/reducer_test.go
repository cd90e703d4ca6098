package state

import (
	"testing"
	"time"

	"github.com/xeudoxus/pitboss-grill-driver/internal/status"
)

func fahrenheitStatus(mutate func(*status.Status)) *status.Status {
	st := &status.Status{
		Unit:         status.Fahrenheit,
		GrillTemp:    status.Disconnected,
		SetTemp:      status.Disconnected,
		SmokerTemp:   status.Disconnected,
		Probe1:       status.Disconnected,
		Probe2:       status.Disconnected,
		Probe3:       status.Disconnected,
		Probe4:       status.Disconnected,
		Probe1Target: status.Disconnected,
	}
	if mutate != nil {
		mutate(st)
	}
	return st
}

var t0 = time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC)

func TestSteadyHealthyPollAtTemp(t *testing.T) {
	mem := &SessionMemory{}
	st := fahrenheitStatus(func(s *status.Status) {
		s.GrillTemp = 250
		s.SetTemp = 250
		s.ModuleOn = true
		s.MotorState = true
		s.FanState = true
	})

	out := Reduce(DerivedState{}, mem, Preferences{}, Fresh(st), t0)

	if out.Connectivity != Online {
		t.Errorf("connectivity = %v, want Online", out.Connectivity)
	}
	if out.Operation != AtTemp {
		t.Errorf("operation = %v, want AtTemp", out.Operation)
	}
	if out.Panic {
		t.Error("panic = true, want false")
	}
	if out.Message != MessageAtTemp {
		t.Errorf("message = %q, want %q", out.Message, MessageAtTemp)
	}
	wantPower := BaseControllerW + (AugerMotorW - BaseControllerW) + (FanLowOperationW - BaseControllerW)
	if out.PowerW != wantPower {
		t.Errorf("power = %d, want %d", out.PowerW, wantPower)
	}
	if out.TempRangeMin != 180 || out.TempRangeMax != 500 {
		t.Errorf("temp range = %d..%d, want 180..500", out.TempRangeMin, out.TempRangeMax)
	}
	if !mem.SessionReachedTemp || !mem.SessionEverReachedTemp {
		t.Error("reach latches not set at temp")
	}
}

func TestPreheatOnFirstTurnOn(t *testing.T) {
	mem := &SessionMemory{}
	st := fahrenheitStatus(func(s *status.Status) {
		s.GrillTemp = 150
		s.SetTemp = 250
		s.MotorState = true
	})

	out := Reduce(DerivedState{}, mem, Preferences{}, Fresh(st), t0)

	if out.Operation != Preheating {
		t.Errorf("operation = %v, want Preheating", out.Operation)
	}
	if mem.SessionEverReachedTemp {
		t.Error("session_ever_reached_temp = true on first preheat")
	}
	if out.Message != MessagePreheating {
		t.Errorf("message = %q, want %q", out.Message, MessagePreheating)
	}
	if !mem.GrillStartTime.Equal(t0) {
		t.Errorf("grill_start_time = %v, want %v", mem.GrillStartTime, t0)
	}
}

func TestHeatingDistinguishesRecoveryFromPreheat(t *testing.T) {
	mem := &SessionMemory{}
	at := fahrenheitStatus(func(s *status.Status) {
		s.GrillTemp = 250
		s.SetTemp = 250
		s.MotorState = true
	})
	prev := Reduce(DerivedState{}, mem, Preferences{}, Fresh(at), t0)

	// Temperature dips after having reached target: Heating, not
	// Preheating.
	dip := fahrenheitStatus(func(s *status.Status) {
		s.GrillTemp = 210
		s.SetTemp = 250
		s.MotorState = true
	})
	out := Reduce(prev, mem, Preferences{}, Fresh(dip), t0.Add(time.Minute))
	if out.Operation != Heating {
		t.Errorf("operation = %v, want Heating", out.Operation)
	}
	if out.Message != MessageHeating {
		t.Errorf("message = %q, want %q", out.Message, MessageHeating)
	}
}

func TestPanicOnLossWhileActive(t *testing.T) {
	mem := &SessionMemory{}
	on := fahrenheitStatus(func(s *status.Status) {
		s.GrillTemp = 250
		s.SetTemp = 250
		s.ModuleOn = true
	})
	prev := Reduce(DerivedState{}, mem, Preferences{}, Fresh(on), t0)

	out := Reduce(prev, mem, Preferences{}, OfflineInput(), t0.Add(60*time.Second))

	if !out.Panic {
		t.Fatal("panic = false after losing an active grill")
	}
	if out.Message != MessagePanic {
		t.Errorf("message = %q, want %q", out.Message, MessagePanic)
	}
	if out.Connectivity != Offline {
		t.Errorf("connectivity = %v, want Offline", out.Connectivity)
	}
}

func TestPanicClearsAfterTimeout(t *testing.T) {
	mem := &SessionMemory{}
	on := fahrenheitStatus(func(s *status.Status) {
		s.ModuleOn = true
		s.SetTemp = 250
		s.GrillTemp = 200
	})
	prev := Reduce(DerivedState{}, mem, Preferences{}, Fresh(on), t0)

	mid := Reduce(prev, mem, Preferences{}, OfflineInput(), t0.Add(time.Minute))
	if !mid.Panic {
		t.Fatal("expected panic inside the activity window")
	}
	late := Reduce(mid, mem, Preferences{}, OfflineInput(), t0.Add(PanicTimeout+time.Minute))
	if late.Panic {
		t.Error("panic still set after the activity window lapsed")
	}
	if late.Message != MessageDisconnected {
		t.Errorf("message = %q, want %q", late.Message, MessageDisconnected)
	}
}

func TestPanicClearsOnFreshStatus(t *testing.T) {
	mem := &SessionMemory{}
	on := fahrenheitStatus(func(s *status.Status) { s.ModuleOn = true; s.SetTemp = 250; s.GrillTemp = 240 })
	prev := Reduce(DerivedState{}, mem, Preferences{}, Fresh(on), t0)
	prev = Reduce(prev, mem, Preferences{}, OfflineInput(), t0.Add(time.Minute))
	if !prev.Panic {
		t.Fatal("expected panic")
	}

	out := Reduce(prev, mem, Preferences{}, Fresh(on), t0.Add(2*time.Minute))
	if out.Panic {
		t.Error("panic survived a successful poll")
	}
	if out.Connectivity != Online {
		t.Errorf("connectivity = %v, want Online", out.Connectivity)
	}
}

func TestAuthFailureGrace(t *testing.T) {
	mem := &SessionMemory{}
	on := fahrenheitStatus(func(s *status.Status) { s.ModuleOn = true; s.SetTemp = 250; s.GrillTemp = 240 })
	prev := Reduce(DerivedState{}, mem, Preferences{}, Fresh(on), t0)

	// First rejection: no visible change.
	first := Reduce(prev, mem, Preferences{}, AuthFailInput(), t0.Add(30*time.Second))
	if first.Connectivity != Online {
		t.Errorf("connectivity after one auth failure = %v, want Online", first.Connectivity)
	}
	if mem.ConsecutiveAuthFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", mem.ConsecutiveAuthFailures)
	}

	// Second consecutive rejection with the grill last seen on: panic
	// engages and the auth message surfaces.
	second := Reduce(first, mem, Preferences{}, AuthFailInput(), t0.Add(60*time.Second))
	if second.Connectivity != AuthFailing {
		t.Errorf("connectivity = %v, want AuthFailing", second.Connectivity)
	}
	if !second.Panic {
		t.Error("panic = false, want true with grill last known on")
	}
	if second.Message != MessageAuthGrillOn {
		t.Errorf("message = %q, want %q", second.Message, MessageAuthGrillOn)
	}
}

func TestAuthFailureGrillOffDoesNotPanic(t *testing.T) {
	mem := &SessionMemory{}
	off := fahrenheitStatus(nil)
	prev := Reduce(DerivedState{}, mem, Preferences{}, Fresh(off), t0)

	prev = Reduce(prev, mem, Preferences{}, AuthFailInput(), t0.Add(30*time.Second))
	out := Reduce(prev, mem, Preferences{}, AuthFailInput(), t0.Add(60*time.Second))

	if out.Panic {
		t.Error("panic engaged for an auth failure with the grill off")
	}
	if out.Message != MessageAuthGrillOff {
		t.Errorf("message = %q, want %q", out.Message, MessageAuthGrillOff)
	}
}

func TestAuthFailureCounterResetsOnSuccess(t *testing.T) {
	mem := &SessionMemory{}
	st := fahrenheitStatus(func(s *status.Status) { s.GrillTemp = 225; s.SetTemp = 225; s.ModuleOn = true })
	prev := Reduce(DerivedState{}, mem, Preferences{}, Fresh(st), t0)
	prev = Reduce(prev, mem, Preferences{}, AuthFailInput(), t0.Add(30*time.Second))
	prev = Reduce(prev, mem, Preferences{}, Fresh(st), t0.Add(60*time.Second))
	if mem.ConsecutiveAuthFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 after success", mem.ConsecutiveAuthFailures)
	}
	out := Reduce(prev, mem, Preferences{}, AuthFailInput(), t0.Add(90*time.Second))
	if out.Connectivity != Online {
		t.Error("a fresh success must restart the auth grace window")
	}
}

func TestSessionEverReachedSurvivesPowerCycle(t *testing.T) {
	mem := &SessionMemory{}
	at := fahrenheitStatus(func(s *status.Status) { s.GrillTemp = 250; s.SetTemp = 250; s.ModuleOn = true })
	prev := Reduce(DerivedState{}, mem, Preferences{}, Fresh(at), t0)

	// Power cycle: grill drops off but still remembers its target.
	offWithTarget := fahrenheitStatus(func(s *status.Status) { s.GrillTemp = 240; s.SetTemp = 250 })
	prev = Reduce(prev, mem, Preferences{}, Fresh(offWithTarget), t0.Add(time.Minute))
	if !mem.SessionEverReachedTemp {
		t.Fatal("session latch cleared by a power cycle with target retained")
	}

	// Back on below threshold: the rising edge restarts the per-cycle
	// reach flag, and the recovery shows Heating rather than Preheating.
	backOn := fahrenheitStatus(func(s *status.Status) { s.GrillTemp = 200; s.SetTemp = 250; s.ModuleOn = true })
	out := Reduce(prev, mem, Preferences{}, Fresh(backOn), t0.Add(2*time.Minute))
	if mem.SessionReachedTemp {
		t.Error("per-cycle reach flag should reset on the rising edge")
	}
	if out.Operation != Heating {
		t.Errorf("operation = %v, want Heating after power-cycle recovery", out.Operation)
	}
}

func TestCompleteShutdownClearsSessionLatch(t *testing.T) {
	mem := &SessionMemory{}
	at := fahrenheitStatus(func(s *status.Status) { s.GrillTemp = 250; s.SetTemp = 250; s.ModuleOn = true })
	prev := Reduce(DerivedState{}, mem, Preferences{}, Fresh(at), t0)

	// Falling edge with no target remembered by the grill: full
	// shutdown.
	off := fahrenheitStatus(func(s *status.Status) { s.GrillTemp = 180 })
	out := Reduce(prev, mem, Preferences{}, Fresh(off), t0.Add(time.Minute))

	if mem.SessionEverReachedTemp {
		t.Error("session latch survived a complete shutdown")
	}
	if mem.LastTargetTemp != 0 {
		t.Errorf("last target = %d, want cleared", mem.LastTargetTemp)
	}
	if out.Operation != Off {
		t.Errorf("operation = %v, want Off", out.Operation)
	}
	if out.Message != MessageGrillOff {
		t.Errorf("message = %q, want %q", out.Message, MessageGrillOff)
	}
}

func TestTargetChangeResetsReachTracking(t *testing.T) {
	mem := &SessionMemory{}
	at := fahrenheitStatus(func(s *status.Status) { s.GrillTemp = 250; s.SetTemp = 250; s.ModuleOn = true })
	prev := Reduce(DerivedState{}, mem, Preferences{}, Fresh(at), t0)
	if !mem.SessionReachedTemp {
		t.Fatal("expected reach latch")
	}

	bumped := fahrenheitStatus(func(s *status.Status) { s.GrillTemp = 250; s.SetTemp = 400; s.ModuleOn = true })
	out := Reduce(prev, mem, Preferences{}, Fresh(bumped), t0.Add(time.Minute))
	if mem.SessionReachedTemp {
		t.Error("reach flag survived a target change")
	}
	if out.Operation != Heating {
		t.Errorf("operation = %v, want Heating toward the new target", out.Operation)
	}
}

func TestCoolingAfterShutdownWithFan(t *testing.T) {
	mem := &SessionMemory{LastGrillOn: true, LastActiveTime: t0, LastTargetTemp: 250}
	st := fahrenheitStatus(func(s *status.Status) {
		s.GrillTemp = 220
		s.SetTemp = 250
		s.FanState = true
	})

	out := Reduce(DerivedState{}, mem, Preferences{}, Fresh(st), t0.Add(time.Minute))
	if out.Operation != Cooling {
		t.Errorf("operation = %v, want Cooling", out.Operation)
	}
	if out.Message != MessageCooling {
		t.Errorf("message = %q, want %q", out.Message, MessageCooling)
	}
	if out.PowerW != BaseControllerW+(FanHighCoolingW-BaseControllerW) {
		t.Errorf("power = %d, want high-speed fan contribution", out.PowerW)
	}
}

func TestHardwareErrorBeatsOperationalMessage(t *testing.T) {
	mem := &SessionMemory{}
	st := fahrenheitStatus(func(s *status.Status) {
		s.GrillTemp = 250
		s.SetTemp = 250
		s.ModuleOn = true
		s.Errors = 0
	})
	st.Errors |= 0x80 // no_pellets bit

	out := Reduce(DerivedState{}, mem, Preferences{}, Fresh(st), t0)
	if out.Message != Message(status.NoPellets.String()) {
		t.Errorf("message = %q, want hardware error text", out.Message)
	}
}

func TestPrimingMessage(t *testing.T) {
	mem := &SessionMemory{}
	st := fahrenheitStatus(func(s *status.Status) {
		s.GrillTemp = 250
		s.SetTemp = 250
		s.ModuleOn = true
		s.PrimeState = true
	})
	out := Reduce(DerivedState{}, mem, Preferences{}, Fresh(st), t0)
	if out.Message != MessagePriming {
		t.Errorf("message = %q, want %q", out.Message, MessagePriming)
	}
}

func TestMainTempMessages(t *testing.T) {
	// Invalid main temp with a usable cached reading: delay message.
	mem := &SessionMemory{}
	good := fahrenheitStatus(func(s *status.Status) { s.GrillTemp = 250; s.SetTemp = 250; s.ModuleOn = true })
	prev := Reduce(DerivedState{}, mem, Preferences{}, Fresh(good), t0)

	bad := fahrenheitStatus(func(s *status.Status) { s.SetTemp = 250; s.ModuleOn = true })
	out := Reduce(prev, mem, Preferences{}, Fresh(bad), t0.Add(30*time.Second))
	if out.Message != MessageCachedDelay {
		t.Errorf("message = %q, want %q", out.Message, MessageCachedDelay)
	}
	if out.Operation != AtTemp {
		t.Errorf("operation = %v, want last known AtTemp held", out.Operation)
	}

	// No cache, no probes, out of the startup grace window, stale
	// success: hard failure. The grill has been on for an hour.
	mem2 := &SessionMemory{LastGrillOn: true, GrillStartTime: t0}
	out2 := Reduce(DerivedState{}, mem2, Preferences{}, Fresh(bad), t0.Add(time.Hour))
	if out2.Message != MessageMainTempError {
		t.Errorf("message = %q, want %q", out2.Message, MessageMainTempError)
	}

	// Same but a probe still reads: not a hard failure.
	probeOK := fahrenheitStatus(func(s *status.Status) { s.SetTemp = 250; s.ModuleOn = true; s.Probe1 = 140 })
	out3 := Reduce(DerivedState{}, &SessionMemory{}, Preferences{}, Fresh(probeOK), t0.Add(time.Hour))
	if out3.Message == MessageMainTempError {
		t.Error("main-temp failure raised while a probe is still valid")
	}
}

func TestPowerEstimateBounds(t *testing.T) {
	combos := []*status.Status{
		fahrenheitStatus(nil),
		fahrenheitStatus(func(s *status.Status) { s.MotorState = true }),
		fahrenheitStatus(func(s *status.Status) { s.HotState = true; s.FanState = true; s.MotorState = true }),
		fahrenheitStatus(func(s *status.Status) { s.LightState = true; s.PrimeState = true }),
	}
	for i, st := range combos {
		for _, cooling := range []bool{false, true} {
			got := EstimatePower(st, cooling)
			if got < BaseControllerW || got < 0 {
				t.Errorf("combo %d cooling=%v: power = %d, below base", i, cooling, got)
			}
		}
	}
}

func TestCelsiusTempRange(t *testing.T) {
	mem := &SessionMemory{}
	st := fahrenheitStatus(func(s *status.Status) {
		s.Unit = status.Celsius
		s.GrillTemp = 120
		s.SetTemp = 121
		s.ModuleOn = true
	})
	out := Reduce(DerivedState{}, mem, Preferences{}, Fresh(st), t0)
	if out.TempRangeMin != 82 || out.TempRangeMax != 260 {
		t.Errorf("temp range = %d..%d, want 82..260", out.TempRangeMin, out.TempRangeMax)
	}
}
