package state

import (
	"time"

	"github.com/xeudoxus/pitboss-grill-driver/internal/grill"
	"github.com/xeudoxus/pitboss-grill-driver/internal/status"
)

// Reduce folds one polled result (or its absence) into the derived
// state, updating the session memory in place. Outside Reduce, only the
// controller writes SessionMemory (restoring it at start-up and marking the
// device connected after a rediscovery); the controller serialises calls.
func Reduce(prev DerivedState, mem *SessionMemory, prefs Preferences, input ReduceInput, now time.Time) DerivedState {
	switch input.Kind {
	case InputOffline:
		return reduceOffline(prev, mem, now)
	case InputAuthFail:
		return reduceAuthFail(prev, mem, now)
	default:
		return reduceFresh(prev, mem, input.Status, now)
	}
}

func reduceOffline(prev DerivedState, mem *SessionMemory, now time.Time) DerivedState {
	mem.IsConnected = false
	if mem.FirstOfflineTime.IsZero() {
		mem.FirstOfflineTime = now
	}
	panicOnOffline(mem, now)

	out := prev
	out.Connectivity = Offline
	out.Operation = Off
	out.Panic = mem.PanicState
	out.PowerW = 0
	out.Message = MessageDisconnected
	if mem.PanicState {
		out.Message = MessagePanic
	}
	return out
}

func reduceAuthFail(prev DerivedState, mem *SessionMemory, now time.Time) DerivedState {
	if !authArbitration(mem, now) {
		// First rejection: hold the previous state. Single auth blips
		// happen whenever the grill's clock straddles a bucket edge.
		return prev
	}

	out := prev
	out.Connectivity = AuthFailing
	out.Panic = mem.PanicState
	out.PowerW = 0
	if mem.LastGrillOn {
		out.Message = MessageAuthGrillOn
	} else {
		out.Message = MessageAuthGrillOff
	}
	return out
}

func reduceFresh(prev DerivedState, mem *SessionMemory, st *status.Status, now time.Time) DerivedState {
	mem.ConsecutiveAuthFailures = 0
	mem.IsConnected = true
	mem.FirstOfflineTime = time.Time{}
	panicOnSuccess(mem)

	wasOn := mem.LastGrillOn
	grillOn := st.GrillOn()
	mem.LastGrillOn = grillOn
	if grillOn {
		mem.LastActiveTime = now
	}

	target := 0
	if st.SetTemp.Connected() && int(st.SetTemp) > 0 {
		target = int(st.SetTemp)
	}

	if grillOn && !wasOn {
		// Rising edge. With a remembered target this is a power-cycle
		// continuation and the session latch survives; either way the
		// per-cycle reach flag starts over.
		mem.GrillStartTime = now
		mem.SessionReachedTemp = false
	}
	if !grillOn && wasOn {
		mem.GrillStartTime = time.Time{}
	}
	if !grillOn && target == 0 && (wasOn || mem.LastTargetTemp != 0) {
		// Complete shutdown: no target left, session over.
		mem.LastTargetTemp = 0
		mem.SessionReachedTemp = false
		mem.SessionEverReachedTemp = false
	}

	if target > 0 {
		if mem.LastTargetTemp > 0 && target != mem.LastTargetTemp {
			// Target changed mid-session; restart reach tracking.
			mem.SessionReachedTemp = false
		}
		mem.LastTargetTemp = target
	}

	current := st.GrillTemp
	threshold := TempTolerancePercent * float64(target)
	if target > 0 && current.Connected() && float64(current) >= threshold {
		mem.SessionReachedTemp = true
		mem.SessionEverReachedTemp = true
	}
	if current.Connected() {
		mem.LastSuccessfulCheck = now
	}

	cooling := !grillOn && st.FanState
	op := operationFor(prev, mem, st, grillOn, cooling, target, current, threshold)

	out := DerivedState{
		Connectivity: Online,
		Operation:    op,
		Panic:        false,
		Message:      freshMessage(prev, mem, st, op, current, now),
		PowerW:       EstimatePower(st, cooling),
		Unit:         st.Unit,
		LastStatus:   st,
	}
	out.TempRangeMin, out.TempRangeMax = grill.TemperatureRange(st.Unit)
	return out
}

func operationFor(prev DerivedState, mem *SessionMemory, st *status.Status, grillOn, cooling bool, target int, current status.Temperature, threshold float64) Operation {
	switch {
	case cooling:
		return Cooling
	case !grillOn || target == 0:
		return Off
	case !current.Connected():
		// Main temp unreadable; hold the last operating mode rather
		// than flapping through preheat.
		return prev.Operation
	case float64(current) < threshold:
		if mem.SessionEverReachedTemp {
			return Heating
		}
		return Preheating
	default:
		return AtTemp
	}
}

// freshMessage picks the user-visible line for an online grill:
// hardware errors beat temp-sensor trouble beats the operating mode.
func freshMessage(prev DerivedState, mem *SessionMemory, st *status.Status, op Operation, current status.Temperature, now time.Time) Message {
	if st.Errors.Any() {
		return HardwareErrorMessage(st.Errors.List()[0])
	}

	if !current.Connected() {
		cacheUsable := prev.LastStatus != nil && prev.LastStatus.GrillTemp.Connected()
		withinGrace := !mem.GrillStartTime.IsZero() && now.Sub(mem.GrillStartTime) <= StartupGracePeriod
		staleSuccess := mem.LastSuccessfulCheck.IsZero() || now.Sub(mem.LastSuccessfulCheck) > 2*StartupGracePeriod
		if !cacheUsable && !withinGrace && !st.AnyProbeConnected() && staleSuccess {
			return MessageMainTempError
		}
		if cacheUsable {
			return MessageCachedDelay
		}
	}

	if st.PrimeState {
		return MessagePriming
	}

	switch op {
	case Cooling:
		return MessageCooling
	case Preheating:
		return MessagePreheating
	case Heating:
		return MessageHeating
	case AtTemp:
		return MessageAtTemp
	default:
		return MessageGrillOff
	}
}
