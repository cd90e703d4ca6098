package state

import "time"

// Panic arbitration: a grill that was recently producing heat and then
// vanished is a safety problem; a grill that has been cold and silent
// for a while is just off.

// panicOnOffline updates the panic flag for a device believed offline.
// Entry requires recent activity; a long-silent grill exits panic on its
// own once the activity window has lapsed.
func panicOnOffline(mem *SessionMemory, now time.Time) {
	if mem.LastActiveTime.IsZero() {
		mem.PanicState = false
		return
	}
	if now.Sub(mem.LastActiveTime) <= PanicTimeout {
		mem.PanicState = true
	} else {
		mem.PanicState = false
	}
}

// panicOnSuccess clears panic when a fresh status marks the device
// online again.
func panicOnSuccess(mem *SessionMemory) {
	mem.PanicState = false
}

// authArbitration applies the consecutive-failure policy. It returns
// true once the failure count has crossed the threshold and the failure
// should surface; below the threshold the previous state stands.
func authArbitration(mem *SessionMemory, now time.Time) bool {
	mem.ConsecutiveAuthFailures++
	if mem.ConsecutiveAuthFailures < authFailureThreshold {
		return false
	}
	mem.IsConnected = false
	if mem.FirstOfflineTime.IsZero() {
		mem.FirstOfflineTime = now
	}
	if mem.LastGrillOn {
		// Auth failing while the grill was last seen burning: treat it
		// like a loss of contact with a hot grill.
		mem.PanicState = true
	} else {
		mem.PanicState = false
	}
	return true
}

// PanicMessage returns the highest-priority message while panicking.
func PanicMessage() Message { return MessagePanic }
