// Package state folds polled grill snapshots into the derived
// operational state exposed to the home-automation host, and owns the
// panic-safety arbitration for a grill that goes silent while hot.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xeudoxus/pitboss-grill-driver/internal/status"
)

// TempTolerancePercent is the fraction of the target at which the grill
// counts as having reached temperature.
const TempTolerancePercent = 0.95

// PanicTimeout is how long after the last active reading an unreachable
// grill is still treated as a safety concern.
const PanicTimeout = 300 * time.Second

// StartupGracePeriod suppresses main-temp alarms right after ignition,
// when the RTD routinely reads garbage.
const StartupGracePeriod = 120 * time.Second

// authFailureThreshold is how many consecutive auth rejections are
// tolerated before the failure is acted on.
const authFailureThreshold = 2

// Connectivity is the reachability classification of the grill.
type Connectivity int

const (
	Online Connectivity = iota
	Offline
	AuthFailing
)

var connectivityNames = map[Connectivity]string{
	Online:      "online",
	Offline:     "offline",
	AuthFailing: "auth_failing",
}

func (c Connectivity) String() string {
	if s, ok := connectivityNames[c]; ok {
		return s
	}
	return "unknown"
}

func (c Connectivity) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Connectivity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range connectivityNames {
		if v == s {
			*c = k
			return nil
		}
	}
	return fmt.Errorf("state: unknown connectivity %q", s)
}

// Operation is the grill's derived operating mode.
type Operation int

const (
	Off Operation = iota
	Preheating
	Heating
	AtTemp
	Cooling
)

var operationNames = map[Operation]string{
	Off:        "off",
	Preheating: "preheating",
	Heating:    "heating",
	AtTemp:     "at_temp",
	Cooling:    "cooling",
}

func (o Operation) String() string {
	if s, ok := operationNames[o]; ok {
		return s
	}
	return "unknown"
}

func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range operationNames {
		if v == s {
			*o = k
			return nil
		}
	}
	return fmt.Errorf("state: unknown operation %q", s)
}

// Message is a user-visible status line, rendered by the host. The
// values are the wire strings.
type Message string

const (
	MessageConnected           Message = "Connected"
	MessageRediscovered        Message = "Connected (Rediscovered)"
	MessagePeriodicRediscovery Message = "Connected (Periodic Rediscovery)"
	MessageDisconnected        Message = "Disconnected"
	MessageCooling             Message = "Connected (Cooling)"
	MessagePreheating          Message = "Connected (Preheating)"
	MessageHeating             Message = "Connected (Heating)"
	MessageAtTemp              Message = "Connected (At Temp)"
	MessageGrillOff            Message = "Connected (Grill Off)"
	MessagePriming             Message = "Connected (Grill Priming)"
	MessagePrimeOff            Message = "Connected (Grill Prime Off)"
	MessageAuthGrillOn         Message = "Auth Issue (Grill On)"
	MessageAuthGrillOff        Message = "Auth Issue (Grill Off)"
	MessageCachedDelay         Message = "Msg Delay: Last Known"
	MessageMainTempError       Message = "Error with Main Temp"
	MessagePanic               Message = "PANIC: Lost Connection (Grill Was On!)"
)

// HardwareErrorMessage renders a hardware error flag as its message.
func HardwareErrorMessage(f status.ErrorFlag) Message {
	return Message(f.String())
}

// SessionMemory is the per-device state that survives between polls.
// A session ends at a complete shutdown; brief power cycles keep it alive
// as long as a target temperature is remembered.
type SessionMemory struct {
	GrillStartTime          time.Time
	LastTargetTemp          int // 0 = none
	SessionReachedTemp      bool
	SessionEverReachedTemp  bool
	LastActiveTime          time.Time
	PanicState              bool
	ConsecutiveAuthFailures int
	FirstOfflineTime        time.Time

	LastGrillOn         bool
	IsConnected         bool
	LastSuccessfulCheck time.Time
}

// DerivedState is the reducer output handed to the host.
type DerivedState struct {
	Connectivity Connectivity   `json:"connectivity"`
	Operation    Operation      `json:"operation"`
	Panic        bool           `json:"panic"`
	Message      Message        `json:"message"`
	PowerW       int            `json:"powerW"`
	Unit         status.Unit    `json:"unit"`
	TempRangeMin int            `json:"tempRangeMin"`
	TempRangeMax int            `json:"tempRangeMax"`
	LastStatus   *status.Status `json:"lastStatus,omitempty"`
}

// Preferences are the user settings the reducer consults.
type Preferences struct {
	RefreshInterval time.Duration
}

// InputKind classifies one reducer input.
type InputKind int

const (
	InputFresh InputKind = iota
	InputOffline
	InputAuthFail
)

// ReduceInput is one polled result (or its absence).
type ReduceInput struct {
	Kind   InputKind
	Status *status.Status // set when Kind == InputFresh
}

// Fresh wraps a decoded status as reducer input.
func Fresh(st *status.Status) ReduceInput {
	return ReduceInput{Kind: InputFresh, Status: st}
}

// OfflineInput marks a failed poll (transport or protocol failure).
func OfflineInput() ReduceInput { return ReduceInput{Kind: InputOffline} }

// AuthFailInput marks a poll rejected by the grill's auth check.
func AuthFailInput() ReduceInput { return ReduceInput{Kind: InputAuthFail} }
