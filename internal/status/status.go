// Package status decodes the two variable-length state blobs returned by
// PB.GetState into a typed snapshot of the grill.
package status

import (
	"encoding/json"
	"fmt"

	"github.com/xeudoxus/pitboss-grill-driver/internal/codec"
)

// Unit is the temperature unit the grill is operating in.
type Unit int

const (
	Fahrenheit Unit = iota
	Celsius
)

func (u Unit) String() string {
	if u == Celsius {
		return "C"
	}
	return "F"
}

func (u Unit) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *Unit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "C" {
		*u = Celsius
	} else {
		*u = Fahrenheit
	}
	return nil
}

// Temperature is a probe reading in the grill's native unit. Disconnected
// marks a probe that is absent or returning an invalid reading.
type Temperature int

// Disconnected is the sentinel for an absent or invalid probe.
const Disconnected Temperature = -1

// Connected reports whether the reading came from an attached probe.
func (t Temperature) Connected() bool { return t != Disconnected }

func (t Temperature) MarshalJSON() ([]byte, error) {
	if t == Disconnected {
		return []byte("null"), nil
	}
	return json.Marshal(int(t))
}

func (t *Temperature) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = Disconnected
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*t = Temperature(v)
	return nil
}

// ErrorFlag identifies one hardware error bit reported in sc_11.
type ErrorFlag uint16

const (
	Error1 ErrorFlag = 1 << iota
	Error2
	Error3
	HighTemp
	FanError
	HotError
	MotorError
	NoPellets
	ErL
)

// errorFlagOrder is the sc_11 byte order of the error bits.
var errorFlagOrder = []ErrorFlag{
	Error1, Error2, Error3, HighTemp, FanError, HotError, MotorError, NoPellets, ErL,
}

var errorFlagText = map[ErrorFlag]string{
	Error1:     "Error 1",
	Error2:     "Error 2",
	Error3:     "Error 3",
	HighTemp:   "High Temp Error",
	FanError:   "Fan Error",
	HotError:   "Igniter Error",
	MotorError: "Auger Error",
	NoPellets:  "No Pellets",
	ErL:        "ErL (Start-Up Failure)",
}

func (f ErrorFlag) String() string {
	if s, ok := errorFlagText[f]; ok {
		return s
	}
	return fmt.Sprintf("ErrorFlag(%d)", uint16(f))
}

// Errors is a bitset of ErrorFlag values.
type Errors uint16

func (e Errors) Has(f ErrorFlag) bool { return uint16(e)&uint16(f) != 0 }
func (e Errors) Any() bool            { return e != 0 }

// List returns the set flags in sc_11 byte order.
func (e Errors) List() []ErrorFlag {
	var out []ErrorFlag
	for _, f := range errorFlagOrder {
		if e.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// RecipeTime is the remaining recipe time reported by the grill.
type RecipeTime struct {
	Hours   uint8 `json:"hours"`
	Minutes uint8 `json:"minutes"`
	Seconds uint8 `json:"seconds"`
}

func (r RecipeTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", r.Hours, r.Minutes, r.Seconds)
}

// Status is one decoded poll snapshot.
type Status struct {
	Unit Unit `json:"unit"`

	GrillTemp  Temperature `json:"grillTemp"`
	SetTemp    Temperature `json:"setTemp"`
	SmokerTemp Temperature `json:"smokerTemp"`

	Probe1       Temperature `json:"p1"`
	Probe2       Temperature `json:"p2"`
	Probe3       Temperature `json:"p3"`
	Probe4       Temperature `json:"p4"`
	Probe1Target Temperature `json:"p1Target"`

	ModuleOn   bool `json:"moduleOn"`
	MotorState bool `json:"motorState"`
	HotState   bool `json:"hotState"`
	FanState   bool `json:"fanState"`
	LightState bool `json:"lightState"`
	PrimeState bool `json:"primeState"`

	Errors Errors `json:"errors"`

	RecipeStep *uint8      `json:"recipeStep,omitempty"`
	RecipeTime *RecipeTime `json:"recipeTime,omitempty"`
}

// GrillOn reports whether any heat-producing component is running.
func (s *Status) GrillOn() bool {
	return s.MotorState || s.HotState || s.ModuleOn
}

// AnyProbeConnected reports whether at least one food probe has a valid
// reading.
func (s *Status) AnyProbeConnected() bool {
	for _, p := range []Temperature{s.Probe1, s.Probe2, s.Probe3, s.Probe4} {
		if p.Connected() {
			return true
		}
	}
	return false
}

// Decode parses the sc_11 and sc_12 hex blobs into a Status. Fields the
// blobs are too short to contain keep their defensive defaults: booleans
// false, temperatures Disconnected, unit Fahrenheit.
func Decode(sc11hex, sc12hex string) Status {
	sc11 := codec.DecodeHex(sc11hex)
	sc12 := codec.DecodeHex(sc12hex)

	s := Status{
		Unit:         Fahrenheit,
		GrillTemp:    Disconnected,
		SetTemp:      Disconnected,
		SmokerTemp:   Disconnected,
		Probe1:       Disconnected,
		Probe2:       Disconnected,
		Probe3:       Disconnected,
		Probe4:       Disconnected,
		Probe1Target: Disconnected,
	}

	// sc_12 layout, 1-based offsets per the firmware map.
	s.Probe1Target = tempAt(sc12, 3)
	s.Probe1 = tempAt(sc12, 6)
	s.Probe2 = tempAt(sc12, 9)
	s.Probe3 = tempAt(sc12, 12)
	s.Probe4 = tempAt(sc12, 15)
	s.SetTemp = tempAt(sc12, 21)
	s.GrillTemp = tempAt(sc12, 24)
	if len(sc12) >= 27 && sc12[26] != 1 {
		s.Unit = Celsius
	}

	// sc_11 layout.
	s.SmokerTemp = tempAt(sc11, 21)
	s.ModuleOn = boolAt(sc11, 25)
	for i, f := range errorFlagOrder {
		if boolAt(sc11, 26+i) {
			s.Errors |= Errors(f)
		}
	}
	s.FanState = boolAt(sc11, 35)
	s.HotState = boolAt(sc11, 36)
	s.MotorState = boolAt(sc11, 37)
	s.LightState = boolAt(sc11, 38)
	s.PrimeState = boolAt(sc11, 39)

	if len(sc11) >= 41 {
		step := sc11[40]
		s.RecipeStep = &step
	}
	if len(sc11) >= 44 {
		s.RecipeTime = &RecipeTime{Hours: sc11[41], Minutes: sc11[42], Seconds: sc11[43]}
	}

	return s
}

// ConvertTemperature reads the hundreds/tens/units triple at the 1-based
// offset and returns the reading, or Disconnected for any of the sentinel
// triples.
func ConvertTemperature(b []byte, offset int) Temperature {
	return tempAt(b, offset)
}

func tempAt(b []byte, offset int) Temperature {
	i := offset - 1
	if i < 0 || i+2 >= len(b) {
		return Disconnected
	}
	h, t, u := b[i], b[i+1], b[i+2]
	switch {
	case h == 0 && t == 9 && u == 6:
		return Disconnected
	case h == 0 && t == 0 && u == 0:
		return Disconnected
	case h == 255 && t == 255 && u == 255:
		return Disconnected
	}
	v := 100*int(h) + 10*int(t) + int(u)
	if v == 960 {
		return Disconnected
	}
	return Temperature(v)
}

func boolAt(b []byte, offset int) bool {
	i := offset - 1
	return i >= 0 && i < len(b) && b[i] != 0
}
