package grill

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xeudoxus/pitboss-grill-driver/internal/codec"
	"github.com/xeudoxus/pitboss-grill-driver/internal/status"
)

// Temperature bounds accepted by the firmware, in each native unit.
const (
	MinTempF = 180
	MaxTempF = 500
	MinTempC = 82
	MaxTempC = 260
)

// MinimumFirmwareVersion is the oldest firmware the RPC protocol is known
// to work against.
const MinimumFirmwareVersion = "0.5.7"

// ApprovedSetpointsF are the discrete Fahrenheit targets the firmware
// accepts.
var ApprovedSetpointsF = []int{180, 200, 225, 250, 275, 300, 325, 350, 375, 400, 425, 450, 475, 500}

// ApprovedSetpointsC are the discrete Celsius targets the firmware
// accepts.
var ApprovedSetpointsC = []int{82, 93, 107, 121, 135, 148, 162, 176, 190, 204, 218, 232, 260}

// SnapToApproved returns the approved setpoint closest to t for the given
// unit. Ties go to the lower value, matching the firmware's own rounding.
func SnapToApproved(t int, unit status.Unit) int {
	list := ApprovedSetpointsF
	if unit == status.Celsius {
		list = ApprovedSetpointsC
	}
	best := list[0]
	bestDist := abs(t - best)
	for _, s := range list[1:] {
		if d := abs(t - s); d < bestDist {
			best, bestDist = s, d
		}
	}
	return best
}

// TemperatureRange returns the host-visible min/max for the unit.
func TemperatureRange(unit status.Unit) (min, max int) {
	if unit == status.Celsius {
		return MinTempC, MaxTempC
	}
	return MinTempF, MaxTempF
}

// EncodeSetTemperature validates, snaps, and encodes a target temperature
// command. Returns the raw command hex and the snapped value.
func EncodeSetTemperature(t int, unit status.Unit) (string, int, error) {
	min, max := TemperatureRange(unit)
	if t < min || t > max {
		return "", 0, fmt.Errorf("%w: temperature %d outside %d..%d", ErrInvalidArgument, t, min, max)
	}
	snapped := SnapToApproved(t, unit)
	cmd := []byte{0xfe, 0x05, 0x01,
		byte(snapped / 100), byte(snapped / 10 % 10), byte(snapped % 10),
		0xff}
	return codec.EncodeHex(cmd), snapped, nil
}

// EncodeSetLight encodes the light toggle command.
func EncodeSetLight(on bool) string {
	return onOffCommand(0x02, on, 0x01, 0x00)
}

// EncodeSetPrime encodes the auger prime toggle command.
func EncodeSetPrime(on bool) string {
	return onOffCommand(0x08, on, 0x01, 0x00)
}

// EncodeSetPower encodes the power command. The firmware's off opcode is
// 0x02, not 0x00.
func EncodeSetPower(on bool) string {
	return onOffCommand(0x01, on, 0x01, 0x02)
}

// EncodeSetUnit encodes the temperature unit command.
func EncodeSetUnit(celsius bool) string {
	return onOffCommand(0x09, celsius, 0x02, 0x01)
}

func onOffCommand(op byte, on bool, onByte, offByte byte) string {
	b := offByte
	if on {
		b = onByte
	}
	return codec.EncodeHex([]byte{0xfe, op, b, 0xff})
}

// IsFirmwareValid reports whether version v is at least
// MinimumFirmwareVersion. Versions are dotted numerics padded to three
// components; anything unparsable is invalid.
func IsFirmwareValid(v string) bool {
	parsed, ok := parseVersion(v)
	if !ok {
		return false
	}
	minimum, _ := parseVersion(MinimumFirmwareVersion)
	for i := range minimum {
		if parsed[i] != minimum[i] {
			return parsed[i] > minimum[i]
		}
	}
	return true
}

func parseVersion(v string) ([3]int, bool) {
	var out [3]int
	if v == "" {
		return out, false
	}
	parts := strings.Split(v, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, false
		}
		out[i] = n
	}
	return out, true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
