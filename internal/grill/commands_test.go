package grill

import (
	"errors"
	"testing"

	"github.com/xeudoxus/pitboss-grill-driver/internal/status"
)

func TestEncodeSetTemperature(t *testing.T) {
	tests := []struct {
		in       int
		unit     status.Unit
		wantHex  string
		wantSnap int
	}{
		{240, status.Fahrenheit, "fe0501020500ff", 250},
		{237, status.Fahrenheit, "fe0501020205ff", 225},
		{250, status.Fahrenheit, "fe0501020500ff", 250},
		{180, status.Fahrenheit, "fe0501010800ff", 180},
		{500, status.Fahrenheit, "fe0501050000ff", 500},
		{100, status.Celsius, "fe0501000903ff", 93},
		{260, status.Celsius, "fe0501020600ff", 260},
	}
	for _, tt := range tests {
		hex, snapped, err := EncodeSetTemperature(tt.in, tt.unit)
		if err != nil {
			t.Errorf("EncodeSetTemperature(%d, %v) error: %v", tt.in, tt.unit, err)
			continue
		}
		if hex != tt.wantHex || snapped != tt.wantSnap {
			t.Errorf("EncodeSetTemperature(%d, %v) = %q/%d, want %q/%d",
				tt.in, tt.unit, hex, snapped, tt.wantHex, tt.wantSnap)
		}
	}
}

func TestEncodeSetTemperatureOutOfRange(t *testing.T) {
	for _, v := range []int{600, 179, 0, -10, 501} {
		if _, _, err := EncodeSetTemperature(v, status.Fahrenheit); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("EncodeSetTemperature(%d) error = %v, want ErrInvalidArgument", v, err)
		}
	}
	if _, _, err := EncodeSetTemperature(81, status.Celsius); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("celsius 81 error = %v, want ErrInvalidArgument", err)
	}
}

func TestSnapToApproved(t *testing.T) {
	tests := []struct {
		in   int
		unit status.Unit
		want int
	}{
		{190, status.Fahrenheit, 180}, // equidistant; tie goes low
		{212, status.Fahrenheit, 200},
		{213, status.Fahrenheit, 225},
		{499, status.Fahrenheit, 500},
		{100, status.Celsius, 93},
		{246, status.Celsius, 232},
	}
	for _, tt := range tests {
		if got := SnapToApproved(tt.in, tt.unit); got != tt.want {
			t.Errorf("SnapToApproved(%d, %v) = %d, want %d", tt.in, tt.unit, got, tt.want)
		}
	}
}

func TestSnapAlwaysApproved(t *testing.T) {
	approved := make(map[int]bool)
	for _, s := range ApprovedSetpointsF {
		approved[s] = true
	}
	for v := MinTempF; v <= MaxTempF; v++ {
		if !approved[SnapToApproved(v, status.Fahrenheit)] {
			t.Fatalf("SnapToApproved(%d) not in approved list", v)
		}
	}
}

func TestToggleCommands(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"light on", EncodeSetLight(true), "fe0201ff"},
		{"light off", EncodeSetLight(false), "fe0200ff"},
		{"prime on", EncodeSetPrime(true), "fe0801ff"},
		{"prime off", EncodeSetPrime(false), "fe0800ff"},
		{"power on", EncodeSetPower(true), "fe0101ff"},
		{"power off", EncodeSetPower(false), "fe0102ff"},
		{"unit C", EncodeSetUnit(true), "fe0902ff"},
		{"unit F", EncodeSetUnit(false), "fe0901ff"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestIsFirmwareValid(t *testing.T) {
	tests := []struct {
		v    string
		want bool
	}{
		{"0.5.7", true},
		{"0.5.6", false},
		{"1.0", true},
		{"", false},
		{"0.5", false},
		{"0.6", true},
		{"0.5.10", true},
		{"2", true},
		{"abc", false},
		{"0.5.x", false},
	}
	for _, tt := range tests {
		if got := IsFirmwareValid(tt.v); got != tt.want {
			t.Errorf("IsFirmwareValid(%q) = %v, want %v", tt.v, got, tt.want)
		}
	}
}
