package state

import "github.com/xeudoxus/pitboss-grill-driver/internal/status"

// Nominal component wattages. Each running component contributes its
// nominal draw minus the controller base so the base is counted once.
const (
	BaseControllerW  = 25
	AugerMotorW      = 55
	IgniterW         = 325
	FanLowOperationW = 45
	FanHighCoolingW  = 75
	LightW           = 40
	PrimePumpW       = 55
)

// EstimatePower approximates the grill's electrical draw from the
// reported component states. cooling selects the high fan speed used
// for the shutdown purge.
func EstimatePower(st *status.Status, cooling bool) int {
	w := BaseControllerW
	if st == nil {
		return w
	}
	if st.MotorState {
		w += AugerMotorW - BaseControllerW
	}
	if st.HotState {
		w += IgniterW - BaseControllerW
	}
	if st.FanState {
		if cooling {
			w += FanHighCoolingW - BaseControllerW
		} else {
			w += FanLowOperationW - BaseControllerW
		}
	}
	if st.LightState {
		w += LightW - BaseControllerW
	}
	if st.PrimeState {
		w += PrimePumpW - BaseControllerW
	}
	if w < 0 {
		w = 0
	}
	return w
}
