package model

import "time"

// DeviceKind names a class of observatory hardware.
type DeviceKind string

const (
	DeviceTelescope   DeviceKind = "telescope"
	DeviceCamera      DeviceKind = "camera"
	DeviceFilterWheel DeviceKind = "filterwheel"
	DeviceRotator     DeviceKind = "rotator"
	DeviceCover       DeviceKind = "cover"
)

// DeviceKinds lists every kind in shutdown-report order.
var DeviceKinds = []DeviceKind{DeviceTelescope, DeviceCamera, DeviceFilterWheel, DeviceRotator, DeviceCover}

// DeviceState is the coarse condition of a device.
type DeviceState int

const (
	DeviceDisconnected DeviceState = iota
	DeviceIdle
	DeviceBusy // moving or exposing
	DeviceError
)

func (s DeviceState) String() string {
	switch s {
	case DeviceDisconnected:
		return "disconnected"
	case DeviceIdle:
		return "idle"
	case DeviceBusy:
		return "busy"
	case DeviceError:
		return "error"
	default:
		return "unknown"
	}
}

// DeviceStatus is a point-in-time view of one device.
type DeviceStatus struct {
	Kind      DeviceKind
	State     DeviceState
	Activity  string // "slewing", "exposing", ... while busy
	Reason    string // set when State == DeviceError
	UpdatedAt time.Time
}
