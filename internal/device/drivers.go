// Package device is the only component that issues raw hardware commands.
// Drivers implement one capability interface per device type; Controller
// wraps every call in a uniform timeout and retry policy and keeps the
// status board current.
package device

import (
	"context"

	"github.com/signalsfoundry/autoscope/model"
)

// Driver is the part every device shares.
type Driver interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Telescope is an equatorial mount. Coordinates are J2000 with RA in hours.
type Telescope interface {
	Driver
	Position(ctx context.Context) (raHours, decDeg float64, err error)
	SlewAsync(ctx context.Context, raHours, decDeg float64) error
	Slewing(ctx context.Context) (bool, error)
	AbortSlew(ctx context.Context) error
	SetTracking(ctx context.Context, on bool) error
	AtPark(ctx context.Context) (bool, error)
	Park(ctx context.Context) error
	Unpark(ctx context.Context) error
}

// Camera takes exposures. Image download and FITS writing happen outside
// this package.
type Camera interface {
	Driver
	StartExposure(ctx context.Context, seconds float64, light bool) error
	ImageReady(ctx context.Context) (bool, error)
	AbortExposure(ctx context.Context) error
	SetCooler(ctx context.Context, on bool) error
}

// FilterWheel selects filters by slot. Position is -1 while the wheel moves.
type FilterWheel interface {
	Driver
	Names(ctx context.Context) ([]string, error)
	Position(ctx context.Context) (int, error)
	SetPosition(ctx context.Context, slot int) error
}

// Rotator turns the camera about the optical axis.
type Rotator interface {
	Driver
	Position(ctx context.Context) (float64, error)
	MoveAbsolute(ctx context.Context, deg float64) error
	Moving(ctx context.Context) (bool, error)
	Halt(ctx context.Context) error
}

// CoverState follows the Alpaca CoverCalibrator enumeration.
type CoverState int

const (
	CoverNotPresent CoverState = iota
	CoverClosed
	CoverMoving
	CoverOpen
	CoverUnknown
	CoverError
)

func (s CoverState) String() string {
	switch s {
	case CoverNotPresent:
		return "not_present"
	case CoverClosed:
		return "closed"
	case CoverMoving:
		return "moving"
	case CoverOpen:
		return "open"
	case CoverError:
		return "error"
	default:
		return "unknown"
	}
}

// Cover is a telescope dust cover.
type Cover interface {
	Driver
	State(ctx context.Context) (CoverState, error)
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// Rig is the set of drivers for one telescope. Telescope and Camera are
// required; the rest may be nil.
type Rig struct {
	Telescope   Telescope
	Camera      Camera
	FilterWheel FilterWheel
	Rotator     Rotator
	Cover       Cover
}

// kinds returns the kinds present in the rig.
func (r Rig) kinds() []model.DeviceKind {
	var out []model.DeviceKind
	for _, k := range model.DeviceKinds {
		if r.driver(k) != nil {
			out = append(out, k)
		}
	}
	return out
}

func (r Rig) driver(kind model.DeviceKind) Driver {
	switch kind {
	case model.DeviceTelescope:
		if r.Telescope != nil {
			return r.Telescope
		}
	case model.DeviceCamera:
		if r.Camera != nil {
			return r.Camera
		}
	case model.DeviceFilterWheel:
		if r.FilterWheel != nil {
			return r.FilterWheel
		}
	case model.DeviceRotator:
		if r.Rotator != nil {
			return r.Rotator
		}
	case model.DeviceCover:
		if r.Cover != nil {
			return r.Cover
		}
	}
	return nil
}

// FrameWriter persists a finished frame (FITS download and headers).
type FrameWriter interface {
	WriteFrame(ctx context.Context, frame model.Frame) error
}

// Metrics receives per-call measurements from the controller.
type Metrics interface {
	ObserveDeviceCall(kind model.DeviceKind, op, outcome string, seconds float64)
	IncDeviceRetry(kind model.DeviceKind, op string)
	SetDeviceState(kind model.DeviceKind, state model.DeviceState)
}
