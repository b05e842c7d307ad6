package alpaca

import (
	"context"
	"fmt"
	"strconv"

	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/internal/device"
)

// NewRig builds Alpaca drivers for every enabled device in cfg.
func NewRig(c *Client, cfg config.Devices) device.Rig {
	rig := device.Rig{
		Telescope: &Telescope{base: base{c: c, devType: "telescope", n: cfg.Telescope.Number}},
		Camera:    &Camera{base: base{c: c, devType: "camera", n: cfg.Camera.Number}},
	}
	if cfg.FilterWheel.Enabled {
		rig.FilterWheel = &FilterWheel{base: base{c: c, devType: "filterwheel", n: cfg.FilterWheel.Number}}
	}
	if cfg.Rotator.Enabled {
		rig.Rotator = &Rotator{base: base{c: c, devType: "rotator", n: cfg.Rotator.Number}}
	}
	if cfg.Cover.Enabled {
		rig.Cover = &Cover{base: base{c: c, devType: "covercalibrator", n: cfg.Cover.Number}}
	}
	return rig
}

type base struct {
	c       *Client
	devType string
	n       int
}

func (b base) Name() string { return fmt.Sprintf("alpaca %s %d", b.devType, b.n) }

func (b base) Connect(ctx context.Context) error {
	return b.c.put(ctx, b.devType, b.n, "connected", params("Connected", "true"))
}

func (b base) Disconnect(ctx context.Context) error {
	return b.c.put(ctx, b.devType, b.n, "connected", params("Connected", "false"))
}

func (b base) getBool(ctx context.Context, method string) (bool, error) {
	var v bool
	err := b.c.get(ctx, b.devType, b.n, method, &v)
	return v, err
}

func (b base) getFloat(ctx context.Context, method string) (float64, error) {
	var v float64
	err := b.c.get(ctx, b.devType, b.n, method, &v)
	return v, err
}

func (b base) call(ctx context.Context, method string, kv ...string) error {
	return b.c.put(ctx, b.devType, b.n, method, params(kv...))
}

// Telescope is an Alpaca mount.
type Telescope struct{ base }

func (t *Telescope) Position(ctx context.Context) (float64, float64, error) {
	ra, err := t.getFloat(ctx, "rightascension")
	if err != nil {
		return 0, 0, err
	}
	dec, err := t.getFloat(ctx, "declination")
	if err != nil {
		return 0, 0, err
	}
	return ra, dec, nil
}

func (t *Telescope) SlewAsync(ctx context.Context, raHours, decDeg float64) error {
	return t.call(ctx, "slewtocoordinatesasync",
		"RightAscension", formatFloat(raHours),
		"Declination", formatFloat(decDeg),
	)
}

func (t *Telescope) Slewing(ctx context.Context) (bool, error) { return t.getBool(ctx, "slewing") }
func (t *Telescope) AbortSlew(ctx context.Context) error        { return t.call(ctx, "abortslew") }
func (t *Telescope) AtPark(ctx context.Context) (bool, error)   { return t.getBool(ctx, "atpark") }
func (t *Telescope) Park(ctx context.Context) error             { return t.call(ctx, "park") }
func (t *Telescope) Unpark(ctx context.Context) error           { return t.call(ctx, "unpark") }

func (t *Telescope) SetTracking(ctx context.Context, on bool) error {
	return t.call(ctx, "tracking", "Tracking", strconv.FormatBool(on))
}

// Camera is an Alpaca camera.
type Camera struct{ base }

func (c *Camera) StartExposure(ctx context.Context, seconds float64, light bool) error {
	return c.call(ctx, "startexposure", "Duration", formatFloat(seconds), "Light", strconv.FormatBool(light))
}

func (c *Camera) ImageReady(ctx context.Context) (bool, error) { return c.getBool(ctx, "imageready") }
func (c *Camera) AbortExposure(ctx context.Context) error      { return c.call(ctx, "abortexposure") }

func (c *Camera) SetCooler(ctx context.Context, on bool) error {
	return c.call(ctx, "cooleron", "CoolerOn", strconv.FormatBool(on))
}

// FilterWheel is an Alpaca filter wheel.
type FilterWheel struct{ base }

func (f *FilterWheel) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := f.c.get(ctx, f.devType, f.n, "names", &names)
	return names, err
}

func (f *FilterWheel) Position(ctx context.Context) (int, error) {
	var pos int
	err := f.c.get(ctx, f.devType, f.n, "position", &pos)
	return pos, err
}

func (f *FilterWheel) SetPosition(ctx context.Context, slot int) error {
	return f.call(ctx, "position", "Position", strconv.Itoa(slot))
}

// Rotator is an Alpaca rotator.
type Rotator struct{ base }

func (r *Rotator) Position(ctx context.Context) (float64, error) { return r.getFloat(ctx, "position") }
func (r *Rotator) Moving(ctx context.Context) (bool, error)      { return r.getBool(ctx, "ismoving") }
func (r *Rotator) Halt(ctx context.Context) error                { return r.call(ctx, "halt") }

func (r *Rotator) MoveAbsolute(ctx context.Context, deg float64) error {
	return r.call(ctx, "moveabsolute", "Position", formatFloat(deg))
}

// Cover is the cover half of an Alpaca CoverCalibrator.
type Cover struct{ base }

func (c *Cover) State(ctx context.Context) (device.CoverState, error) {
	var st int
	if err := c.c.get(ctx, c.devType, c.n, "coverstate", &st); err != nil {
		return device.CoverUnknown, err
	}
	return device.CoverState(st), nil
}

func (c *Cover) Open(ctx context.Context) error  { return c.call(ctx, "opencover") }
func (c *Cover) Close(ctx context.Context) error { return c.call(ctx, "closecover") }
