// Package simulated provides in-memory devices for dry runs and tests.
// Motion and exposures take time on the supplied clock; any operation can
// be made to fail by queueing errors with Inject.
package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/autoscope/internal/device"
	"github.com/signalsfoundry/autoscope/timectrl"
)

// Options tunes the simulated hardware.
type Options struct {
	SlewDuration    time.Duration
	ReadoutDuration time.Duration
	FilterDuration  time.Duration
	RotatorDuration time.Duration
	CoverDuration   time.Duration
	ParkDuration    time.Duration
	Filters         []string
	StartParked     bool
	CoverState      device.CoverState
}

// DefaultOptions returns quick but non-zero motion times.
func DefaultOptions() Options {
	return Options{
		SlewDuration:    5 * time.Second,
		ReadoutDuration: 2 * time.Second,
		FilterDuration:  time.Second,
		RotatorDuration: 3 * time.Second,
		CoverDuration:   4 * time.Second,
		ParkDuration:    5 * time.Second,
		Filters:         []string{"Clear", "B", "V", "R", "I", "Ha"},
		StartParked:     true,
		CoverState:      device.CoverClosed,
	}
}

// Hardware is the shared state of one simulated rig: the command log and
// injected failures.
type Hardware struct {
	clock timectrl.Clock

	mu     sync.Mutex
	log    []string
	faults map[string][]error

	Telescope   *Telescope
	Camera      *Camera
	FilterWheel *FilterWheel
	Rotator     *Rotator
	Cover       *Cover
}

// New builds a full simulated rig on clock.
func New(clock timectrl.Clock, opts Options) *Hardware {
	if clock == nil {
		clock = timectrl.Wall()
	}
	hw := &Hardware{clock: clock, faults: make(map[string][]error)}
	hw.Telescope = &Telescope{hw: hw, slew: opts.SlewDuration, parkTime: opts.ParkDuration, parked: opts.StartParked}
	hw.Camera = &Camera{hw: hw, readout: opts.ReadoutDuration}
	hw.FilterWheel = &FilterWheel{hw: hw, names: append([]string(nil), opts.Filters...), move: opts.FilterDuration}
	hw.Rotator = &Rotator{hw: hw, move: opts.RotatorDuration}
	hw.Cover = &Cover{hw: hw, move: opts.CoverDuration, state: opts.CoverState}
	return hw
}

// Rig returns the devices as a device.Rig.
func (h *Hardware) Rig() device.Rig {
	return device.Rig{
		Telescope:   h.Telescope,
		Camera:      h.Camera,
		FilterWheel: h.FilterWheel,
		Rotator:     h.Rotator,
		Cover:       h.Cover,
	}
}

// Inject queues errors for op, keyed as "<device>.<op>" (for example
// "telescope.slew"). Each call consumes one error.
func (h *Hardware) Inject(op string, errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults[op] = append(h.faults[op], errs...)
}

// Commands returns the command log in call order.
func (h *Hardware) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.log...)
}

// Count returns how often op was issued.
func (h *Hardware) Count(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.log {
		if c == op {
			n++
		}
	}
	return n
}

func (h *Hardware) record(op string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log = append(h.log, op)
	if q := h.faults[op]; len(q) > 0 {
		err := q[0]
		h.faults[op] = q[1:]
		return err
	}
	return nil
}

func (h *Hardware) now() time.Time { return h.clock.Now() }

// Telescope is a simulated equatorial mount.
type Telescope struct {
	hw       *Hardware
	slew     time.Duration
	parkTime time.Duration

	mu        sync.Mutex
	raHours   float64
	decDeg    float64
	slewUntil time.Time
	parkUntil time.Time
	parked    bool
	tracking  bool
}

func (t *Telescope) Name() string                     { return "simulated telescope" }
func (t *Telescope) Connect(context.Context) error    { return t.hw.record("telescope.connect") }
func (t *Telescope) Disconnect(context.Context) error { return t.hw.record("telescope.disconnect") }
func (t *Telescope) AbortSlew(context.Context) error  { return t.stop("telescope.abortslew") }
func (t *Telescope) Unpark(context.Context) error     { return t.setParked("telescope.unpark", false) }
func (t *Telescope) Park(context.Context) error       { return t.setParked("telescope.park", true) }

func (t *Telescope) Position(context.Context) (float64, float64, error) {
	if err := t.hw.record("telescope.position"); err != nil {
		return 0, 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.raHours, t.decDeg, nil
}

func (t *Telescope) SlewAsync(_ context.Context, raHours, decDeg float64) error {
	if err := t.hw.record("telescope.slew"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.parked {
		return device.Rejected("slew while parked")
	}
	if raHours < 0 || raHours >= 24 || decDeg < -90 || decDeg > 90 {
		return device.Rejected("invalid coordinates %.4fh %.4f°", raHours, decDeg)
	}
	t.raHours, t.decDeg = raHours, decDeg
	t.slewUntil = t.hw.now().Add(t.slew)
	return nil
}

func (t *Telescope) Slewing(context.Context) (bool, error) {
	if err := t.hw.record("telescope.slewing"); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hw.now().Before(t.slewUntil), nil
}

func (t *Telescope) stop(op string) error {
	if err := t.hw.record(op); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slewUntil = time.Time{}
	return nil
}

func (t *Telescope) SetTracking(_ context.Context, on bool) error {
	if err := t.hw.record("telescope.tracking"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracking = on
	return nil
}

// Tracking reports the tracking flag.
func (t *Telescope) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracking
}

func (t *Telescope) AtPark(context.Context) (bool, error) {
	if err := t.hw.record("telescope.atpark"); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parked && !t.hw.now().Before(t.parkUntil), nil
}

func (t *Telescope) setParked(op string, parked bool) error {
	if err := t.hw.record(op); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parked = parked
	if parked {
		t.tracking = false
		t.parkUntil = t.hw.now().Add(t.parkTime)
	}
	return nil
}

// Camera is a simulated imaging camera.
type Camera struct {
	hw      *Hardware
	readout time.Duration

	mu         sync.Mutex
	readyAt   time.Time
	exposing  bool
	cooler    bool
	exposures []float64
}

func (c *Camera) Name() string                     { return "simulated camera" }
func (c *Camera) Connect(context.Context) error    { return c.hw.record("camera.connect") }
func (c *Camera) Disconnect(context.Context) error { return c.hw.record("camera.disconnect") }

func (c *Camera) StartExposure(_ context.Context, seconds float64, _ bool) error {
	if err := c.hw.record("camera.startexposure"); err != nil {
		return err
	}
	if seconds < 0 {
		return device.Rejected("negative duration %v", seconds)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exposing {
		return device.Rejected("exposure already in progress")
	}
	c.exposing = true
	c.exposures = append(c.exposures, seconds)
	c.readyAt = c.hw.now().Add(time.Duration(seconds*float64(time.Second)) + c.readout)
	return nil
}

func (c *Camera) ImageReady(context.Context) (bool, error) {
	if err := c.hw.record("camera.imageready"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exposing {
		return false, nil
	}
	if c.hw.now().Before(c.readyAt) {
		return false, nil
	}
	c.exposing = false
	return true, nil
}

func (c *Camera) AbortExposure(context.Context) error {
	if err := c.hw.record("camera.abortexposure"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposing = false
	return nil
}

func (c *Camera) SetCooler(_ context.Context, on bool) error {
	if err := c.hw.record("camera.cooler"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooler = on
	return nil
}

// Exposures returns the requested durations in seconds.
func (c *Camera) Exposures() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.exposures...)
}

// Exposing reports whether an exposure is in progress.
func (c *Camera) Exposing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exposing
}

// FilterWheel is a simulated filter wheel.
type FilterWheel struct {
	hw    *Hardware
	names []string
	move  time.Duration

	mu        sync.Mutex
	slot      int
	moveUntil time.Time
}

func (f *FilterWheel) Name() string                     { return "simulated filter wheel" }
func (f *FilterWheel) Connect(context.Context) error    { return f.hw.record("filterwheel.connect") }
func (f *FilterWheel) Disconnect(context.Context) error { return f.hw.record("filterwheel.disconnect") }

func (f *FilterWheel) Names(context.Context) ([]string, error) {
	if err := f.hw.record("filterwheel.names"); err != nil {
		return nil, err
	}
	return append([]string(nil), f.names...), nil
}

func (f *FilterWheel) Position(context.Context) (int, error) {
	if err := f.hw.record("filterwheel.position"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hw.now().Before(f.moveUntil) {
		return -1, nil
	}
	return f.slot, nil
}

func (f *FilterWheel) SetPosition(_ context.Context, slot int) error {
	if err := f.hw.record("filterwheel.setposition"); err != nil {
		return err
	}
	if slot < 0 || slot >= len(f.names) {
		return device.Rejected("slot %d out of range", slot)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slot = slot
	f.moveUntil = f.hw.now().Add(f.move)
	return nil
}

// Rotator is a simulated field rotator.
type Rotator struct {
	hw   *Hardware
	move time.Duration

	mu        sync.Mutex
	angle     float64
	moveUntil time.Time
}

func (r *Rotator) Name() string                     { return "simulated rotator" }
func (r *Rotator) Connect(context.Context) error    { return r.hw.record("rotator.connect") }
func (r *Rotator) Disconnect(context.Context) error { return r.hw.record("rotator.disconnect") }

func (r *Rotator) Position(context.Context) (float64, error) {
	if err := r.hw.record("rotator.position"); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.angle, nil
}

func (r *Rotator) MoveAbsolute(_ context.Context, deg float64) error {
	if err := r.hw.record("rotator.moveabsolute"); err != nil {
		return err
	}
	if deg < 0 || deg >= 360 {
		return device.Rejected("angle %v out of range", deg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.angle = deg
	r.moveUntil = r.hw.now().Add(r.move)
	return nil
}

func (r *Rotator) Moving(context.Context) (bool, error) {
	if err := r.hw.record("rotator.ismoving"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hw.now().Before(r.moveUntil), nil
}

func (r *Rotator) Halt(context.Context) error {
	if err := r.hw.record("rotator.halt"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moveUntil = time.Time{}
	return nil
}

// Cover is a simulated dust cover.
type Cover struct {
	hw   *Hardware
	move time.Duration

	mu        sync.Mutex
	state     device.CoverState
	target    device.CoverState
	moveUntil time.Time
}

func (c *Cover) Name() string                     { return "simulated cover" }
func (c *Cover) Connect(context.Context) error    { return c.hw.record("cover.connect") }
func (c *Cover) Disconnect(context.Context) error { return c.hw.record("cover.disconnect") }
func (c *Cover) Open(context.Context) error       { return c.start("cover.open", device.CoverOpen) }
func (c *Cover) Close(context.Context) error      { return c.start("cover.close", device.CoverClosed) }

func (c *Cover) State(context.Context) (device.CoverState, error) {
	if err := c.hw.record("cover.state"); err != nil {
		return device.CoverUnknown, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == device.CoverMoving && !c.hw.now().Before(c.moveUntil) {
		c.state = c.target
	}
	return c.state, nil
}

func (c *Cover) start(op string, target device.CoverState) error {
	if err := c.hw.record(op); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == device.CoverNotPresent {
		return device.Rejected("no cover installed")
	}
	c.state = device.CoverMoving
	c.target = target
	c.moveUntil = c.hw.now().Add(c.move)
	return nil
}

// String summarises the rig for logs.
func (h *Hardware) String() string {
	return fmt.Sprintf("simulated rig (%d commands)", len(h.Commands()))
}
