package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/internal/exposure"
	"github.com/signalsfoundry/autoscope/internal/logging"
	"github.com/signalsfoundry/autoscope/kb"
	"github.com/signalsfoundry/autoscope/model"
	"github.com/signalsfoundry/autoscope/timectrl"
)

const tracerName = "github.com/signalsfoundry/autoscope/internal/device"

// Timeouts bound operations that complete asynchronously on the hardware.
type Timeouts struct {
	Slew    time.Duration
	Settle  time.Duration
	Readout time.Duration
	Park    time.Duration
	Cover   time.Duration
	Rotator time.Duration
	Filter  time.Duration
}

// Options configures a Controller.
type Options struct {
	Policy       Policy
	Timeouts     Timeouts
	PollInterval time.Duration
	// Filters maps filter codes to wheel slot names.
	Filters      map[string]string
	ManageCooler bool
	Writer       FrameWriter
	Metrics      Metrics
	Logger       logging.Logger
}

// OptionsFromConfig builds Options from the device configuration.
func OptionsFromConfig(cfg config.Devices) Options {
	return Options{
		Policy: PolicyFromConfig(cfg),
		Timeouts: Timeouts{
			Slew:    cfg.SlewTimeout,
			Settle:  cfg.SettleTime,
			Readout: cfg.ReadoutTimeout,
			Park:    cfg.ParkTimeout,
			Cover:   cfg.CoverTimeout,
			Rotator: cfg.RotatorTimeout,
			Filter:  cfg.FilterTimeout,
		},
		PollInterval: cfg.PollInterval,
		Filters:      cfg.FilterWheel.Filters,
		ManageCooler: cfg.Camera.ManageCooler,
	}
}

// Controller is the uniform capability boundary over a Rig.
type Controller struct {
	rig      Rig
	board    *kb.StatusBoard
	clock    timectrl.Clock
	policy   Policy
	timeouts Timeouts
	poll     time.Duration
	filters  map[string]string
	cooler   bool
	writer   FrameWriter
	metrics  Metrics
	log      logging.Logger
	tracer   trace.Tracer

	mu        sync.Mutex
	seq       int
	connected map[model.DeviceKind]bool
	filter    string
}

// NewController registers the rig's devices on board and returns a
// controller. Telescope and Camera are required.
func NewController(rig Rig, board *kb.StatusBoard, clock timectrl.Clock, opts Options) (*Controller, error) {
	if rig.Telescope == nil {
		return nil, fmt.Errorf("%w: telescope", ErrMissingDevice)
	}
	if rig.Camera == nil {
		return nil, fmt.Errorf("%w: camera", ErrMissingDevice)
	}
	if board == nil {
		board = kb.NewStatusBoard()
	}
	if clock == nil {
		clock = timectrl.Wall()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Policy.CallTimeout <= 0 {
		opts.Policy.CallTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	for _, k := range rig.kinds() {
		if err := board.Register(k, clock.Now()); err != nil {
			return nil, err
		}
	}

	return &Controller{
		rig:       rig,
		board:     board,
		clock:     clock,
		policy:    opts.Policy,
		timeouts:  opts.Timeouts,
		poll:      opts.PollInterval,
		filters:   opts.Filters,
		cooler:    opts.ManageCooler,
		writer:    opts.Writer,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		tracer:    otel.Tracer(tracerName),
		connected: make(map[model.DeviceKind]bool),
	}, nil
}

// Board exposes the status board for read access.
func (c *Controller) Board() *kb.StatusBoard { return c.board }

// Status returns the current status of kind.
func (c *Controller) Status(kind model.DeviceKind) (model.DeviceStatus, bool) {
	return c.board.Get(kind)
}

// Has reports whether the rig includes kind.
func (c *Controller) Has(kind model.DeviceKind) bool { return c.rig.driver(kind) != nil }

func (c *Controller) setState(kind model.DeviceKind, state model.DeviceState, detail string) {
	if err := c.board.Update(kind, state, detail, c.clock.Now()); err == nil {
		c.metrics.SetDeviceState(kind, state)
	}
}

// fail records err on the board and returns it unchanged.
func (c *Controller) fail(kind model.DeviceKind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		c.setState(kind, model.DeviceIdle, "")
		return err
	}
	c.setState(kind, model.DeviceError, err.Error())
	return err
}

func (c *Controller) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Connect connects every device, unparks the mount and enables tracking.
func (c *Controller) Connect(ctx context.Context) error {
	for _, kind := range c.rig.kinds() {
		drv := c.rig.driver(kind)
		if err := c.call(ctx, kind, "connect", drv.Connect); err != nil {
			return c.fail(kind, err)
		}
		c.mu.Lock()
		c.connected[kind] = true
		c.mu.Unlock()
		c.setState(kind, model.DeviceIdle, "")
		c.log.Info(ctx, "device connected",
			logging.String("device", string(kind)),
			logging.String("name", drv.Name()),
		)
	}

	tel := c.rig.Telescope
	var parked bool
	if err := c.call(ctx, model.DeviceTelescope, "atpark", func(ctx context.Context) error {
		var err error
		parked, err = tel.AtPark(ctx)
		return err
	}); err != nil {
		return c.fail(model.DeviceTelescope, err)
	}
	if parked {
		c.log.Info(ctx, "unparking telescope")
		if err := c.call(ctx, model.DeviceTelescope, "unpark", tel.Unpark); err != nil {
			return c.fail(model.DeviceTelescope, err)
		}
	}
	if err := c.call(ctx, model.DeviceTelescope, "tracking", func(ctx context.Context) error {
		return tel.SetTracking(ctx, true)
	}); err != nil {
		return c.fail(model.DeviceTelescope, err)
	}
	return nil
}

// Position returns the mount's current J2000 pointing in degrees.
func (c *Controller) Position(ctx context.Context) (raDeg, decDeg float64, err error) {
	var raHours float64
	err = c.call(ctx, model.DeviceTelescope, "position", func(ctx context.Context) error {
		var err error
		raHours, decDeg, err = c.rig.Telescope.Position(ctx)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return raHours * 15, decDeg, nil
}

// SlewTo slews to J2000 coordinates and returns once the mount reports the
// slew complete and the settle time has passed.
func (c *Controller) SlewTo(ctx context.Context, raDeg, decDeg float64) (err error) {
	ctx, span := c.startSpan(ctx, "device.SlewTo",
		attribute.Float64("ra_deg", raDeg),
		attribute.Float64("dec_deg", decDeg),
	)
	defer func() { endSpan(span, err) }()

	if math.IsNaN(raDeg) || math.IsNaN(decDeg) || decDeg < -90 || decDeg > 90 {
		err = &Error{Kind: model.DeviceTelescope, Op: "slew", Class: ClassFatal,
			Err: Rejected("coordinates out of range: ra=%v dec=%v", raDeg, decDeg)}
		return c.fail(model.DeviceTelescope, err)
	}
	raDeg = math.Mod(raDeg, 360)
	if raDeg < 0 {
		raDeg += 360
	}

	c.setState(model.DeviceTelescope, model.DeviceBusy, "slewing")
	tel := c.rig.Telescope
	if err = c.call(ctx, model.DeviceTelescope, "slew", func(ctx context.Context) error {
		return tel.SlewAsync(ctx, raDeg/15, decDeg)
	}); err != nil {
		return c.fail(model.DeviceTelescope, err)
	}
	if err = c.waitFor(ctx, model.DeviceTelescope, "slewing", c.timeouts.Slew, func(ctx context.Context) (bool, error) {
		slewing, err := tel.Slewing(ctx)
		return !slewing, err
	}); err != nil {
		return c.fail(model.DeviceTelescope, err)
	}
	if c.timeouts.Settle > 0 {
		c.setState(model.DeviceTelescope, model.DeviceBusy, "settling")
		if err = c.clock.Sleep(ctx, c.timeouts.Settle); err != nil {
			return c.fail(model.DeviceTelescope, err)
		}
	}
	c.setState(model.DeviceTelescope, model.DeviceIdle, "")
	c.log.Debug(ctx, "slew complete", logging.Float("ra_deg", raDeg), logging.Float("dec_deg", decDeg))
	return nil
}

// ApplyOffset moves the mount by the given offsets from its current
// pointing. dRA is in degrees of right ascension.
func (c *Controller) ApplyOffset(ctx context.Context, dRADeg, dDecDeg float64) error {
	ra, dec, err := c.Position(ctx)
	if err != nil {
		return c.fail(model.DeviceTelescope, err)
	}
	dec = math.Max(-90, math.Min(90, dec+dDecDeg))
	return c.SlewTo(ctx, ra+dRADeg, dec)
}

// SetFilter selects the wheel slot for a filter code. Without a wheel it is
// a no-op.
func (c *Controller) SetFilter(ctx context.Context, code string) error {
	wheel := c.rig.FilterWheel
	if wheel == nil || code == "" {
		return nil
	}
	c.mu.Lock()
	current := c.filter
	c.mu.Unlock()
	if strings.EqualFold(current, code) {
		return nil
	}

	var names []string
	if err := c.call(ctx, model.DeviceFilterWheel, "names", func(ctx context.Context) error {
		var err error
		names, err = wheel.Names(ctx)
		return err
	}); err != nil {
		return c.fail(model.DeviceFilterWheel, err)
	}
	slot := c.slotFor(code, names)
	if slot < 0 {
		err := &Error{Kind: model.DeviceFilterWheel, Op: "setfilter", Class: ClassFatal,
			Err: Rejected("filter %q not in wheel %v", code, names)}
		return c.fail(model.DeviceFilterWheel, err)
	}

	c.setState(model.DeviceFilterWheel, model.DeviceBusy, "moving")
	if err := c.call(ctx, model.DeviceFilterWheel, "setposition", func(ctx context.Context) error {
		return wheel.SetPosition(ctx, slot)
	}); err != nil {
		return c.fail(model.DeviceFilterWheel, err)
	}
	if err := c.waitFor(ctx, model.DeviceFilterWheel, "position", c.timeouts.Filter, func(ctx context.Context) (bool, error) {
		pos, err := wheel.Position(ctx)
		return pos == slot, err
	}); err != nil {
		return c.fail(model.DeviceFilterWheel, err)
	}
	c.mu.Lock()
	c.filter = code
	c.mu.Unlock()
	c.setState(model.DeviceFilterWheel, model.DeviceIdle, "")
	return nil
}

func (c *Controller) slotFor(code string, names []string) int {
	want := code
	for k, v := range c.filters {
		if strings.EqualFold(k, code) {
			want = v
			break
		}
	}
	for _, name := range []string{want, exposure.FilterName(want)} {
		for i, n := range names {
			if strings.EqualFold(n, name) {
				return i
			}
		}
	}
	return -1
}

// SetRotatorAngle moves the rotator to an absolute angle. Without a rotator
// it is a no-op.
func (c *Controller) SetRotatorAngle(ctx context.Context, deg float64) error {
	rot := c.rig.Rotator
	if rot == nil {
		return nil
	}
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	c.setState(model.DeviceRotator, model.DeviceBusy, "rotating")
	if err := c.call(ctx, model.DeviceRotator, "moveabsolute", func(ctx context.Context) error {
		return rot.MoveAbsolute(ctx, deg)
	}); err != nil {
		return c.fail(model.DeviceRotator, err)
	}
	if err := c.waitFor(ctx, model.DeviceRotator, "ismoving", c.timeouts.Rotator, func(ctx context.Context) (bool, error) {
		moving, err := rot.Moving(ctx)
		return !moving, err
	}); err != nil {
		return c.fail(model.DeviceRotator, err)
	}
	c.setState(model.DeviceRotator, model.DeviceIdle, "")
	return nil
}

// RotateBy turns the rotator by delta degrees from its current angle.
func (c *Controller) RotateBy(ctx context.Context, delta float64) error {
	rot := c.rig.Rotator
	if rot == nil {
		return nil
	}
	var pos float64
	if err := c.call(ctx, model.DeviceRotator, "position", func(ctx context.Context) error {
		var err error
		pos, err = rot.Position(ctx)
		return err
	}); err != nil {
		return c.fail(model.DeviceRotator, err)
	}
	return c.SetRotatorAngle(ctx, pos+delta)
}

// FrameSpec describes the frame Expose should take.
type FrameSpec struct {
	TargetID string
	Filter   string
	Seconds  float64
	Phase    model.Phase
}

// Expose takes one light frame. It selects the filter, starts the exposure,
// waits out the exposure on the controller clock and then polls for image
// readiness. If ctx is cancelled or readout never completes the exposure is
// aborted.
func (c *Controller) Expose(ctx context.Context, spec FrameSpec) (frame model.Frame, err error) {
	ctx, span := c.startSpan(ctx, "device.Expose",
		attribute.String("target", spec.TargetID),
		attribute.String("filter", spec.Filter),
		attribute.Float64("seconds", spec.Seconds),
	)
	defer func() { endSpan(span, err) }()

	if err = c.SetFilter(ctx, spec.Filter); err != nil {
		return model.Frame{}, err
	}

	cam := c.rig.Camera
	start := c.clock.Now()
	c.setState(model.DeviceCamera, model.DeviceBusy, "exposing")
	if err = c.call(ctx, model.DeviceCamera, "startexposure", func(ctx context.Context) error {
		return cam.StartExposure(ctx, spec.Seconds, true)
	}); err != nil {
		return model.Frame{}, c.fail(model.DeviceCamera, err)
	}

	exposure := time.Duration(spec.Seconds * float64(time.Second))
	if err = c.clock.Sleep(ctx, exposure); err == nil {
		err = c.waitFor(ctx, model.DeviceCamera, "imageready", c.timeouts.Readout, cam.ImageReady)
	}
	if err != nil {
		c.abortExposure(ctx)
		return model.Frame{}, c.fail(model.DeviceCamera, err)
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	frame = model.Frame{
		Name:     frameName(spec.TargetID, spec.Filter, start, seq),
		TargetID: spec.TargetID,
		Filter:   spec.Filter,
		Exposure: exposure,
		Start:    start,
		Phase:    spec.Phase,
		Sequence: seq,
	}
	if c.writer != nil {
		if err = c.writer.WriteFrame(ctx, frame); err != nil {
			err = &Error{Kind: model.DeviceCamera, Op: "writeframe", Class: ClassRetryable, Err: err}
			return model.Frame{}, c.fail(model.DeviceCamera, err)
		}
	}
	c.setState(model.DeviceCamera, model.DeviceIdle, "")
	return frame, nil
}

// abortExposure stops a running exposure. It runs even when ctx is done.
func (c *Controller) abortExposure(ctx context.Context) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.policy.CallTimeout)
	defer cancel()
	if err := c.call(actx, model.DeviceCamera, "abortexposure", c.rig.Camera.AbortExposure); err != nil {
		c.log.Warn(ctx, "abort exposure failed", logging.Err(err))
		return
	}
	c.log.Warn(ctx, "exposure aborted")
}

func frameName(targetID, filter string, start time.Time, seq int) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, targetID)
	if filter == "" {
		filter = "C"
	}
	return fmt.Sprintf("%s_%s_%s_%04d.fits", id, strings.ToUpper(filter), start.UTC().Format("20060102T150405"), seq)
}

// OpenCover opens the cover and waits until it reports open.
func (c *Controller) OpenCover(ctx context.Context) error {
	cov := c.rig.Cover
	if cov == nil {
		return nil
	}
	state, err := c.coverState(ctx)
	if err != nil {
		return c.fail(model.DeviceCover, err)
	}
	if state == CoverOpen || state == CoverNotPresent {
		return nil
	}
	c.setState(model.DeviceCover, model.DeviceBusy, "opening")
	if err := c.call(ctx, model.DeviceCover, "opencover", cov.Open); err != nil {
		return c.fail(model.DeviceCover, err)
	}
	if err := c.waitFor(ctx, model.DeviceCover, "coverstate", c.timeouts.Cover, func(ctx context.Context) (bool, error) {
		st, err := cov.State(ctx)
		if err == nil && st == CoverError {
			return false, Fault("cover reported error state")
		}
		return st == CoverOpen, err
	}); err != nil {
		return c.fail(model.DeviceCover, err)
	}
	c.setState(model.DeviceCover, model.DeviceIdle, "")
	return nil
}

// CloseCover closes the cover. It is a no-op when the cover is absent or
// already closed.
func (c *Controller) CloseCover(ctx context.Context) error {
	cov := c.rig.Cover
	if cov == nil || !c.isConnected(model.DeviceCover) {
		return nil
	}
	state, err := c.coverState(ctx)
	if err != nil {
		return c.fail(model.DeviceCover, err)
	}
	if state == CoverClosed || state == CoverNotPresent {
		return nil
	}
	c.setState(model.DeviceCover, model.DeviceBusy, "closing")
	if err := c.call(ctx, model.DeviceCover, "closecover", cov.Close); err != nil {
		return c.fail(model.DeviceCover, err)
	}
	if err := c.waitFor(ctx, model.DeviceCover, "coverstate", c.timeouts.Cover, func(ctx context.Context) (bool, error) {
		st, err := cov.State(ctx)
		return st == CoverClosed, err
	}); err != nil {
		return c.fail(model.DeviceCover, err)
	}
	c.setState(model.DeviceCover, model.DeviceIdle, "")
	return nil
}

func (c *Controller) coverState(ctx context.Context) (CoverState, error) {
	var st CoverState
	err := c.call(ctx, model.DeviceCover, "coverstate", func(ctx context.Context) error {
		var err error
		st, err = c.rig.Cover.State(ctx)
		return err
	})
	return st, err
}

// Park parks the mount. It is a no-op when the mount is already parked.
func (c *Controller) Park(ctx context.Context) (err error) {
	ctx, span := c.startSpan(ctx, "device.Park")
	defer func() { endSpan(span, err) }()

	tel := c.rig.Telescope
	var parked bool
	if err = c.call(ctx, model.DeviceTelescope, "atpark", func(ctx context.Context) error {
		var err error
		parked, err = tel.AtPark(ctx)
		return err
	}); err != nil {
		return c.fail(model.DeviceTelescope, err)
	}
	if parked {
		return nil
	}
	c.setState(model.DeviceTelescope, model.DeviceBusy, "parking")
	if err = c.call(ctx, model.DeviceTelescope, "park", tel.Park); err != nil {
		return c.fail(model.DeviceTelescope, err)
	}
	if err = c.waitFor(ctx, model.DeviceTelescope, "atpark", c.timeouts.Park, tel.AtPark); err != nil {
		return c.fail(model.DeviceTelescope, err)
	}
	c.setState(model.DeviceTelescope, model.DeviceIdle, "")
	c.log.Info(ctx, "telescope parked")
	return nil
}

// Stop halts any mount slew and rotator motion. Devices already at rest are
// left alone.
func (c *Controller) Stop(ctx context.Context) error {
	var errs []error

	tel := c.rig.Telescope
	var slewing bool
	if err := c.call(ctx, model.DeviceTelescope, "slewing", func(ctx context.Context) error {
		var err error
		slewing, err = tel.Slewing(ctx)
		return err
	}); err != nil {
		errs = append(errs, err)
	} else if slewing {
		if err := c.call(ctx, model.DeviceTelescope, "abortslew", tel.AbortSlew); err != nil {
			errs = append(errs, c.fail(model.DeviceTelescope, err))
		} else {
			c.setState(model.DeviceTelescope, model.DeviceIdle, "")
		}
	}

	if rot := c.rig.Rotator; rot != nil {
		var moving bool
		if err := c.call(ctx, model.DeviceRotator, "ismoving", func(ctx context.Context) error {
			var err error
			moving, err = rot.Moving(ctx)
			return err
		}); err != nil {
			errs = append(errs, err)
		} else if moving {
			if err := c.call(ctx, model.DeviceRotator, "halt", rot.Halt); err != nil {
				errs = append(errs, c.fail(model.DeviceRotator, err))
			} else {
				c.setState(model.DeviceRotator, model.DeviceIdle, "")
			}
		}
	}
	return errors.Join(errs...)
}

// CoolerOff switches the camera cooler off when cooling is managed.
func (c *Controller) CoolerOff(ctx context.Context) error {
	if !c.cooler || !c.isConnected(model.DeviceCamera) {
		return nil
	}
	if err := c.call(ctx, model.DeviceCamera, "cooleron", func(ctx context.Context) error {
		return c.rig.Camera.SetCooler(ctx, false)
	}); err != nil {
		return c.fail(model.DeviceCamera, err)
	}
	return nil
}

// Disconnect releases every connected device. Devices already disconnected
// are skipped; failures are collected and the remaining devices are still
// released.
func (c *Controller) Disconnect(ctx context.Context) error {
	var errs []error
	for _, kind := range c.rig.kinds() {
		if !c.isConnected(kind) {
			continue
		}
		drv := c.rig.driver(kind)
		if err := c.call(ctx, kind, "disconnect", drv.Disconnect); err != nil {
			errs = append(errs, c.fail(kind, err))
			continue
		}
		c.mu.Lock()
		delete(c.connected, kind)
		c.mu.Unlock()
		c.setState(kind, model.DeviceDisconnected, "")
	}
	return errors.Join(errs...)
}

func (c *Controller) isConnected(kind model.DeviceKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected[kind]
}

type nopMetrics struct{}

func (nopMetrics) ObserveDeviceCall(model.DeviceKind, string, string, float64) {}
func (nopMetrics) IncDeviceRetry(model.DeviceKind, string)                     {}
func (nopMetrics) SetDeviceState(model.DeviceKind, model.DeviceState)          {}
