// Package session runs one observing session: it resolves the target,
// waits for observability, drives acquisition and science imaging (or
// mirrors a remote telescope) and always ends with a best-effort shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/internal/device"
	"github.com/signalsfoundry/autoscope/internal/exposure"
	"github.com/signalsfoundry/autoscope/internal/gate"
	"github.com/signalsfoundry/autoscope/internal/journal"
	"github.com/signalsfoundry/autoscope/internal/logging"
	"github.com/signalsfoundry/autoscope/internal/mirror"
	"github.com/signalsfoundry/autoscope/internal/platesolve"
	"github.com/signalsfoundry/autoscope/internal/resolver"
	"github.com/signalsfoundry/autoscope/model"
	"github.com/signalsfoundry/autoscope/timectrl"
)

// ErrNotObservable is returned when the target cannot be observed at the
// required start.
var ErrNotObservable = errors.New("target not observable")

// TargetKind selects how the session target is obtained.
type TargetKind int

const (
	TargetTIC TargetKind = iota
	TargetCoords
	TargetCurrentPosition
	TargetMirror
)

// Request is what the operator asked for.
type Request struct {
	Kind  TargetKind
	Input string // TIC id or "RA DEC"
	Mode  model.Mode

	Filter           string
	ExposureOverride float64 // seconds, 0 = planner decides
	Duration         time.Duration
	MaxExposures     int
	Flags            model.SessionFlags

	// CurrentPosition in mirror mode images the telescope's pointing
	// before the first remote announcement.
	CurrentPosition bool
}

// Gate is the observability check used by the session.
type Gate interface {
	Evaluate(target model.Target, now time.Time, ignoreTwilight bool) gate.Verdict
	SunReady(now time.Time, ignoreTwilight bool) (bool, float64)
}

// Resolver turns a TIC id into a target; *resolver.Resolver satisfies it.
type Resolver interface {
	ResolveTIC(ctx context.Context, input string) (model.Target, error)
}

// Journal persists session history. *journal.Journal satisfies it.
type Journal interface {
	StartSession(ctx context.Context, s journal.Session) error
	EndSession(ctx context.Context, id string, phase model.Phase, reason string, at time.Time) error
	UpdateTarget(ctx context.Context, id string, t model.Target) error
	RecordFrame(ctx context.Context, sessionID string, f model.Frame) error
	RecordCorrection(ctx context.Context, sessionID string, c journal.Correction) error
	RecordMirror(ctx context.Context, sessionID string, r model.MirrorRecord) error
}

// Metrics receives session measurements.
type Metrics interface {
	platesolve.Metrics
	SetPhase(p model.Phase)
	IncFrame(p model.Phase)
	IncStop(reason string)
}

// Deps are the collaborators of an Orchestrator. Devices and Gate are
// required; Mirror is required for TargetMirror requests.
type Deps struct {
	Config   config.Snapshot
	Devices  *device.Controller
	Gate     Gate
	Resolver Resolver
	Solver   platesolve.Solver // nil disables plate-solve correction
	Mirror   *mirror.Engine
	Journal  Journal
	Stop     *StopFlag
	Clock    timectrl.Clock
	Logger   logging.Logger
	Metrics  Metrics
	OnPhase  func(model.Phase)
}

// Outcome summarises a finished session.
type Outcome struct {
	SessionID   string
	Phase       model.Phase // PhaseParked or PhaseAborted
	Reason      string
	Target      model.Target
	Frames      int
	Corrections int
}

// Orchestrator runs one session. Run may be called once.
type Orchestrator struct {
	cfg     config.Snapshot
	dev     *device.Controller
	gate    Gate
	res     Resolver
	solver  platesolve.Solver
	engine  *mirror.Engine
	journal Journal
	stop    *StopFlag
	clock   timectrl.Clock
	log     logging.Logger
	metrics Metrics
	req     Request

	phase     *phaseMachine
	corrector *platesolve.Corrector

	sessionID    string
	target       model.Target
	plan         exposure.Plan
	frames       int
	corrections  int
	failures     int
	started      time.Time
	scienceStart time.Time
	fatal        error

	shutdownOnce sync.Once
	finalPhase   model.Phase
}

// New validates deps and builds an Orchestrator for req.
func New(req Request, deps Deps) (*Orchestrator, error) {
	if deps.Devices == nil {
		return nil, errors.New("session: device controller is required")
	}
	if deps.Gate == nil {
		return nil, errors.New("session: observability gate is required")
	}
	if req.Kind == TargetMirror && deps.Mirror == nil {
		return nil, errors.New("session: mirror mode needs a mirror engine")
	}
	if req.Kind == TargetTIC && deps.Resolver == nil {
		return nil, errors.New("session: TIC targets need a resolver")
	}
	if deps.Stop == nil {
		deps.Stop = NewStopFlag()
	}
	if deps.Clock == nil {
		deps.Clock = timectrl.Wall()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Noop()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}

	o := &Orchestrator{
		cfg:     deps.Config,
		dev:     deps.Devices,
		gate:    deps.Gate,
		res:     deps.Resolver,
		solver:  deps.Solver,
		engine:  deps.Mirror,
		journal: deps.Journal,
		stop:    deps.Stop,
		clock:   deps.Clock,
		log:     deps.Logger,
		metrics: deps.Metrics,
		req:     req,
	}
	onPhase := deps.OnPhase
	o.phase = newPhaseMachine(req.Kind == TargetMirror, func(from, to model.Phase) {
		o.log.Info(context.Background(), "phase change",
			logging.String("from", from.String()),
			logging.String("to", to.String()),
		)
		o.metrics.SetPhase(to)
		if onPhase != nil {
			onPhase(to)
		}
	})
	if o.solver != nil && req.Mode != model.ModeSingleImage {
		o.corrector = platesolve.NewCorrector(o.cfg.Platesolve.CorrectorFor(req.Mode), o.solver, o.dev, o.log, o.metrics)
	}
	o.metrics.SetPhase(model.PhaseInit)
	return o, nil
}

// Phase returns the active phase. It is safe to call from any goroutine.
func (o *Orchestrator) Phase() model.Phase { return o.phase.Current() }

// RequestStop raises the session stop flag.
func (o *Orchestrator) RequestStop(reason string, urgent bool) { o.stop.RequestStop(reason, urgent) }

// SessionID is empty until Run starts.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// MirrorRecorded journals a mirror record status change. It is wired as the
// engine's OnRecord hook and runs on the session goroutine.
func (o *Orchestrator) MirrorRecorded(rec model.MirrorRecord) {
	if o.journal == nil || o.sessionID == "" {
		return
	}
	if err := o.journal.RecordMirror(context.Background(), o.sessionID, rec); err != nil {
		o.log.Warn(context.Background(), "journal mirror record failed", logging.Err(err))
	}
}

// Run executes the session until it is parked or aborted. The returned
// error is non-nil when the session ended because of a resolution error,
// unmet observability at start or an unrecoverable device error.
//
// Cancelling ctx is treated as an urgent stop: the in-flight operation
// finishes (or, with abort_exposure_on_urgent_stop, the exposure is
// aborted) and shutdown still runs.
func (o *Orchestrator) Run(ctx context.Context) (Outcome, error) {
	ctx, o.sessionID = logging.EnsureSessionID(ctx)
	ctx, o.log = logging.WithSessionLogger(ctx, o.log)
	o.started = o.clock.Now()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			o.stop.RequestStop(ReasonInterrupted, true)
		case <-watchDone:
		}
	}()

	// Device work is never cut short by ctx; the stop flag ends the session.
	devCtx := context.WithoutCancel(ctx)

	if err := o.resolve(devCtx); err != nil {
		o.log.Error(devCtx, "target resolution failed", logging.Err(err))
		_ = o.phase.To(model.PhaseAborted)
		o.finalPhase = model.PhaseAborted
		return o.outcome(err.Error()), err
	}
	o.startJournal(devCtx)

	runErr := o.run(devCtx)
	switch {
	case runErr == nil:
	case errors.Is(runErr, ErrNotObservable):
		o.log.Warn(devCtx, "target not observable", logging.Err(runErr))
		o.stop.RequestStop(ReasonUnobservable, false)
	default:
		o.log.Error(devCtx, "session failed", logging.Err(runErr))
		o.fatal = runErr
		o.stop.RequestStop(ReasonDeviceFault, true)
	}
	o.shutdown(devCtx, o.stop.Reason())

	out := o.outcome(o.stop.Reason())
	o.endJournal(devCtx, out)
	o.log.Info(devCtx, "session finished",
		logging.String("phase", out.Phase.String()),
		logging.String("reason", out.Reason),
		logging.Int("frames", out.Frames),
		logging.Int("corrections", out.Corrections),
	)
	return out, runErr
}

func (o *Orchestrator) outcome(reason string) Outcome {
	return Outcome{
		SessionID:   o.sessionID,
		Phase:       o.finalPhase,
		Reason:      reason,
		Target:      o.target,
		Frames:      o.frames,
		Corrections: o.corrections,
	}
}

// resolve runs before any device is touched.
func (o *Orchestrator) resolve(ctx context.Context) error {
	switch o.req.Kind {
	case TargetTIC:
		t, err := o.res.ResolveTIC(ctx, o.req.Input)
		if err != nil {
			return err
		}
		o.target = t
	case TargetCoords:
		t, err := resolver.ParseCoords(o.req.Input)
		if err != nil {
			return err
		}
		o.target = t
	case TargetCurrentPosition, TargetMirror:
		// filled in once the telescope is connected or a record arrives
	default:
		return fmt.Errorf("unknown target kind %d", o.req.Kind)
	}
	if o.req.Kind == TargetTIC || o.req.Kind == TargetCoords {
		o.plan = o.planFor(o.target)
		o.log.Info(ctx, "exposure planned",
			logging.String("target_id", o.target.ID),
			logging.Float("seconds", o.plan.Seconds),
			logging.String("source", string(o.plan.Source)),
		)
	}
	return nil
}

func (o *Orchestrator) planFor(t model.Target) exposure.Plan {
	return exposure.Resolve(t, o.filter(), o.req.ExposureOverride, o.req.Mode, o.cfg.Exposures)
}

func (o *Orchestrator) filter() string {
	if o.req.Filter != "" {
		return o.req.Filter
	}
	return o.cfg.Exposures.DefaultFilter
}

func (o *Orchestrator) run(ctx context.Context) error {
	if err := o.connect(ctx); err != nil {
		return err
	}
	if err := o.phase.To(model.PhaseWaitObservability); err != nil {
		return err
	}

	if o.req.Kind == TargetMirror {
		return o.runMirror(ctx)
	}

	if o.req.Kind == TargetCurrentPosition {
		ra, dec, err := o.dev.Position(ctx)
		if err != nil {
			return err
		}
		o.target = resolver.CurrentPosition(ra, dec)
		o.plan = o.planFor(o.target)
	}
	o.publishTarget(ctx, o.target)

	if err := o.waitObservable(ctx); err != nil {
		return err
	}
	if o.stop.Requested() {
		return nil
	}
	_, err := o.imageLoop(ctx, o.target, o.req.Kind != TargetCurrentPosition, nil)
	return err
}

func (o *Orchestrator) connect(ctx context.Context) error {
	if err := o.dev.Connect(ctx); err != nil {
		return err
	}
	if err := o.dev.OpenCover(ctx); err != nil {
		return err
	}
	if angle := o.cfg.Devices.Rotator.InitialAngle; angle != nil {
		if err := o.dev.SetRotatorAngle(ctx, *angle); err != nil {
			return err
		}
	}
	return nil
}

// waitObservable polls the gate until the target is observable, the stop
// flag is raised or the wait is given up.
func (o *Orchestrator) waitObservable(ctx context.Context) error {
	interval := o.waitInterval()
	start := o.clock.Now()
	for {
		if o.stop.Requested() {
			return nil
		}
		now := o.clock.Now()
		v := o.gate.Evaluate(o.target, now, o.req.Flags.IgnoreTwilight)
		fields := []logging.Field{
			logging.String("target_id", o.target.ID),
			logging.String("result", v.Result.String()),
			logging.Float("altitude", v.Altitude),
			logging.Float("sun_altitude", v.SunAltitude),
		}
		if v.Observable() {
			o.log.Info(ctx, "target observable", fields...)
			return nil
		}
		if o.req.Mode == model.ModeSingleImage {
			o.log.Warn(ctx, "target not observable, single image not taken", fields...)
			return fmt.Errorf("%w: %s (%v)", ErrNotObservable, v.Result, v.Reasons)
		}
		if limit := o.cfg.Session.MaxWait; limit > 0 && now.Sub(start) >= limit {
			return fmt.Errorf("%w: gave up after %s", ErrNotObservable, limit)
		}
		o.log.Info(ctx, "waiting for observability", append(fields, logging.Duration("retry_in", interval))...)
		if err := o.clock.Sleep(o.stop.Context(), interval); err != nil {
			return nil
		}
	}
}

func (o *Orchestrator) waitInterval() time.Duration {
	if d := o.cfg.Session.WaitInterval; d > 0 {
		return d
	}
	return time.Minute
}

type loopExit int

const (
	exitStopped loopExit = iota
	exitTargetDone
	exitNewTarget
)

// imageLoop slews to t (unless it is already there) and images it until a
// stop trigger fires. In mirror mode newTarget is called between frames and
// reports whether a new candidate replaced t; the per-target imaging cap
// also applies.
func (o *Orchestrator) imageLoop(ctx context.Context, t model.Target, slew bool, newTarget func() bool) (loopExit, error) {
	if err := o.phase.To(model.PhaseAcquisition); err != nil {
		return exitStopped, err
	}
	log := o.log.With(logging.String("target_id", t.ID), logging.String("fingerprint", t.Fingerprint()))

	if slew {
		log.Info(ctx, "slewing to target", logging.Float("ra_deg", t.RADeg), logging.Float("dec_deg", t.DecDeg))
		if err := o.dev.SlewTo(ctx, t.RADeg, t.DecDeg); err != nil {
			return exitStopped, err
		}
	}

	correcting := o.corrector != nil
	if correcting {
		o.corrector.Reset(o.plan.Seconds)
	} else if err := o.phase.To(model.PhaseScience); err != nil {
		return exitStopped, err
	}
	targetStart := o.clock.Now()
	if o.scienceStart.IsZero() {
		o.scienceStart = targetStart
	}

	for {
		if o.checkTriggers(ctx, t) {
			return exitStopped, nil
		}
		if newTarget != nil {
			if limit := o.cfg.Mirror.TargetDuration; limit > 0 && o.clock.Now().Sub(targetStart) >= limit {
				log.Info(ctx, "target imaging time cap reached", logging.Duration("cap", limit))
				return exitTargetDone, nil
			}
			if newTarget() {
				return exitNewTarget, nil
			}
			if o.stop.Requested() {
				return exitStopped, nil
			}
		}

		seconds := o.plan.Seconds
		if correcting {
			seconds = o.corrector.Exposure()
		}
		frame, err := o.expose(ctx, t, seconds)
		if err != nil {
			if o.stop.Requested() && errors.Is(err, context.Canceled) {
				log.Warn(ctx, "exposure aborted for urgent stop")
				return exitStopped, nil
			}
			if device.IsFatal(err) {
				return exitStopped, err
			}
			if err := o.countFailure(ctx, err); err != nil {
				return exitStopped, err
			}
			continue
		}
		o.failures = 0

		if o.req.Mode == model.ModeSingleImage {
			o.stop.RequestStop(ReasonSingleImage, false)
			return exitStopped, nil
		}
		if !correcting {
			continue
		}

		step, err := o.corrector.AfterFrame(ctx, frame)
		o.recordStep(ctx, t, frame, step)
		if err != nil {
			if device.IsFatal(err) {
				return exitStopped, err
			}
			if err := o.countFailure(ctx, err); err != nil {
				return exitStopped, err
			}
		}
		if step.Converged {
			if err := o.phase.To(model.PhaseScience); err != nil {
				return exitStopped, err
			}
		}
	}
}

func (o *Orchestrator) expose(ctx context.Context, t model.Target, seconds float64) (model.Frame, error) {
	expCtx := ctx
	if o.cfg.Session.AbortExposureOnUrgentStop {
		var cancel context.CancelFunc
		expCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		stopAfter := context.AfterFunc(o.stop.UrgentContext(), cancel)
		defer stopAfter()
	}
	phase := o.phase.Current()
	frame, err := o.dev.Expose(expCtx, device.FrameSpec{
		TargetID: t.ID,
		Filter:   o.filter(),
		Seconds:  seconds,
		Phase:    phase,
	})
	if err != nil {
		return model.Frame{}, err
	}
	o.frames++
	o.metrics.IncFrame(phase)
	if o.journal != nil {
		if jerr := o.journal.RecordFrame(ctx, o.sessionID, frame); jerr != nil {
			o.log.Warn(ctx, "journal frame failed", logging.Err(jerr))
		}
	}
	o.log.Info(ctx, "frame complete",
		logging.String("frame", frame.Name),
		logging.String("phase", phase.String()),
		logging.Float("seconds", seconds),
		logging.Int("count", o.frames),
	)
	return frame, nil
}

// countFailure tolerates a bounded run of recoverable failures.
func (o *Orchestrator) countFailure(ctx context.Context, err error) error {
	o.failures++
	limit := o.cfg.Session.MaxConsecutiveFailures
	o.log.Warn(ctx, "recoverable device failure",
		logging.Err(err),
		logging.Int("consecutive", o.failures),
		logging.Int("limit", limit),
	)
	if limit > 0 && o.failures >= limit {
		return fmt.Errorf("%d consecutive device failures: %w", o.failures, err)
	}
	return nil
}

func (o *Orchestrator) recordStep(ctx context.Context, t model.Target, frame model.Frame, step platesolve.Step) {
	if step.Corrected {
		o.corrections++
	}
	if o.journal == nil || !step.Solved {
		return
	}
	err := o.journal.RecordCorrection(ctx, o.sessionID, journal.Correction{
		TargetID:     t.ID,
		FrameName:    frame.Name,
		OffsetArcsec: step.Offset,
		Applied:      step.Corrected,
		Rotated:      step.Rotated,
		SubPhase:     o.corrector.Phase().String(),
		At:           o.clock.Now(),
	})
	if err != nil {
		o.log.Warn(ctx, "journal correction failed", logging.Err(err))
	}
}

// checkTriggers evaluates every stop condition for this iteration and
// reports whether the session must stop. Several triggers may fire at
// once; the first recorded reason wins and shutdown still runs once.
func (o *Orchestrator) checkTriggers(ctx context.Context, t model.Target) bool {
	o.sessionLimits()
	now := o.clock.Now()
	if v := o.gate.Evaluate(t, now, o.req.Flags.IgnoreTwilight); !v.Observable() {
		o.log.Warn(ctx, "observability lost",
			logging.String("target_id", t.ID),
			logging.String("result", v.Result.String()),
			logging.Float("altitude", v.Altitude),
			logging.Float("sun_altitude", v.SunAltitude),
		)
		o.stop.RequestStop(ReasonUnobservable, true)
	}
	return o.stop.Requested()
}

// sessionLimits applies --duration and --max-exposures.
func (o *Orchestrator) sessionLimits() bool {
	if d, from := o.req.Duration, o.durationStart(); d > 0 && !from.IsZero() && o.clock.Now().Sub(from) >= d {
		o.stop.RequestStop(ReasonDuration, false)
	}
	if n := o.req.MaxExposures; n > 0 && o.frames >= n {
		o.stop.RequestStop(ReasonMaxExposures, false)
	}
	return o.stop.Requested()
}

// durationStart is when the --duration budget began: the first science
// frame for a single target, the session start when mirroring.
func (o *Orchestrator) durationStart() time.Time {
	if o.req.Kind == TargetMirror {
		return o.started
	}
	return o.scienceStart
}

func (o *Orchestrator) publishTarget(ctx context.Context, t model.Target) {
	if o.journal != nil {
		if err := o.journal.UpdateTarget(ctx, o.sessionID, t); err != nil {
			o.log.Warn(ctx, "journal target update failed", logging.Err(err))
		}
	}
	path := o.cfg.Paths.TargetJSON
	if path == "" {
		return
	}
	err := journal.WriteTargetJSON(path, journal.TargetInfo{
		Target:         t,
		SessionID:      o.sessionID,
		FilterCode:     o.filter(),
		CameraDeviceID: o.cfg.Devices.Camera.Number,
		ImageDir:       o.cfg.Paths.ImageDir,
		Telescope:      o.cfg.Observatory.Name,
		At:             o.clock.Now(),
	})
	if err != nil {
		o.log.Warn(ctx, "target json write failed", logging.String("path", path), logging.Err(err))
	}
}

func (o *Orchestrator) startJournal(ctx context.Context) {
	if o.journal == nil {
		return
	}
	err := o.journal.StartSession(ctx, journal.Session{
		ID:        o.sessionID,
		Mode:      o.req.Mode,
		Target:    o.target,
		StartedAt: o.clock.Now(),
	})
	if err != nil {
		o.log.Warn(ctx, "journal session start failed", logging.Err(err))
	}
}

func (o *Orchestrator) endJournal(ctx context.Context, out Outcome) {
	if o.journal == nil {
		return
	}
	if err := o.journal.EndSession(ctx, o.sessionID, out.Phase, out.Reason, o.clock.Now()); err != nil {
		o.log.Warn(ctx, "journal session end failed", logging.Err(err))
	}
}

type nopMetrics struct{}

func (nopMetrics) IncSolve(string)           {}
func (nopMetrics) ObserveCorrection(float64) {}
func (nopMetrics) SetPhase(model.Phase)      {}
func (nopMetrics) IncFrame(model.Phase)      {}
func (nopMetrics) IncStop(string)            {}
