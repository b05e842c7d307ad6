package platesolve

import (
	"context"
	"errors"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/internal/logging"
	"github.com/signalsfoundry/autoscope/model"
)

// SubPhase is the corrector's position within a target.
type SubPhase int

const (
	Acquiring SubPhase = iota
	Converged
)

func (p SubPhase) String() string {
	if p == Converged {
		return "converged"
	}
	return "acquiring"
}

// Mover applies corrections. device.Controller satisfies it.
type Mover interface {
	ApplyOffset(ctx context.Context, dRADeg, dDecDeg float64) error
	RotateBy(ctx context.Context, deltaDeg float64) error
}

// Metrics receives corrector measurements.
type Metrics interface {
	IncSolve(outcome string)
	ObserveCorrection(offsetArcsec float64)
}

// State is the per-target correction state.
type State struct {
	SubPhase              SubPhase
	LastOffsetArcsec      float64
	FramesSinceCorrection int
	Interval              int
	ThresholdArcsec       float64
	Corrections           int
	AcquisitionFrames     int
	Exposure              float64
}

// Step reports what one AfterFrame call did.
type Step struct {
	Attempted bool // a solve was requested
	Solved    bool
	Corrected bool
	Rotated   bool
	Converged bool // the corrector switched to Converged on this frame
	Offset    float64
}

// Corrector runs the acquisition and science correction loop for one
// target at a time. It is not safe for concurrent use.
type Corrector struct {
	cfg     config.Corrector
	solver  Solver
	mover   Mover
	log     logging.Logger
	metrics Metrics

	state           State
	science         float64
	levelFailures   int
	scienceFailures int
}

// NewCorrector builds a corrector. metrics may be nil.
func NewCorrector(cfg config.Corrector, solver Solver, mover Mover, log logging.Logger, metrics Metrics) *Corrector {
	if log == nil {
		log = logging.Noop()
	}
	if cfg.CorrectionInterval < 1 {
		cfg.CorrectionInterval = 1
	}
	return &Corrector{cfg: cfg, solver: solver, mover: mover, log: log, metrics: metrics}
}

// Reset starts a new target. scienceSeconds is the planned science exposure.
func (c *Corrector) Reset(scienceSeconds float64) {
	exp := c.cfg.AcquisitionExposure
	if exp <= 0 {
		exp = scienceSeconds
	}
	c.science = scienceSeconds
	c.levelFailures = 0
	c.scienceFailures = 0
	c.state = State{
		SubPhase:        Acquiring,
		Interval:        c.cfg.CorrectionInterval,
		ThresholdArcsec: c.cfg.ThresholdArcsec,
		Exposure:        exp,
	}
}

// State returns a copy of the current state.
func (c *Corrector) State() State { return c.state }

// Phase returns the current sub-phase.
func (c *Corrector) Phase() SubPhase { return c.state.SubPhase }

// Exposure is the duration in seconds for the next frame.
func (c *Corrector) Exposure() float64 { return c.state.Exposure }

// AfterFrame handles a finished frame. Solve failures are absorbed; only
// device errors from applying a correction are returned.
func (c *Corrector) AfterFrame(ctx context.Context, frame model.Frame) (Step, error) {
	if c.state.SubPhase == Acquiring {
		return c.acquire(ctx, frame)
	}
	return c.track(ctx, frame)
}

func (c *Corrector) acquire(ctx context.Context, frame model.Frame) (Step, error) {
	c.state.AcquisitionFrames++
	step := Step{Attempted: true}

	sol, err := c.solve(ctx, frame)
	if err != nil {
		if !errors.Is(err, ErrSolveFailed) {
			return step, err
		}
		c.levelFailures++
		if c.levelFailures > c.cfg.RetriesPerLevel {
			c.levelFailures = 0
			c.increaseExposure(ctx)
		}
		c.checkAcquisitionLimit(ctx, &step)
		return step, nil
	}

	c.levelFailures = 0
	step.Solved = true
	step.Offset = sol.OffsetArcsec()
	c.state.LastOffsetArcsec = step.Offset
	c.adjustForBrightField(ctx, sol)

	if err := c.apply(ctx, sol, &step); err != nil {
		return step, err
	}
	if step.Offset <= c.cfg.ThresholdArcsec {
		c.converge(ctx, &step, "offset within threshold")
		return step, nil
	}
	c.checkAcquisitionLimit(ctx, &step)
	return step, nil
}

func (c *Corrector) track(ctx context.Context, frame model.Frame) (Step, error) {
	c.state.FramesSinceCorrection++
	if c.state.FramesSinceCorrection < c.state.Interval {
		return Step{}, nil
	}
	c.state.FramesSinceCorrection = 0
	step := Step{Attempted: true}

	sol, err := c.solve(ctx, frame)
	if err != nil {
		if !errors.Is(err, ErrSolveFailed) {
			return step, err
		}
		c.scienceFailures++
		if c.cfg.ScienceFailuresBeforeAdaptive > 0 && c.scienceFailures >= c.cfg.ScienceFailuresBeforeAdaptive {
			c.increaseExposure(ctx)
		}
		return step, nil
	}

	c.scienceFailures = 0
	step.Solved = true
	step.Offset = sol.OffsetArcsec()
	c.state.LastOffsetArcsec = step.Offset
	c.adjustForBrightField(ctx, sol)
	return step, c.apply(ctx, sol, &step)
}

func (c *Corrector) solve(ctx context.Context, frame model.Frame) (Solution, error) {
	sol, err := c.solver.Solve(ctx, frame)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		if ctx.Err() == nil && !errors.Is(err, ErrSolveFailed) {
			// Anything else from the solver is treated as a failed solve.
			err = errors.Join(ErrSolveFailed, err)
		}
		c.log.Info(ctx, "plate solve failed; skipping correction",
			logging.String("frame", frame.Name),
			logging.String("subphase", c.state.SubPhase.String()),
			logging.Err(err),
		)
	}
	if c.metrics != nil {
		c.metrics.IncSolve(outcome)
	}
	return sol, err
}

// apply scales and issues the correction for sol. Offsets below the minimum
// correction are left alone.
func (c *Corrector) apply(ctx context.Context, sol Solution, step *Step) error {
	ctx, span := otel.Tracer("github.com/signalsfoundry/autoscope/internal/platesolve").Start(ctx, "platesolve.Correct")
	defer span.End()
	span.SetAttributes(attribute.Float64("offset_arcsec", step.Offset))

	if step.Offset >= c.cfg.MinCorrectionArcsec {
		scale := c.cfg.ScaleFactor
		if c.cfg.LargeOffsetArcsec > 0 && step.Offset > c.cfg.LargeOffsetArcsec {
			scale = c.cfg.LargeOffsetScale
		}
		dRA, dDec := sol.RAOffsetDeg*scale, sol.DecOffsetDeg*scale
		c.log.Info(ctx, "applying pointing correction",
			logging.Float("offset_arcsec", step.Offset),
			logging.Float("ra_arcsec", dRA*3600),
			logging.Float("dec_arcsec", dDec*3600),
			logging.Float("scale", scale),
		)
		if err := c.mover.ApplyOffset(ctx, dRA, dDec); err != nil {
			span.RecordError(err)
			return err
		}
		step.Corrected = true
		c.state.Corrections++
		if c.metrics != nil {
			c.metrics.ObserveCorrection(step.Offset)
		}
	}

	if rot := c.rotation(sol.RotationDeg); rot != 0 {
		c.log.Info(ctx, "applying de-rotation", logging.Float("delta_deg", rot))
		if err := c.mover.RotateBy(ctx, rot); err != nil {
			span.RecordError(err)
			return err
		}
		step.Rotated = true
	}
	return nil
}

// rotation returns the rotator move for a solved field angle, or 0.
func (c *Corrector) rotation(theta float64) float64 {
	if !c.cfg.ApplyRotation {
		return 0
	}
	if c.cfg.MaxRotationDeg > 0 && math.Abs(theta) > c.cfg.MaxRotationDeg {
		return 0
	}
	rot := theta * c.cfg.RotatorScale
	if math.Abs(rot) < c.cfg.MinRotationDeg {
		return 0
	}
	return rot
}

func (c *Corrector) converge(ctx context.Context, step *Step, reason string) {
	c.state.SubPhase = Converged
	c.state.FramesSinceCorrection = 0
	c.state.Exposure = c.science
	step.Converged = true
	c.log.Info(ctx, "target acquired",
		logging.String("reason", reason),
		logging.Float("offset_arcsec", c.state.LastOffsetArcsec),
		logging.Int("acquisition_frames", c.state.AcquisitionFrames),
	)
}

func (c *Corrector) checkAcquisitionLimit(ctx context.Context, step *Step) {
	if c.cfg.MaxAcquisitionFrames > 0 && c.state.AcquisitionFrames >= c.cfg.MaxAcquisitionFrames {
		c.log.Warn(ctx, "acquisition did not converge; continuing with science frames",
			logging.Int("frames", c.state.AcquisitionFrames),
		)
		c.converge(ctx, step, "acquisition frame limit")
	}
}

func (c *Corrector) increaseExposure(ctx context.Context) {
	if c.cfg.IncreaseFactor <= 1 || c.cfg.MaxExposure <= 0 || c.state.Exposure >= c.cfg.MaxExposure {
		return
	}
	next := math.Min(c.state.Exposure*c.cfg.IncreaseFactor, c.cfg.MaxExposure)
	c.log.Info(ctx, "increasing exposure after failed solves",
		logging.Float("from", c.state.Exposure),
		logging.Float("to", next),
	)
	c.state.Exposure = next
}

func (c *Corrector) adjustForBrightField(ctx context.Context, sol Solution) {
	if c.cfg.BrightStarCount <= 0 || sol.Stars <= c.cfg.BrightStarCount || c.cfg.IncreaseFactor <= 1 {
		return
	}
	if c.state.Exposure <= c.cfg.MinExposure {
		return
	}
	next := math.Max(c.state.Exposure/c.cfg.IncreaseFactor, c.cfg.MinExposure)
	c.log.Info(ctx, "decreasing exposure for crowded field",
		logging.Int("stars", sol.Stars),
		logging.Float("from", c.state.Exposure),
		logging.Float("to", next),
	)
	c.state.Exposure = next
}
