package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/autoscope/internal/device"
	"github.com/signalsfoundry/autoscope/internal/logging"
	"github.com/signalsfoundry/autoscope/internal/mirror"
	"github.com/signalsfoundry/autoscope/internal/resolver"
	"github.com/signalsfoundry/autoscope/model"
)

// runMirror follows the remote telescope until a stop trigger fires.
// Monitoring happens in PhaseWaitObservability; each validated candidate is
// imaged through the same slew and correction pipeline as a single target.
func (o *Orchestrator) runMirror(ctx context.Context) error {
	defer func() {
		if err := o.engine.Close(); err != nil {
			o.log.Warn(ctx, "closing mirror source", logging.Err(err))
		}
	}()
	if err := o.waitDark(ctx); err != nil || o.stop.Requested() {
		return err
	}
	o.engine.Start(ctx)

	var pending *mirror.Candidate
	if o.req.CurrentPosition {
		ra, dec, err := o.dev.Position(ctx)
		if err != nil {
			return err
		}
		t := resolver.CurrentPosition(ra, dec)
		o.log.Info(ctx, "imaging current position before first announcement", logging.String("target_id", t.ID))
		exit, err := o.imageMirror(ctx, t, false, &pending)
		if err != nil || exit == exitStopped {
			return err
		}
		if exit == exitTargetDone {
			if err := o.phase.To(model.PhaseWaitObservability); err != nil {
				return err
			}
		}
	}

	for !o.mirrorTriggers(ctx) {
		if pending == nil {
			b, err := o.engine.Next(o.stop.Context())
			if err != nil && !errors.Is(err, context.Canceled) {
				o.log.Warn(ctx, "mirror wait", logging.Err(err))
			}
			if b.DomeClosed {
				o.stop.RequestStop(ReasonDomeClosed, true)
				break
			}
			pending = b.Candidate
			if pending == nil {
				continue
			}
		}

		c := *pending
		pending = nil
		o.engine.MarkImaging(c)
		exit, err := o.imageMirror(ctx, c.Target, true, &pending)
		if err != nil {
			if device.IsRejected(err) {
				o.log.Warn(ctx, "mirror target rejected by mount",
					logging.String("target_id", c.Target.ID),
					logging.String("fingerprint", c.Record.Fingerprint()),
					logging.Err(err),
				)
				o.engine.MarkFailed(c, err.Error())
				if err := o.phase.To(model.PhaseWaitObservability); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if exit == exitStopped {
			return nil
		}
		if exit == exitTargetDone {
			if err := o.phase.To(model.PhaseWaitObservability); err != nil {
				return err
			}
		}
	}
	return nil
}

// imageMirror images t until the stop flag, the target cap or a new
// candidate (stored in *pending) ends it.
func (o *Orchestrator) imageMirror(ctx context.Context, t model.Target, slew bool, pending **mirror.Candidate) (loopExit, error) {
	o.target = t
	o.plan = o.planFor(t)
	o.publishTarget(ctx, t)

	return o.imageLoop(ctx, t, slew, func() bool {
		b := o.engine.Drain(o.clock.Now())
		if b.DomeClosed {
			o.stop.RequestStop(ReasonDomeClosed, true)
			return false
		}
		if b.Candidate == nil {
			return false
		}
		o.log.Info(ctx, "new mirror target announced",
			logging.String("previous", t.ID),
			logging.String("target_id", b.Candidate.Target.ID),
		)
		*pending = b.Candidate
		return true
	})
}

// waitDark holds monitoring until the Sun is below the twilight limit.
func (o *Orchestrator) waitDark(ctx context.Context) error {
	interval := o.waitInterval()
	start := o.clock.Now()
	for {
		if o.sessionLimits() {
			return nil
		}
		now := o.clock.Now()
		ready, sunAlt := o.gate.SunReady(now, o.req.Flags.IgnoreTwilight)
		if ready {
			o.log.Info(ctx, "dark enough to monitor remote telescope", logging.Float("sun_altitude", sunAlt))
			return nil
		}
		if limit := o.cfg.Session.MaxWait; limit > 0 && now.Sub(start) >= limit {
			return fmt.Errorf("%w: sun still at %.1f deg after %s", ErrNotObservable, sunAlt, limit)
		}
		o.log.Info(ctx, "waiting for twilight before monitoring",
			logging.Float("sun_altitude", sunAlt),
			logging.Duration("retry_in", interval),
		)
		if err := o.clock.Sleep(o.stop.Context(), interval); err != nil {
			return nil
		}
	}
}

// mirrorTriggers checks the stop conditions that apply while no target is
// being imaged and reports whether the session must stop.
func (o *Orchestrator) mirrorTriggers(ctx context.Context) bool {
	if o.sessionLimits() {
		return true
	}
	if ready, sunAlt := o.gate.SunReady(o.clock.Now(), o.req.Flags.IgnoreTwilight); !ready {
		o.log.Info(ctx, "twilight over, ending mirror session", logging.Float("sun_altitude", sunAlt))
		o.stop.RequestStop(ReasonSunrise, false)
	}
	return o.stop.Requested()
}
