package session

import (
	"context"

	"github.com/signalsfoundry/autoscope/internal/logging"
	"github.com/signalsfoundry/autoscope/model"
)

// shutdown brings the observatory to a safe state. It runs at most once;
// every step is attempted even when an earlier one fails.
func (o *Orchestrator) shutdown(ctx context.Context, reason string) {
	o.shutdownOnce.Do(func() {
		o.stop.RequestStop(reason, false)
		reason = o.stop.Reason()
		o.metrics.IncStop(reason)

		if err := o.phase.To(model.PhaseShutdown); err != nil {
			o.log.Error(ctx, "entering shutdown", logging.Err(err))
		}
		o.log.Info(ctx, "shutting down", logging.String("reason", reason))

		parked := o.req.Flags.NoPark
		steps := []struct {
			name string
			run  func(context.Context) error
		}{
			{"stop", o.dev.Stop},
			{"close cover", o.dev.CloseCover},
			{"cooler off", o.dev.CoolerOff},
			{"park", func(ctx context.Context) error {
				if o.req.Flags.NoPark {
					o.log.Info(ctx, "park suppressed")
					return nil
				}
				if err := o.dev.Park(ctx); err != nil {
					return err
				}
				parked = true
				return nil
			}},
			{"disconnect", o.dev.Disconnect},
		}
		for _, step := range steps {
			if err := step.run(ctx); err != nil {
				o.log.Error(ctx, "shutdown step failed", logging.String("step", step.name), logging.Err(err))
				continue
			}
			o.log.Debug(ctx, "shutdown step done", logging.String("step", step.name))
		}

		final := model.PhaseParked
		if o.fatal != nil || !parked {
			final = model.PhaseAborted
		}
		if err := o.phase.To(final); err != nil {
			o.log.Error(ctx, "leaving shutdown", logging.Err(err))
		}
		o.finalPhase = final
	})
}
