package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/signalsfoundry/autoscope/internal/config"
	"github.com/signalsfoundry/autoscope/internal/logging"
	"github.com/signalsfoundry/autoscope/model"
)

// Policy bounds every raw driver call.
type Policy struct {
	CallTimeout    time.Duration
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// PolicyFromConfig extracts the call policy from the device configuration.
func PolicyFromConfig(cfg config.Devices) Policy {
	return Policy{
		CallTimeout:    cfg.CallTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	return b
}

// call runs fn under the policy: each attempt gets its own timeout,
// retryable failures are retried with exponential backoff, fatal ones are
// returned at once. The result is always nil or an *Error.
func (c *Controller) call(ctx context.Context, kind model.DeviceKind, op string, fn func(context.Context) error) error {
	start := time.Now()
	attempts := uint(0)

	operation := func() (struct{}, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, c.policy.CallTimeout)
		defer cancel()

		err := fn(actx)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if errors.Is(actx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s exceeded %s: %v", ErrTimeout, op, c.policy.CallTimeout, err)
		}
		if ClassOf(err) == ClassFatal {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	maxTries := c.policy.MaxAttempts
	if maxTries == 0 {
		maxTries = 1
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.policy.backOff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.IncDeviceRetry(kind, op)
			c.log.Warn(ctx, "device call failed; retrying",
				logging.String("device", string(kind)),
				logging.String("op", op),
				logging.Duration("backoff", next),
				logging.Err(err),
			)
		}),
	)

	outcome := "ok"
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		class := ClassOf(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			class = ClassRetryable
		}
		outcome = class.String()
		err = &Error{Kind: kind, Op: op, Class: class, Err: err}
	}
	c.metrics.ObserveDeviceCall(kind, op, outcome, time.Since(start).Seconds())
	if err != nil {
		c.log.Debug(ctx, "device call gave up",
			logging.String("device", string(kind)),
			logging.String("op", op),
			logging.Int("attempts", int(attempts)),
			logging.Err(err),
		)
	}
	return err
}

// waitFor polls check until it reports completion, failing with a
// ClassTimeout error once limit has elapsed on the controller clock.
func (c *Controller) waitFor(ctx context.Context, kind model.DeviceKind, op string, limit time.Duration, check func(context.Context) (bool, error)) error {
	deadline := c.clock.Now().Add(limit)
	for {
		var done bool
		err := c.call(ctx, kind, op, func(cctx context.Context) error {
			var err error
			done, err = check(cctx)
			return err
		})
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !c.clock.Now().Before(deadline) {
			return &Error{
				Kind:  kind,
				Op:    op,
				Class: ClassTimeout,
				Err:   fmt.Errorf("%w: %s not complete after %s", ErrTimeout, op, limit),
			}
		}
		if err := c.clock.Sleep(ctx, c.poll); err != nil {
			return err
		}
	}
}
