package session

import (
	"context"
	"errors"
	"sync"
)

// Stop reasons.
const (
	ReasonDuration     = "duration elapsed"
	ReasonMaxExposures = "max exposures reached"
	ReasonUnobservable = "target no longer observable"
	ReasonSunrise      = "sun above twilight limit"
	ReasonDomeClosed   = "remote dome closed"
	ReasonInterrupted  = "interrupted"
	ReasonDeviceFault  = "fatal device error"
	ReasonSingleImage  = "single image complete"
)

// StopFlag records the first stop request of a session. It is safe for
// concurrent use; the mirror poller raises it from its own goroutine.
type StopFlag struct {
	mu     sync.Mutex
	reason string
	urgent bool

	ctx          context.Context
	cancel       context.CancelCauseFunc
	urgentCtx    context.Context
	cancelUrgent context.CancelFunc
}

// NewStopFlag returns a lowered flag.
func NewStopFlag() *StopFlag {
	f := &StopFlag{}
	f.ctx, f.cancel = context.WithCancelCause(context.Background())
	f.urgentCtx, f.cancelUrgent = context.WithCancel(context.Background())
	return f
}

// RequestStop raises the flag. The first reason is kept; a later urgent
// request still marks the stop urgent.
func (f *StopFlag) RequestStop(reason string, urgent bool) {
	f.mu.Lock()
	if f.reason == "" {
		f.reason = reason
		f.cancel(errors.New(reason))
	}
	if urgent && !f.urgent {
		f.urgent = true
		f.cancelUrgent()
	}
	f.mu.Unlock()
}

// Requested reports whether a stop was requested.
func (f *StopFlag) Requested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason != ""
}

// Reason is the first stop reason, or "".
func (f *StopFlag) Reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// Urgent reports whether any urgent request was made.
func (f *StopFlag) Urgent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urgent
}

// Context is cancelled on the first stop request.
func (f *StopFlag) Context() context.Context { return f.ctx }

// UrgentContext is cancelled on the first urgent stop request.
func (f *StopFlag) UrgentContext() context.Context { return f.urgentCtx }
