package statusserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/autoscope/internal/device"
	"github.com/signalsfoundry/autoscope/internal/resolver"
	"github.com/signalsfoundry/autoscope/internal/session"
)

// ToStatusError maps a session outcome onto a gRPC status.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, resolver.ErrResolution):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, session.ErrNotObservable):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case device.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case device.IsRejected(err):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, device.ErrMissingDevice):
		return status.Error(codes.NotFound, err.Error())

	case device.IsFatal(err):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
