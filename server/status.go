package server

import (
	"context"
	"errors"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/feefomit/chizhick"
)

// HeaderRetryAfter suggests, in seconds, when to retry a pending query.
const HeaderRetryAfter = "retry-after"

// Retry hints sent with pending answers.
const (
	retryAfterInProgress = 2
	retryAfterWarmup     = 10
)

// Status maps a catalog error to a gRPC status error.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, chizhick.ErrInvalidArgument) {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	switch chizhick.KindOf(err) {
	case chizhick.KindNotReady:
		switch {
		case errors.Is(err, chizhick.ErrShutdown):
			return status.Error(codes.Unavailable, "shutting down")
		case errors.Is(err, chizhick.ErrWarmupFailed):
			return status.Error(codes.Unavailable, "upstream warmup failed")
		}
		return status.Error(codes.Unavailable, "warming up, retry later")
	case chizhick.KindInProgress:
		return status.Error(codes.Aborted, "computation in progress, retry shortly")
	case chizhick.KindTimeout:
		return status.Error(codes.DeadlineExceeded, "upstream timed out")
	case chizhick.KindCrash:
		return status.Error(codes.Unavailable, "upstream crashed")
	case chizhick.KindFailure:
		return status.Error(codes.Internal, "upstream failed")
	}

	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, "internal error")
}

// setRetryAfter attaches a retry hint to pending answers.
func setRetryAfter(ctx context.Context, err error) {
	var secs int
	switch chizhick.KindOf(err) {
	case chizhick.KindInProgress:
		secs = retryAfterInProgress
	case chizhick.KindNotReady:
		if errors.Is(err, chizhick.ErrWarmupFailed) || errors.Is(err, chizhick.ErrShutdown) {
			return
		}
		secs = retryAfterWarmup
	default:
		return
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(HeaderRetryAfter, strconv.Itoa(secs)))
}
