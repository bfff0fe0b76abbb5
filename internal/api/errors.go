package api

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-reliability/internal/services"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

// errorCode classifies err once for both transports.
func errorCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, services.ErrInvalidScope):
		return codes.InvalidArgument
	case errors.Is(err, utils.ErrScopeNotFound):
		return codes.NotFound
	case errors.Is(err, utils.ErrNotYetAvailable), errors.Is(err, utils.ErrSourceUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func grpcError(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(errorCode(err), err.Error())
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
