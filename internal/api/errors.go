package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/kvdecode/internal/kernel"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	param string
	msg   string
}

func (e invalidRequestError) Error() string {
	if e.param == "" {
		return e.msg
	}
	return e.param + ": " + e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(param, msg string) error {
	return invalidRequestError{param: param, msg: msg}
}

// classify maps a decode failure to an HTTP status, error type and the
// offending parameter if one is known.
func classify(err error) (status int, errType, param string) {
	var inv invalidRequestError
	var pre *kernel.PreconditionError
	switch {
	case errors.As(err, &inv):
		return http.StatusBadRequest, "invalid_request_error", inv.param
	case errors.As(err, &pre):
		return http.StatusBadRequest, "invalid_request_error", pre.Arg
	case errors.Is(err, kernel.ErrNoKernel):
		return http.StatusBadRequest, "invalid_request_error", "groups_per_block"
	case errors.Is(err, kernel.ErrSharedMemory):
		return http.StatusUnprocessableEntity, "shared_memory_error", ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "server_error", ""
	default:
		return http.StatusInternalServerError, "server_error", ""
	}
}
