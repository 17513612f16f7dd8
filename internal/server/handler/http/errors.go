package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/errs"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/service"
)

// statusFor maps a pipeline error to a response status and a message safe
// to show the client. Internal failures never echo the cause.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrPathNotAllowed):
		return http.StatusBadRequest, "path not allowed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline exceeded"
	}

	switch kind := errs.KindOf(err); kind {
	case errs.ErrNotFound:
		return http.StatusNotFound, "not found"
	case errs.ErrIdentityMismatch, errs.ErrMappingConflict:
		return http.StatusConflict, kind.Error()
	case errs.ErrBarcodeNotFound, errs.ErrBarcodeUnreadable, errs.ErrPayloadTooLarge,
		errs.ErrMalformedContainer, errs.ErrUnsupportedPlaneLayout, errs.ErrInvalidTimestamp:
		return http.StatusUnprocessableEntity, kind.Error()
	case errs.ErrStoreUnavailable:
		return http.StatusServiceUnavailable, "store unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
