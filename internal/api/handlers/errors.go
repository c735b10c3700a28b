package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"marketplace-sync/internal/ierr"
)

func statusFor(code ierr.ErrorCode) int {
	switch code {
	case ierr.ErrorCodeInvalidArgument:
		return http.StatusBadRequest
	case ierr.ErrorCodeNotFound:
		return http.StatusNotFound
	case ierr.ErrorCodeAlreadyExists, ierr.ErrorCodeFailedPrecondition:
		return http.StatusConflict
	case ierr.ErrorCodeUnauthenticated:
		return http.StatusUnauthorized
	case ierr.ErrorCodePermissionDenied:
		return http.StatusForbidden
	case ierr.ErrorCodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError answers with the error's code and the server-facing message,
// e.g. {"code":"FailedPrecondition","error":"bid too low"}.
func writeError(c echo.Context, err error) error {
	var e ierr.Error
	if errors.As(err, &e) {
		return c.JSON(statusFor(e.Code), map[string]string{"code": string(e.Code), "error": e.Message})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"code": string(ierr.ErrorCodeInternal), "error": err.Error()})
}
