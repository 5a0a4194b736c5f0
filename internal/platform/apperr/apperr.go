// Package apperr holds the error kinds shared by the domain services and
// their translation to HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/edh/hms/internal/platform/auth"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrPermission = errors.New("permission denied")
)

func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(what string, id interface{}) error {
	return fmt.Errorf("%w: %s %v", ErrNotFound, what, id)
}

// RequireRole fails when the actor holds none of roles. Services call it
// before any write.
func RequireRole(actor auth.Actor, roles ...string) error {
	if actor.HasAnyRole(roles...) {
		return nil
	}
	name := actor.ID
	if name == "" {
		name = "anonymous"
	}
	return fmt.Errorf("%w: %s may not perform this operation", ErrPermission, name)
}

// HTTPError maps service errors onto HTTP statuses. Unknown errors become a
// 500 whose message does not leak the cause.
func HTTPError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrPermission):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
