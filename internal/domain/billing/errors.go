package billing

import (
	"github.com/labstack/echo/v4"

	"github.com/edh/hms/internal/platform/apperr"
	"github.com/edh/hms/internal/platform/auth"
)

var (
	ErrValidation = apperr.ErrValidation
	ErrNotFound   = apperr.ErrNotFound
	ErrConflict   = apperr.ErrConflict
	ErrPermission = apperr.ErrPermission
)

func notFound(what string, id interface{}) error { return apperr.NotFound(what, id) }

func requireRole(actor auth.Actor, roles ...string) error { return apperr.RequireRole(actor, roles...) }

func toHTTPError(err error) *echo.HTTPError { return apperr.HTTPError(err) }
