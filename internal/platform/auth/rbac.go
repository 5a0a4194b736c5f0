package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin     = "admin"
	RoleFrontDesk = "frontdesk"
	RoleDoctor    = "doctor"
	RoleNurse     = "nurse"
	RolePharmacy  = "pharmacy"
	RoleLab       = "lab"
	RoleBilling   = "billing"
	RolePatient   = "patient"
)

// Actor is the authenticated staff member performing an operation.
type Actor struct {
	ID    string
	Roles []string
}

func ActorFromContext(ctx context.Context) Actor {
	return Actor{ID: UserIDFromContext(ctx), Roles: RolesFromContext(ctx)}
}

// HasAnyRole reports whether the actor holds one of roles. Admin holds every role.
func (a Actor) HasAnyRole(roles ...string) bool {
	for _, has := range a.Roles {
		if has == RoleAdmin {
			return true
		}
		for _, want := range roles {
			if has == want {
				return true
			}
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if ActorFromContext(c.Request().Context()).HasAnyRole(roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
