package authorization

import (
	"context"
	"errors"
)

type Service interface {
	// Authorize checks that actor, acting under role, may perform action
	// on object.
	Authorize(ctx context.Context, actor, role, object, action string) error
}

const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
	RolePOS      = "pos"
)

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidRole   = errors.New("invalid_role")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)

// KnownRole reports whether role has a seeded policy set.
func KnownRole(role string) bool {
	switch role {
	case RoleOperator, RoleViewer, RolePOS:
		return true
	default:
		return false
	}
}
