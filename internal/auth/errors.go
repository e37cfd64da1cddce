package auth

import "errors"

var (
	ErrUnauthorized     = errors.New("auth: unauthorized")
	ErrPermissionDenied = errors.New("auth: permission denied")
	ErrAlreadyExists    = errors.New("auth: already exists")
	ErrNotFound         = errors.New("auth: not found")
	ErrRoleNotAssigned  = errors.New("auth: role not assigned to user")
	ErrUserRoleAction   = errors.New("auth: user role action failed")
	ErrUnavailable      = errors.New("auth: dependency unavailable")
	ErrInvalidInput     = errors.New("auth: invalid input")

	// ErrConflict is returned by stores when a uniqueness constraint rejects a write.
	ErrConflict = errors.New("auth: store conflict")
)

// ErrInvalidToken indicates the token failed signature, expiry or shape validation.
// It matches ErrUnauthorized under errors.Is.
var ErrInvalidToken error = &tokenError{msg: "auth: invalid token"}

type tokenError struct{ msg string }

func (e *tokenError) Error() string { return e.msg }

func (e *tokenError) Is(target error) bool { return target == ErrUnauthorized }
