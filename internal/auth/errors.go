package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountDisabled    = errors.New("auth: account disabled")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenInvalid       = errors.New("auth: invalid token")
	ErrTokenRevoked       = errors.New("auth: token revoked")

	ErrForbidden = errors.New("auth: forbidden")

	ErrInvitationNotFound   = errors.New("auth: invitation not found")
	ErrInvitationNotPending = errors.New("auth: invitation is not pending")
	ErrInvitationExpired    = errors.New("auth: invitation expired")
	ErrInvalidExpiration    = errors.New("auth: expiration must be in the future")
	ErrEmailMismatch        = errors.New("auth: email does not match invitation")
	ErrWeakPassword         = errors.New("auth: password does not satisfy policy")
	ErrPasswordMismatch     = errors.New("auth: password confirmation does not match")
	ErrRoleInUse            = errors.New("auth: role is still referenced")

	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: resource conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrUnavailable  = errors.New("auth: dependency unavailable")
)

// Kind groups errors by how callers are expected to react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindPrecondition
	KindConflict
	KindValidation
	KindNotFound
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindPrecondition:
		return "precondition"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrAccountDisabled),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrTokenRevoked):
		return KindAuthentication
	case errors.Is(err, ErrForbidden):
		return KindAuthorization
	case errors.Is(err, ErrInvitationNotPending),
		errors.Is(err, ErrInvitationExpired),
		errors.Is(err, ErrRoleInUse):
		return KindPrecondition
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidExpiration),
		errors.Is(err, ErrEmailMismatch),
		errors.Is(err, ErrWeakPassword),
		errors.Is(err, ErrPasswordMismatch):
		return KindValidation
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvitationNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// FieldError reports a validation failure tied to one input field.
type FieldError struct {
	Field   string
	Reasons []string
	Err     error
}

func (e *FieldError) Error() string {
	msg := e.Field
	if len(e.Reasons) > 0 {
		msg += ": " + strings.Join(e.Reasons, "; ")
	}
	if e.Err != nil {
		return fmt.Sprintf("%v (%s)", e.Err, msg)
	}
	return msg
}

func (e *FieldError) Unwrap() error {
	if e.Err == nil {
		return ErrInvalidInput
	}
	return e.Err
}

func fieldError(sentinel error, field string, reasons ...string) error {
	return &FieldError{Field: field, Reasons: reasons, Err: sentinel}
}

// MissingPermissionsError is returned when an actor lacks permissions for an operation.
type MissingPermissionsError struct {
	Missing []string
}

func (e *MissingPermissionsError) Error() string {
	return fmt.Sprintf("%v: missing %s", ErrForbidden, strings.Join(e.Missing, ", "))
}

func (e *MissingPermissionsError) Unwrap() error { return ErrForbidden }
