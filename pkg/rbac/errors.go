package rbac

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a catalog entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalid is returned when input fails validation
	ErrInvalid = errors.New("invalid")
)

// ResolutionError means permissions could not be computed. It is a fault,
// never a denial.
type ResolutionError struct {
	Op             string
	PrincipalID    string
	OrganizationID string
	Err            error
}

func (e *ResolutionError) Error() string {
	if e.OrganizationID != "" {
		return fmt.Sprintf("rbac: %s for principal %q in organization %q: %v", e.Op, e.PrincipalID, e.OrganizationID, e.Err)
	}
	return fmt.Sprintf("rbac: %s for principal %q: %v", e.Op, e.PrincipalID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// AuthorizationError is a denial raised by RequirePermission
type AuthorizationError struct {
	Code           string
	OrganizationID string
}

func (e *AuthorizationError) Error() string {
	if e.OrganizationID != "" {
		return fmt.Sprintf("permission %q denied in organization %q", e.Code, e.OrganizationID)
	}
	return fmt.Sprintf("permission %q denied", e.Code)
}

// ConflictError is a catalog mutation that would break an invariant
type ConflictError struct {
	Entity string
	Key    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Entity, e.Key, e.Reason)
}

// IsAuthorizationError reports whether err is a denial
func IsAuthorizationError(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

// IsResolutionError reports whether err is a resolution fault
func IsResolutionError(err error) bool {
	var target *ResolutionError
	return errors.As(err, &target)
}

// IsConflictError reports whether err is a catalog conflict
func IsConflictError(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// StatusCode maps an error to its HTTP status
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsResolutionError(err):
		return http.StatusInternalServerError
	case IsAuthorizationError(err):
		return http.StatusForbidden
	case IsConflictError(err):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
