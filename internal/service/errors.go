package service

import (
	"errors"
	"fmt"
)

// Kind classifies business errors for callers that map them to transport
// status codes.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindPermission
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindConflict:
		return "conflict"
	default:
		return "unexpected"
	}
}

// Error is a business rule failure. Two Errors match under errors.Is when
// their Kind and Reason are equal, so a wrapped cause does not hide the
// sentinel it was built from.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind and reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Reason == e.Reason
}

func newError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// invalid builds a free-form validation error for malformed input.
func invalid(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Reason: fmt.Sprintf(format, args...)}
}

// Profile and admission failures.
var (
	ErrProfileRequired         = newError(KindValidation, "profile required")
	ErrProfileExists           = newError(KindValidation, "profile already exists")
	ErrProfileNotFound         = newError(KindNotFound, "profile not found")
	ErrJoinLimitReached        = newError(KindValidation, "join limit reached")
	ErrActivityNotFound        = newError(KindNotFound, "activity not found")
	ErrActivityNotActive       = newError(KindValidation, "activity not active")
	ErrActivityFull            = newError(KindValidation, "activity full")
	ErrReputationTooLow        = newError(KindValidation, "reputation too low")
	ErrAlreadyJoined           = newError(KindValidation, "already joined")
	ErrNeverJoined             = newError(KindNotFound, "never joined")
	ErrCannotLeaveAfterCheckIn = newError(KindValidation, "cannot leave after check-in")
)

// Activity editing failures.
var (
	ErrNotHost               = newError(KindPermission, "not host")
	ErrOwnerReputationTooLow = newError(KindValidation, "owner reputation below minimum")
	ErrCapacityExceeded      = newError(KindValidation, "capacity exceeded by current participants")
	ErrOnlyOwnerCanCancel    = newError(KindPermission, "only the owner can change cancellation")
)

// Check-in failures.
var (
	ErrOutsideCheckInPeriod = newError(KindValidation, "outside check-in period")
	ErrNotMember            = newError(KindPermission, "not a member")
	ErrCheckInNotAllowedNow = newError(KindValidation, "check-in not allowed at the moment")
	ErrInvalidCode          = newError(KindValidation, "invalid code")
	ErrAlreadyCheckedIn     = newError(KindValidation, "already checked in")
	ErrCheckInNotAllowed    = newError(KindValidation, "check-in not allowed")
)

// Host delegation failures.
var (
	ErrMustBeOwner           = newError(KindPermission, "must be owner")
	ErrCannotModifyOwnAccess = newError(KindPermission, "cannot modify access of your own activity")
	ErrUserNotInActivity     = newError(KindNotFound, "user not in this activity")
)

// ErrConflict is returned when a unit of work kept losing races against
// concurrent writers and retries were exhausted.
var ErrConflict = newError(KindConflict, "concurrent update, try again")

// ErrSweepRunning is returned when another process holds the sweep lease.
var ErrSweepRunning = newError(KindConflict, "reconciliation sweep already running")

// KindOf returns the Kind of err, or KindUnknown for non-business errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ErrorKind maps errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	return KindOf(err).String()
}
