package domain

import (
	"errors"
	"fmt"
	"time"
)

// Kind groups errors by how a caller should react to them.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindIntegrity   Kind = "integrity"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

// Error is a classified failure with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrValidation           = newError(KindValidation, "invalid_input", "invalid input")
	ErrInvalidAttempts      = newError(KindValidation, "invalid_attempts", "attempts must be an integer between 0 and 100")
	ErrUserNotFound         = newError(KindNotFound, "user_not_found", "user not found")
	ErrSessionAlreadyActive = newError(KindConflict, "session_already_active", "farming session already active")
	ErrAlreadyClaimedToday  = newError(KindConflict, "already_claimed_today", "daily reward already claimed today")
	ErrAlreadyReferred      = newError(KindConflict, "already_referred", "user already has a referrer")
	ErrSelfReferral         = newError(KindConflict, "self_referral", "cannot use your own referral code")
	ErrReferralCycle        = newError(KindConflict, "referral_cycle", "referral would create a cycle")
	ErrInvalidReferralCode  = newError(KindConflict, "invalid_referral_code", "invalid referral code")
	ErrConflictOrNotFound   = newError(KindConflict, "conflict_or_not_found", "target missing or precondition failed")
	ErrDuplicateUser        = newError(KindConflict, "duplicate_user", "user already exists")
	ErrIntegrityCheckFailed = newError(KindIntegrity, "integrity_check_failed", "sealed value failed integrity check")
	ErrStoreUnavailable     = newError(KindUnavailable, "store_unavailable", "storage temporarily unavailable")
)

// ValidationError carries the offending field and value.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
	base   *Error
}

func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason, base: ErrValidation}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Reason, e.Value)
}

func (e *ValidationError) Unwrap() error {
	if e.base == nil {
		return ErrValidation
	}
	return e.base
}

// InvalidAttempts reports an out-of-range attempts value.
func InvalidAttempts(value any) *ValidationError {
	return &ValidationError{Field: "attempts", Value: value, Reason: "must be an integer between 0 and 100", base: ErrInvalidAttempts}
}

// AlreadyClaimedError is returned by a second daily claim on the same day.
type AlreadyClaimedError struct {
	LastClaimedAt  time.Time
	NextEligibleAt time.Time
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("daily reward already claimed today, next claim at %s", e.NextEligibleAt.Format(time.RFC3339))
}

func (e *AlreadyClaimedError) Unwrap() error {
	return ErrAlreadyClaimedToday
}

// Unavailable wraps a dependency failure keeping the cause inspectable with errors.Is.
func Unavailable(cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, cause)
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of err, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

func IsRetryable(err error) bool {
	return KindOf(err) == KindUnavailable
}

func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindConflict:
		return true
	}
	return false
}
