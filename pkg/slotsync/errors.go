package slotsync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidEmail is returned when an email is empty or malformed
	ErrInvalidEmail = errors.New("invalid email")

	// ErrInvalidArgument is returned for malformed caller input
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAccountNotFound is returned when no account matches
	ErrAccountNotFound = errors.New("account not found")

	// ErrIdentityConflict is returned when an email cannot be mapped to exactly one account
	ErrIdentityConflict = errors.New("identity conflict")

	// ErrEmailTaken is returned when an email is already bound to a different credential
	ErrEmailTaken = errors.New("email already bound to another credential")

	// ErrCredentialNotFound is returned when updating a credential that does not exist
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrCredentialExists is returned when creating a credential whose id is already used
	ErrCredentialExists = errors.New("credential already exists")

	// ErrPlanNotActive is returned when an operation requires an active plan
	ErrPlanNotActive = errors.New("plan not active")

	// ErrCredentialRejected is returned when an external credential fails verification
	ErrCredentialRejected = errors.New("external credential rejected")

	// ErrInvalidCredentials is returned for bad login credentials
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrNotConfigured is returned when required server configuration is missing
	ErrNotConfigured = errors.New("not configured")

	// ErrUpstream is returned for transport or parse failures talking to the commerce platform
	ErrUpstream = errors.New("commerce platform request failed")

	// ErrReadAfterWrite is returned when a transaction reads after it has written
	ErrReadAfterWrite = errors.New("transaction read after write")

	// ErrStoreUnavailable is returned when the backing store cannot be reached
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidTransaction is returned when a transaction handle is used outside its store
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// Code is the error taxonomy exposed to callers.
type Code string

const (
	CodeInvalidArgument    Code = "invalid-argument"
	CodeNotFound           Code = "not-found"
	CodeFailedPrecondition Code = "failed-precondition"
	CodePermissionDenied   Code = "permission-denied"
	CodeUnauthenticated    Code = "unauthenticated"
	CodeInternal           Code = "internal"
)

// Error carries an explicit taxonomy code and a caller-safe message.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

// NewError creates a coded error wrapping err.
func NewError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// ConflictError reports which field produced more than one candidate.
type ConflictError struct {
	Field        string
	Email        string
	CandidateIDs []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity conflict: field=%s email=%s candidates=[%s]",
		e.Field, e.Email, strings.Join(e.CandidateIDs, ","))
}

func (e *ConflictError) Unwrap() error { return ErrIdentityConflict }

// CodeOf classifies err. Unclassified errors are internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case errors.Is(err, ErrInvalidEmail), errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrCredentialNotFound):
		return CodeNotFound
	case errors.Is(err, ErrIdentityConflict), errors.Is(err, ErrEmailTaken),
		errors.Is(err, ErrPlanNotActive), errors.Is(err, ErrNotConfigured):
		return CodeFailedPrecondition
	case errors.Is(err, ErrCredentialRejected):
		return CodePermissionDenied
	case errors.Is(err, ErrInvalidCredentials):
		return CodeUnauthenticated
	default:
		return CodeInternal
	}
}

// IsConflict reports whether err is an identity conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrIdentityConflict) || errors.Is(err, ErrEmailTaken)
}

// Truncate shortens s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
