package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure so callers can tell "not eligible" apart from
// "could not determine eligibility".
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindPolicyDenied
	KindUpstream
	KindContractRead
	KindSigning
	KindContractWrite
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPolicyDenied:
		return "policy_denied"
	case KindUpstream:
		return "upstream"
	case KindContractRead:
		return "contract_read"
	case KindSigning:
		return "signing"
	case KindContractWrite:
		return "contract_write"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Retryable reports whether repeating the same request may succeed without
// operator intervention. Contract writes are never retried automatically.
func (k Kind) Retryable() bool {
	switch k {
	case KindUpstream, KindContractRead:
		return true
	default:
		return false
	}
}

// Reasons surfaced verbatim to users.
const (
	ReasonMissingParameters   = "Missing parameters"
	ReasonScoreBelowThreshold = "score below threshold"
	ReasonNotMember           = "not a member"
)

// Error is the typed failure returned across package boundaries.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error of the same kind and reason, so sentinels built
// with New can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind && (t.Reason == "" || e.Reason == t.Reason)
}

// New builds an error without an underlying cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap attaches a kind and user-facing reason to an underlying cause.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func Validation(reason string) *Error    { return New(KindValidation, reason) }
func Denied(reason string) *Error        { return New(KindPolicyDenied, reason) }
func Configuration(reason string) *Error { return New(KindConfiguration, reason) }

func Upstream(reason string, err error) *Error      { return Wrap(KindUpstream, reason, err) }
func ContractRead(reason string, err error) *Error  { return Wrap(KindContractRead, reason, err) }
func Signing(reason string, err error) *Error       { return Wrap(KindSigning, reason, err) }
func ContractWrite(reason string, err error) *Error { return Wrap(KindContractWrite, reason, err) }

// KindOf extracts the kind from err, or KindUnknown when err is untyped.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the user-facing reason carried by err, if any.
func ReasonOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) && e != nil {
		return e.Reason
	}
	return ""
}

// IsRetryable reports whether err is worth retrying by the caller.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
