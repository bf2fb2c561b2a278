package claimstate

import (
	"errors"

	"loop/core/types"
)

// State is the per-subject, per-period position in the register/claim cycle.
type State uint8

const (
	StateUnregistered State = iota
	StateRegisteredForNext
	StateClaimable
	StateClaimed
)

func (s State) Valid() bool {
	switch s {
	case StateUnregistered, StateRegisteredForNext, StateClaimable, StateClaimed:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegisteredForNext:
		return "registered_for_next"
	case StateClaimable:
		return "claimable"
	case StateClaimed:
		return "claimed"
	default:
		return "unknown"
	}
}

// CanSubmit reports whether claimAndRegister is meaningful from s.
func (s State) CanSubmit() bool {
	return s == StateUnregistered || s == StateClaimable
}

// Expected returns the state a successful submission should produce.
func (s State) Expected() State {
	switch s {
	case StateUnregistered:
		return StateRegisteredForNext
	case StateClaimable:
		return StateClaimed
	default:
		return s
	}
}

var (
	ErrAlreadyClaimed    = errors.New("claimstate: already claimed this period")
	ErrAlreadyRegistered = errors.New("claimstate: already registered for next period")
	ErrTargetMismatch    = errors.New("claimstate: attestation targets a different period")
	ErrWrongAttestation  = errors.New("claimstate: attestation issued for another subject or loop")
	ErrUntrustedSigner   = errors.New("claimstate: attestation signer not trusted")
	ErrInvalidState      = errors.New("claimstate: invalid state")
)

// Derive maps contract state onto the cycle. A claim in the current period
// wins over everything else; once the period rolls over a claimer that
// re-registered in the same call is immediately claimable.
func Derive(claimer types.ClaimerState, current uint64) State {
	switch {
	case claimer.HasClaimed(current):
		return StateClaimed
	case claimer.CanClaim(current):
		return StateClaimable
	case claimer.IsRegisteredForNext(current):
		return StateRegisteredForNext
	default:
		return StateUnregistered
	}
}
