package types

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned when an account string is not a 20-byte hex address.
var ErrInvalidAddress = errors.New("types: invalid address")

// ParseAddress normalises a hex account string into its 20 raw bytes. Input
// casing is ignored; mixed-case checksums are not enforced.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		trimmed = "0x" + trimmed
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return common.HexToAddress(trimmed), nil
}

// LowerHex renders an address as lower-case 0x-prefixed hex, the form used for
// upstream lookups.
func LowerHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// LoopDetails captures the immutable parameters returned by getLoopDetails.
type LoopDetails struct {
	Token            common.Address
	PeriodLength     uint64
	PercentPerPeriod uint64
	FirstPeriodStart uint64
}

// PeriodStart returns the unix start time of the supplied period.
func (d LoopDetails) PeriodStart(period uint64) time.Time {
	return time.Unix(int64(d.FirstPeriodStart+d.PeriodLength*period), 0).UTC()
}

// EstimatePeriod computes floor((now - firstPeriodStart) / periodLength),
// clamped at zero. The result is advisory; the contract's own report wins.
func (d LoopDetails) EstimatePeriod(now time.Time) uint64 {
	if d.PeriodLength == 0 {
		return 0
	}
	ts := now.Unix()
	if ts <= int64(d.FirstPeriodStart) {
		return 0
	}
	return (uint64(ts) - d.FirstPeriodStart) / d.PeriodLength
}

// PeriodData is the per-period aggregate returned by getCurrentPeriodData.
type PeriodData struct {
	Registrations *big.Int
	MaxPayout     *big.Int
}

// ClaimerState mirrors getClaimerStatus for a single account.
type ClaimerState struct {
	RegisteredForPeriod uint64
	LastClaimPeriod     uint64
}

// CanClaim reports whether the account may claim in the current period.
func (c ClaimerState) CanClaim(current uint64) bool {
	return c.LastClaimPeriod < current && c.RegisteredForPeriod == current
}

// IsRegisteredForNext reports whether the account holds a registration for
// the period following current.
func (c ClaimerState) IsRegisteredForNext(current uint64) bool {
	return c.RegisteredForPeriod == current+1
}

// HasClaimed reports whether a claim was already recorded in current.
func (c ClaimerState) HasClaimed(current uint64) bool {
	return current > 0 && c.LastClaimPeriod == current
}

// ErrDuplicateSubmission is returned when an attestation for the same key is
// already pending or confirmed.
var ErrDuplicateSubmission = errors.New("types: attestation already submitted")

// ErrTransactionReverted marks a submission that was mined but reverted, so
// the contract state is unchanged.
var ErrTransactionReverted = errors.New("types: transaction reverted")

// SubmissionKey identifies one claimAndRegister submission.
type SubmissionKey struct {
	ChainID      uint64
	Loop         common.Address
	Subject      common.Address
	TargetPeriod uint64
}

func (k SubmissionKey) String() string {
	return fmt.Sprintf("%d/%s/%s/%d", k.ChainID, LowerHex(k.Loop), LowerHex(k.Subject), k.TargetPeriod)
}
