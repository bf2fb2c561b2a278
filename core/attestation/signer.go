package attestation

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"loop/core/eligibility"
	looperrors "loop/core/errors"
	"loop/crypto"
)

// SignatureLength is the size of an r || s || v signature.
const SignatureLength = 65

// Scheme selects what exactly gets signed.
type Scheme string

const (
	// SchemeEIP191 signs keccak256("\x19Ethereum Signed Message:\n32" || digest).
	SchemeEIP191 Scheme = "eip191"
	// SchemeRaw signs the digest itself.
	SchemeRaw Scheme = "raw"
)

var (
	ErrNoKey             = errors.New("attestation: signing key not configured")
	ErrUnknownScheme     = errors.New("attestation: unknown signature scheme")
	ErrBadSignature      = errors.New("attestation: malformed signature")
	ErrSignerMismatch    = errors.New("attestation: signature does not recover to signer")
	ErrDigestMismatch    = errors.New("attestation: digest does not match message")
	ErrDecisionNotAdmits = errors.New("attestation: decision does not admit subject")
)

// ParseScheme maps a configuration value onto a Scheme. Empty selects eip191.
func ParseScheme(raw string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SchemeEIP191:
		return SchemeEIP191, nil
	case SchemeRaw:
		return SchemeRaw, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScheme, raw)
	}
}

// Attestation binds a subject to one future period of one loop.
type Attestation struct {
	Subject      common.Address
	Loop         common.Address
	TargetPeriod uint64
	Digest       common.Hash
	Signature    []byte
	Signer       common.Address
	Scheme       Scheme
}

// Message returns the packed message the digest was computed from.
func (a Attestation) Message() []byte {
	return PackMessage(a.Subject, a.TargetPeriod, a.Loop)
}

// SignatureHex renders the signature as 0x-prefixed hex.
func (a Attestation) SignatureHex() string {
	return hexutil.Encode(a.Signature)
}

// MessageHex renders the packed message as 0x-prefixed hex.
func (a Attestation) MessageHex() string {
	return hexutil.Encode(a.Message())
}

// Signer holds the service key. It is immutable after construction and safe
// for concurrent use.
type Signer struct {
	key     *crypto.PrivateKey
	address common.Address
	scheme  Scheme
}

// NewSigner wraps key. A nil key yields a signer whose Preflight fails, so the
// service can still start and report configuration errors per request.
func NewSigner(key *crypto.PrivateKey, scheme Scheme) (*Signer, error) {
	if scheme == "" {
		scheme = SchemeEIP191
	}
	if scheme != SchemeEIP191 && scheme != SchemeRaw {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	s := &Signer{key: key, scheme: scheme}
	if key != nil && key.PrivateKey != nil {
		s.address = key.PubKey().Address()
	}
	return s, nil
}

// Preflight reports whether a key is loaded.
func (s *Signer) Preflight() error {
	if s == nil || s.key == nil || s.key.PrivateKey == nil {
		return ErrNoKey
	}
	return nil
}

// Address returns the signer's account address.
func (s *Signer) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}

// Scheme returns the configured signature scheme.
func (s *Signer) Scheme() Scheme {
	if s == nil {
		return ""
	}
	return s.scheme
}

// Sign produces the attestation for an admitted decision.
func (s *Signer) Sign(decision eligibility.Decision, loop common.Address, targetPeriod uint64) (Attestation, error) {
	if err := s.Preflight(); err != nil {
		return Attestation{}, looperrors.Signing("signing key not configured", err)
	}
	if !decision.Admitted {
		return Attestation{}, looperrors.Signing("decision not admitted", ErrDecisionNotAdmits)
	}
	if (decision.Subject == common.Address{}) || (loop == common.Address{}) {
		return Attestation{}, looperrors.Signing("subject and loop required", ErrDecisionNotAdmits)
	}
	if (decision.Loop != common.Address{}) && decision.Loop != loop {
		return Attestation{}, looperrors.Signing("decision issued for another loop", ErrDecisionNotAdmits)
	}

	digest := Digest(decision.Subject, targetPeriod, loop)
	sig, err := gethcrypto.Sign(signingHash(s.scheme, digest), s.key.PrivateKey)
	if err != nil {
		return Attestation{}, looperrors.Signing("sign attestation", err)
	}
	sig[64] += 27

	return Attestation{
		Subject:      decision.Subject,
		Loop:         loop,
		TargetPeriod: targetPeriod,
		Digest:       digest,
		Signature:    sig,
		Signer:       s.address,
		Scheme:       s.scheme,
	}, nil
}

func signingHash(scheme Scheme, digest common.Hash) []byte {
	if scheme == SchemeRaw {
		return digest.Bytes()
	}
	return accounts.TextHash(digest.Bytes())
}

// Recover returns the address that produced sig over digest under scheme.
// Both v ∈ {0,1} and v ∈ {27,28} are accepted.
func Recover(digest common.Hash, sig []byte, scheme Scheme) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	normalised := bytes.Clone(sig)
	if normalised[64] >= 27 {
		normalised[64] -= 27
	}
	if normalised[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrBadSignature, sig[64])
	}
	if scheme == "" {
		scheme = SchemeEIP191
	}
	pub, err := gethcrypto.SigToPub(signingHash(scheme, digest), normalised)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return gethcrypto.PubkeyToAddress(*pub), nil
}

// Verify recomputes the digest from the attestation fields and checks the
// signature recovers to the declared signer.
func Verify(a Attestation) error {
	if Digest(a.Subject, a.TargetPeriod, a.Loop) != a.Digest {
		return ErrDigestMismatch
	}
	recovered, err := Recover(a.Digest, a.Signature, a.Scheme)
	if err != nil {
		return err
	}
	if recovered != a.Signer {
		return fmt.Errorf("%w: recovered %s", ErrSignerMismatch, recovered.Hex())
	}
	return nil
}
