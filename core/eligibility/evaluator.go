package eligibility

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	looperrors "loop/core/errors"
	"loop/core/types"
)

// Score is the result of a score lookup. Present is false when the provider has
// no record for the subject, which evaluates as a zero score.
type Score struct {
	Value   float64
	Present bool
}

// ScoreProvider returns the sybil-resistance score for a subject.
type ScoreProvider interface {
	FetchScore(ctx context.Context, subject common.Address) (Score, error)
}

// MembershipOracle reports whether subject belongs to group on the given chain.
type MembershipOracle interface {
	IsMember(ctx context.Context, chainID uint64, subject common.Address, group string) (bool, error)
}

// ChainTable is the chain lookup table. MembershipGroup reports false for
// chains that are not configured; an empty group falls back to the policy.
type ChainTable interface {
	Len() int
	MembershipGroup(chainID uint64) (string, bool)
}

// Preflight is implemented by collaborators that can detect missing
// configuration (credentials, keys) before any request is made.
type Preflight interface {
	Preflight() error
}

// Request identifies one eligibility check.
type Request struct {
	Subject common.Address
	Loop    common.Address
	ChainID uint64
}

// ParseRequest validates raw request fields. Missing fields yield the
// "Missing parameters" validation error; malformed addresses are reported
// separately.
func ParseRequest(userAddress, loopAddress string, chainID uint64) (Request, error) {
	if strings.TrimSpace(userAddress) == "" || strings.TrimSpace(loopAddress) == "" || chainID == 0 {
		return Request{}, looperrors.Validation(looperrors.ReasonMissingParameters)
	}
	subject, err := types.ParseAddress(userAddress)
	if err != nil {
		return Request{}, looperrors.Wrap(looperrors.KindValidation, "invalid userAddress", err)
	}
	loopAddr, err := types.ParseAddress(loopAddress)
	if err != nil {
		return Request{}, looperrors.Wrap(looperrors.KindValidation, "invalid loopAddress", err)
	}
	return Request{Subject: subject, Loop: loopAddr, ChainID: chainID}, nil
}

// Decision is the outcome of an evaluation. It is never persisted.
type Decision struct {
	Subject  common.Address
	Loop     common.Address
	ChainID  uint64
	Score    float64
	HasScore bool
	IsMember bool
	Admitted bool
	Reason   string
}

// Err converts a denial into a PolicyDenied error; admitted decisions return nil.
func (d Decision) Err() error {
	if d.Admitted {
		return nil
	}
	reason := d.Reason
	if reason == "" {
		reason = looperrors.ReasonScoreBelowThreshold
	}
	return looperrors.Denied(reason)
}

// Evaluator combines the score provider and membership oracle under a policy.
// It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	scores  ScoreProvider
	members MembershipOracle
	chains  ChainTable
	signer  Preflight
	policy  Policy
	logger  *slog.Logger
}

// Option customises an Evaluator.
type Option func(*Evaluator)

// WithMembershipOracle supplies the oracle used in score_and_membership mode.
func WithMembershipOracle(m MembershipOracle) Option {
	return func(e *Evaluator) { e.members = m }
}

// WithSigner registers the signing key holder so a missing key is reported
// before upstream calls are made.
func WithSigner(s Preflight) Option {
	return func(e *Evaluator) { e.signer = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// NewEvaluator constructs an evaluator for the supplied policy.
func NewEvaluator(policy Policy, scores ScoreProvider, chains ChainTable, opts ...Option) (*Evaluator, error) {
	policy = policy.Normalise()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	e := &Evaluator{
		scores: scores,
		chains: chains,
		policy: policy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Policy returns the active policy.
func (e *Evaluator) Policy() Policy {
	return e.policy
}

// Ready reports configuration problems that make every evaluation fail.
func (e *Evaluator) Ready() error {
	if e.signer == nil {
		return looperrors.Configuration("signing key not configured")
	}
	if err := e.signer.Preflight(); err != nil {
		return looperrors.Wrap(looperrors.KindConfiguration, "signing key not configured", err)
	}
	if e.scores == nil {
		return looperrors.Configuration("score provider not configured")
	}
	if pf, ok := e.scores.(Preflight); ok {
		if err := pf.Preflight(); err != nil {
			return looperrors.Wrap(looperrors.KindConfiguration, "score provider credential not configured", err)
		}
	}
	if e.chains == nil || e.chains.Len() == 0 {
		return looperrors.Configuration("chain lookup table not configured")
	}
	if e.policy.RequiresMembership() && e.members == nil {
		return looperrors.Configuration("membership oracle not configured")
	}
	return nil
}

// Evaluate runs the configured checks for req. Denials are returned as a
// decision with Admitted=false and a nil error; infrastructure failures are
// returned as typed errors. Membership is only consulted once the score passes.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Decision, error) {
	if err := e.Ready(); err != nil {
		return Decision{}, err
	}
	if (req.Subject == common.Address{}) || (req.Loop == common.Address{}) || req.ChainID == 0 {
		return Decision{}, looperrors.Validation(looperrors.ReasonMissingParameters)
	}
	group, ok := e.chains.MembershipGroup(req.ChainID)
	if !ok {
		return Decision{}, looperrors.Validation(fmt.Sprintf("unsupported chain %d", req.ChainID))
	}

	decision := Decision{Subject: req.Subject, Loop: req.Loop, ChainID: req.ChainID}

	score, err := e.scores.FetchScore(ctx, req.Subject)
	if err != nil {
		return Decision{}, asUpstream("score provider unavailable", err)
	}
	decision.Score = score.Value
	decision.HasScore = score.Present
	if !score.Present {
		decision.Score = 0
	}
	if !e.policy.Passes(decision.Score) {
		decision.Reason = looperrors.ReasonScoreBelowThreshold
		e.logger.DebugContext(ctx, "eligibility denied",
			slog.String("subject", types.LowerHex(req.Subject)),
			slog.Float64("score", decision.Score),
			slog.String("reason", decision.Reason),
		)
		return decision, nil
	}

	if e.policy.RequiresMembership() {
		if group == "" {
			group = e.policy.Group
		}
		if group == "" {
			return Decision{}, looperrors.Configuration("membership group not configured")
		}
		member, err := e.members.IsMember(ctx, req.ChainID, req.Subject, group)
		if err != nil {
			return Decision{}, asUpstream("membership oracle unavailable", err)
		}
		decision.IsMember = member
		if !member {
			decision.Reason = looperrors.ReasonNotMember
			e.logger.DebugContext(ctx, "eligibility denied",
				slog.String("subject", types.LowerHex(req.Subject)),
				slog.String("reason", decision.Reason),
			)
			return decision, nil
		}
	}

	decision.Admitted = true
	return decision, nil
}

// asUpstream keeps typed errors intact and classifies everything else,
// including context cancellation, as an upstream failure.
func asUpstream(reason string, err error) error {
	if looperrors.KindOf(err) != looperrors.KindUnknown {
		return err
	}
	return looperrors.Upstream(reason, err)
}
