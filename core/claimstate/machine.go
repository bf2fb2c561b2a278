package claimstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"loop/core/attestation"
	looperrors "loop/core/errors"
	"loop/core/period"
	"loop/core/types"
	"loop/observability"
)

// ChainView is the contract state the machine observes.
type ChainView interface {
	CurrentPeriod(ctx context.Context, chainID uint64, loop common.Address) (uint64, error)
	NextPeriodStart(ctx context.Context, chainID uint64, loop common.Address) (time.Time, error)
	ClaimerStatus(ctx context.Context, chainID uint64, loop, claimer common.Address) (types.ClaimerState, error)
}

// AttestationSource obtains a signed attestation for the next period.
type AttestationSource interface {
	RequestAttestation(ctx context.Context, subject, loop common.Address, chainID uint64) (attestation.Attestation, error)
}

// Submitter sends claimAndRegister and waits for it to be mined.
type Submitter interface {
	ClaimAndRegister(ctx context.Context, loop common.Address, signature []byte) (common.Hash, error)
}

// Journal records submissions so the same attestation key is never sent
// twice. Reserve fails with types.ErrDuplicateSubmission for a key that is
// pending or confirmed. Sent records a broadcast hash on a pending entry.
type Journal interface {
	Reserve(ctx context.Context, key types.SubmissionKey) error
	Sent(ctx context.Context, key types.SubmissionKey, tx common.Hash) error
	Confirm(ctx context.Context, key types.SubmissionKey, tx common.Hash) error
	Release(ctx context.Context, key types.SubmissionKey) error
}

// Status is the last observed position of the subject.
type Status struct {
	State      State
	Period     uint64
	Claimer    types.ClaimerState
	ObservedAt time.Time
}

// Transition is emitted whenever a refresh observes a different state.
type Transition struct {
	From   Status
	To     Status
	TxHash common.Hash
}

// Result describes a successful submission.
type Result struct {
	TxHash      common.Hash
	Attestation attestation.Attestation
	From        State
	To          State
}

// Config binds a machine to one subject of one loop.
type Config struct {
	ChainID uint64
	Loop    common.Address
	Subject common.Address
	// TrustedSigner, when set, must match the attestation signer.
	TrustedSigner common.Address
}

// Machine drives one subject through the register/claim cycle. Reads and
// submissions are serialised per machine.
type Machine struct {
	cfg       Config
	view      ChainView
	source    AttestationSource
	submitter Submitter
	journal   Journal
	logger    *slog.Logger
	nowFn     func() time.Time
	onChange  func(Transition)

	submitMu sync.Mutex

	mu     sync.RWMutex
	status Status
	known  bool
}

// Option customises a Machine.
type Option func(*Machine)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.nowFn = now
		}
	}
}

// OnTransition registers a callback invoked after every observed change.
func OnTransition(fn func(Transition)) Option {
	return func(m *Machine) { m.onChange = fn }
}

// New constructs a machine. The journal may be nil only in read-only use;
// Advance refuses to submit without one.
func New(cfg Config, view ChainView, source AttestationSource, submitter Submitter, journal Journal, opts ...Option) (*Machine, error) {
	if cfg.ChainID == 0 || (cfg.Loop == common.Address{}) || (cfg.Subject == common.Address{}) {
		return nil, looperrors.Validation(looperrors.ReasonMissingParameters)
	}
	if view == nil {
		return nil, looperrors.Configuration("chain view not configured")
	}
	m := &Machine{
		cfg:       cfg,
		view:      view,
		source:    source,
		submitter: submitter,
		journal:   journal,
		logger:    slog.Default(),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Status returns the last observed status and whether a refresh has happened.
func (m *Machine) Status() (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.known
}

// Refresh re-reads the contract and updates the derived state.
func (m *Machine) Refresh(ctx context.Context) (Status, error) {
	return m.refresh(ctx, common.Hash{})
}

func (m *Machine) refresh(ctx context.Context, tx common.Hash) (Status, error) {
	var (
		current uint64
		claimer types.ClaimerState
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		current, err = m.view.CurrentPeriod(gctx, m.cfg.ChainID, m.cfg.Loop)
		return err
	})
	g.Go(func() error {
		var err error
		claimer, err = m.view.ClaimerStatus(gctx, m.cfg.ChainID, m.cfg.Loop, m.cfg.Subject)
		return err
	})
	if err := g.Wait(); err != nil {
		return Status{}, err
	}

	next := Status{
		State:      Derive(claimer, current),
		Period:     current,
		Claimer:    claimer,
		ObservedAt: m.nowFn(),
	}

	m.mu.Lock()
	prev, known := m.status, m.known
	m.status, m.known = next, true
	m.mu.Unlock()

	if !known || prev.State != next.State || prev.Period != next.Period {
		m.logger.InfoContext(ctx, "claim state observed",
			slog.String("subject", types.LowerHex(m.cfg.Subject)),
			slog.String("from", prev.State.String()),
			slog.String("to", next.State.String()),
			slog.Uint64("period", current),
		)
		if known {
			observability.Claims().RecordTransition(prev.State.String(), next.State.String())
			if m.onChange != nil {
				m.onChange(Transition{From: prev, To: next, TxHash: tx})
			}
		}
	}
	return next, nil
}

// Advance performs the single transition available from the current state:
// register from Unregistered, or claim and re-register from Claimable. On
// any failure the observed state is left untouched and nothing is retried.
func (m *Machine) Advance(ctx context.Context) (Result, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	if m.source == nil || m.submitter == nil || m.journal == nil {
		return Result{}, looperrors.Configuration("claim submission not configured")
	}

	status, err := m.Refresh(ctx)
	if err != nil {
		return Result{}, err
	}
	switch status.State {
	case StateClaimed:
		return Result{}, looperrors.Wrap(looperrors.KindValidation, "already claimed this period", ErrAlreadyClaimed)
	case StateRegisteredForNext:
		return Result{}, looperrors.Wrap(looperrors.KindValidation, "already registered for next period", ErrAlreadyRegistered)
	}
	if status.Claimer.HasClaimed(status.Period) {
		return Result{}, looperrors.Wrap(looperrors.KindValidation, "already claimed this period", ErrAlreadyClaimed)
	}

	att, err := m.source.RequestAttestation(ctx, m.cfg.Subject, m.cfg.Loop, m.cfg.ChainID)
	if err != nil {
		return Result{}, err
	}
	if err := m.check(att, status.Period); err != nil {
		return Result{}, err
	}

	key := types.SubmissionKey{
		ChainID:      m.cfg.ChainID,
		Loop:         m.cfg.Loop,
		Subject:      m.cfg.Subject,
		TargetPeriod: att.TargetPeriod,
	}
	if err := m.journal.Reserve(ctx, key); err != nil {
		if errors.Is(err, types.ErrDuplicateSubmission) {
			observability.Claims().RecordSubmission("duplicate")
			return Result{}, looperrors.Wrap(looperrors.KindValidation, "attestation already submitted", err)
		}
		return Result{}, looperrors.Wrap(looperrors.KindConfiguration, "submission journal unavailable", err)
	}

	hash, err := m.submitter.ClaimAndRegister(ctx, m.cfg.Loop, att.Signature)
	if err != nil {
		outcome := m.settleFailed(ctx, key, hash, err)
		if looperrors.KindOf(err) == looperrors.KindUnknown {
			err = looperrors.ContractWrite("claimAndRegister failed", err)
		}
		observability.Claims().RecordSubmission(outcome)
		m.logger.WarnContext(ctx, "claimAndRegister failed",
			slog.String("subject", types.LowerHex(m.cfg.Subject)),
			slog.Uint64("targetPeriod", att.TargetPeriod),
			slog.String("tx", hash.Hex()),
			slog.Any("error", err),
		)
		return Result{}, err
	}
	if err := m.journal.Confirm(context.WithoutCancel(ctx), key, hash); err != nil {
		m.logger.ErrorContext(ctx, "confirm journal entry failed", slog.String("key", key.String()), slog.Any("error", err))
	}

	observability.Claims().RecordSubmission("confirmed")

	result := Result{TxHash: hash, Attestation: att, From: status.State, To: status.State.Expected()}
	after, err := m.refresh(ctx, hash)
	if err != nil {
		m.logger.WarnContext(ctx, "refresh after submission failed", slog.Any("error", err))
		return result, nil
	}
	result.To = after.State
	if after.State != status.State.Expected() {
		m.logger.WarnContext(ctx, "unexpected state after submission",
			slog.String("expected", status.State.Expected().String()),
			slog.String("observed", after.State.String()),
		)
	}
	return result, nil
}

// settleFailed releases the reservation when nothing reached the chain or
// the transaction reverted. A broadcast transaction without a receipt keeps
// its entry pending so it is not sent again.
func (m *Machine) settleFailed(ctx context.Context, key types.SubmissionKey, hash common.Hash, err error) string {
	ctx = context.WithoutCancel(ctx)
	if (hash == common.Hash{}) || errors.Is(err, types.ErrTransactionReverted) {
		if relErr := m.journal.Release(ctx, key); relErr != nil {
			m.logger.ErrorContext(ctx, "release journal entry failed", slog.String("key", key.String()), slog.Any("error", relErr))
		}
		return "failed"
	}
	if sentErr := m.journal.Sent(ctx, key, hash); sentErr != nil {
		m.logger.ErrorContext(ctx, "record sent transaction failed", slog.String("key", key.String()), slog.Any("error", sentErr))
	}
	return "unconfirmed"
}

func (m *Machine) check(att attestation.Attestation, current uint64) error {
	if att.Subject != m.cfg.Subject || att.Loop != m.cfg.Loop {
		return looperrors.Wrap(looperrors.KindValidation, "attestation does not match claimer", ErrWrongAttestation)
	}
	if att.TargetPeriod != current+1 {
		return looperrors.Wrap(looperrors.KindValidation, "attestation is stale",
			fmt.Errorf("%w: target %d, current %d", ErrTargetMismatch, att.TargetPeriod, current))
	}
	if err := attestation.Verify(att); err != nil {
		return looperrors.Wrap(looperrors.KindValidation, "attestation signature invalid", err)
	}
	if (m.cfg.TrustedSigner != common.Address{}) && att.Signer != m.cfg.TrustedSigner {
		return looperrors.Wrap(looperrors.KindValidation, "attestation signer not trusted", ErrUntrustedSigner)
	}
	return nil
}

// Watch refreshes at every period boundary until ctx is cancelled.
func (m *Machine) Watch(ctx context.Context, scheduler *period.Scheduler) error {
	if scheduler == nil {
		scheduler = period.NewScheduler(m.logger)
	}
	if _, err := m.Refresh(ctx); err != nil {
		m.logger.WarnContext(ctx, "initial claim state refresh failed", slog.Any("error", err))
	}
	next := func(ctx context.Context) (time.Time, error) {
		return m.view.NextPeriodStart(ctx, m.cfg.ChainID, m.cfg.Loop)
	}
	fire := func(ctx context.Context) {
		if _, err := m.Refresh(ctx); err != nil {
			m.logger.WarnContext(ctx, "claim state refresh failed", slog.Any("error", err))
		}
	}
	return scheduler.Run(ctx, next, fire)
}
