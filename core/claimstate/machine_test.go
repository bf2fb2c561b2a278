package claimstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"loop/core/attestation"
	"loop/core/eligibility"
	looperrors "loop/core/errors"
	"loop/core/period"
	"loop/core/types"
	"loop/crypto"
)

var (
	chainID = uint64(100)
	loop    = common.HexToAddress("0x39c3A55F68Bf9f2992776991F25Aac6813a4F1d0")
	subject = common.HexToAddress("0xa25211B64D041F690C0c818183E32f28ba9647Dd")
)

type fakeChain struct {
	mu       sync.Mutex
	current  uint64
	claimer  types.ClaimerState
	submits  int
	failNext error
	failHash common.Hash
}

func (f *fakeChain) CurrentPeriod(context.Context, uint64, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeChain) NextPeriodStart(context.Context, uint64, common.Address) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Unix(int64(1000+100*(f.current+1)), 0), nil
}

func (f *fakeChain) ClaimerStatus(context.Context, uint64, common.Address, common.Address) (types.ClaimerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimer, nil
}

func (f *fakeChain) rollover() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current++
}

// ClaimAndRegister mimics the contract: claim when claimable, then register
// for the following period.
func (f *fakeChain) ClaimAndRegister(_ context.Context, _ common.Address, sig []byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.failNext != nil {
		err, hash := f.failNext, f.failHash
		f.failNext, f.failHash = nil, common.Hash{}
		return hash, err
	}
	if len(sig) != attestation.SignatureLength {
		return common.Hash{}, errors.New("bad signature")
	}
	if f.claimer.CanClaim(f.current) {
		f.claimer.LastClaimPeriod = f.current
	}
	f.claimer.RegisteredForPeriod = f.current + 1
	return common.BytesToHash([]byte{byte(f.submits)}), nil
}

type signingSource struct {
	chain  *fakeChain
	signer *attestation.Signer
	skew   uint64
	err    error
}

func (s *signingSource) RequestAttestation(_ context.Context, subj, lp common.Address, _ uint64) (attestation.Attestation, error) {
	if s.err != nil {
		return attestation.Attestation{}, s.err
	}
	s.chain.mu.Lock()
	target := s.chain.current + 1 + s.skew
	s.chain.mu.Unlock()
	return s.signer.Sign(eligibility.Decision{Subject: subj, Loop: lp, Admitted: true}, lp, target)
}

type memJournal struct {
	mu      sync.Mutex
	pending map[types.SubmissionKey]bool
	sent    map[types.SubmissionKey]common.Hash
	done    map[types.SubmissionKey]common.Hash
}

func newMemJournal() *memJournal {
	return &memJournal{
		pending: map[types.SubmissionKey]bool{},
		sent:    map[types.SubmissionKey]common.Hash{},
		done:    map[types.SubmissionKey]common.Hash{},
	}
}

func (j *memJournal) Sent(_ context.Context, key types.SubmissionKey, tx common.Hash) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sent[key] = tx
	return nil
}

func (j *memJournal) Reserve(_ context.Context, key types.SubmissionKey) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.done[key]; ok || j.pending[key] {
		return types.ErrDuplicateSubmission
	}
	j.pending[key] = true
	return nil
}

func (j *memJournal) Confirm(_ context.Context, key types.SubmissionKey, tx common.Hash) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pending, key)
	j.done[key] = tx
	return nil
}

func (j *memJournal) Release(_ context.Context, key types.SubmissionKey) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pending, key)
	return nil
}

type harness struct {
	chain   *fakeChain
	source  *signingSource
	journal *memJournal
	machine *Machine
	changes []Transition
}

func newHarness(t *testing.T, current uint64, claimer types.ClaimerState) *harness {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	signer, err := attestation.NewSigner(key, attestation.SchemeEIP191)
	require.NoError(t, err)

	h := &harness{chain: &fakeChain{current: current, claimer: claimer}, journal: newMemJournal()}
	h.source = &signingSource{chain: h.chain, signer: signer}
	h.machine, err = New(
		Config{ChainID: chainID, Loop: loop, Subject: subject, TrustedSigner: signer.Address()},
		h.chain, h.source, h.chain, h.journal,
		OnTransition(func(tr Transition) { h.changes = append(h.changes, tr) }),
	)
	require.NoError(t, err)
	return h
}

func TestDerive(t *testing.T) {
	cases := []struct {
		name    string
		claimer types.ClaimerState
		current uint64
		want    State
	}{
		{"fresh", types.ClaimerState{}, 5, StateUnregistered},
		{"registered", types.ClaimerState{RegisteredForPeriod: 6}, 5, StateRegisteredForNext},
		{"claimable", types.ClaimerState{RegisteredForPeriod: 5, LastClaimPeriod: 4}, 5, StateClaimable},
		{"claimed", types.ClaimerState{RegisteredForPeriod: 6, LastClaimPeriod: 5}, 5, StateClaimed},
		{"claimed then rollover", types.ClaimerState{RegisteredForPeriod: 6, LastClaimPeriod: 5}, 6, StateClaimable},
		{"lapsed", types.ClaimerState{RegisteredForPeriod: 5, LastClaimPeriod: 4}, 6, StateUnregistered},
		{"period zero", types.ClaimerState{}, 0, StateUnregistered},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Derive(tc.claimer, tc.current))
		})
	}
}

func TestFullCycle(t *testing.T) {
	h := newHarness(t, 5, types.ClaimerState{})
	ctx := context.Background()

	status, err := h.machine.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, StateUnregistered, status.State)

	res, err := h.machine.Advance(ctx)
	require.NoError(t, err)
	require.Equal(t, StateUnregistered, res.From)
	require.Equal(t, StateRegisteredForNext, res.To)
	require.Equal(t, uint64(6), res.Attestation.TargetPeriod)

	_, err = h.machine.Advance(ctx)
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	h.chain.rollover()
	status, err = h.machine.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, StateClaimable, status.State)

	res, err = h.machine.Advance(ctx)
	require.NoError(t, err)
	require.Equal(t, StateClaimed, res.To)
	require.Equal(t, uint64(7), res.Attestation.TargetPeriod)

	_, err = h.machine.Advance(ctx)
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	require.Equal(t, looperrors.KindValidation, looperrors.KindOf(err))

	h.chain.rollover()
	status, err = h.machine.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, StateClaimable, status.State)

	require.Equal(t, 2, h.chain.submits)
	got := make([]State, 0, len(h.changes))
	for _, c := range h.changes {
		got = append(got, c.To.State)
	}
	require.Equal(t, []State{StateRegisteredForNext, StateClaimable, StateClaimed, StateClaimable}, got)
	require.NotEqual(t, common.Hash{}, h.changes[0].TxHash)
}

func TestSubmissionFailureKeepsState(t *testing.T) {
	h := newHarness(t, 5, types.ClaimerState{RegisteredForPeriod: 5, LastClaimPeriod: 3})
	h.chain.failNext = errors.New("execution reverted")
	ctx := context.Background()

	_, err := h.machine.Advance(ctx)
	require.Equal(t, looperrors.KindContractWrite, looperrors.KindOf(err))
	status, ok := h.machine.Status()
	require.True(t, ok)
	require.Equal(t, StateClaimable, status.State)
	require.Empty(t, h.journal.pending, "failed submission releases its reservation")

	res, err := h.machine.Advance(ctx)
	require.NoError(t, err)
	require.Equal(t, StateClaimed, res.To)
	require.Equal(t, 2, h.chain.submits)
}

func TestUnconfirmedSubmissionStaysReserved(t *testing.T) {
	h := newHarness(t, 5, types.ClaimerState{})
	broadcast := common.HexToHash("0xabc")
	h.chain.failNext = looperrors.ContractWrite("receipt not available", context.DeadlineExceeded)
	h.chain.failHash = broadcast
	ctx := context.Background()

	_, err := h.machine.Advance(ctx)
	require.Equal(t, looperrors.KindContractWrite, looperrors.KindOf(err))
	key := types.SubmissionKey{ChainID: chainID, Loop: loop, Subject: subject, TargetPeriod: 6}
	require.True(t, h.journal.pending[key])
	require.Equal(t, broadcast, h.journal.sent[key])

	_, err = h.machine.Advance(ctx)
	require.ErrorIs(t, err, types.ErrDuplicateSubmission)
	require.Equal(t, 1, h.chain.submits)
}

func TestRevertedSubmissionReleasesReservation(t *testing.T) {
	h := newHarness(t, 5, types.ClaimerState{})
	h.chain.failNext = looperrors.ContractWrite("transaction reverted", types.ErrTransactionReverted)
	h.chain.failHash = common.HexToHash("0xdef")
	ctx := context.Background()

	_, err := h.machine.Advance(ctx)
	require.ErrorIs(t, err, types.ErrTransactionReverted)
	require.Empty(t, h.journal.pending)

	res, err := h.machine.Advance(ctx)
	require.NoError(t, err)
	require.Equal(t, StateRegisteredForNext, res.To)
	require.Equal(t, 2, h.chain.submits)
}

func TestAttestationGuards(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, 5, types.ClaimerState{})
	h.source.skew = 1
	_, err := h.machine.Advance(ctx)
	require.ErrorIs(t, err, ErrTargetMismatch)
	require.Zero(t, h.chain.submits)

	h = newHarness(t, 5, types.ClaimerState{})
	h.source.err = looperrors.Denied(looperrors.ReasonScoreBelowThreshold)
	_, err = h.machine.Advance(ctx)
	require.Equal(t, looperrors.KindPolicyDenied, looperrors.KindOf(err))
	require.Zero(t, h.chain.submits)

	h = newHarness(t, 5, types.ClaimerState{})
	other, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	h.source.signer, err = attestation.NewSigner(other, attestation.SchemeEIP191)
	require.NoError(t, err)
	_, err = h.machine.Advance(ctx)
	require.ErrorIs(t, err, ErrUntrustedSigner)
	require.Zero(t, h.chain.submits)
}

func TestJournalBlocksDuplicateSubmission(t *testing.T) {
	h := newHarness(t, 5, types.ClaimerState{})
	key := types.SubmissionKey{ChainID: chainID, Loop: loop, Subject: subject, TargetPeriod: 6}
	require.NoError(t, h.journal.Reserve(context.Background(), key))

	_, err := h.machine.Advance(context.Background())
	require.ErrorIs(t, err, types.ErrDuplicateSubmission)
	require.Zero(t, h.chain.submits)
}

func TestAdvanceRequiresCollaborators(t *testing.T) {
	m, err := New(Config{ChainID: chainID, Loop: loop, Subject: subject}, &fakeChain{}, nil, nil, nil)
	require.NoError(t, err)
	_, err = m.Advance(context.Background())
	require.Equal(t, looperrors.KindConfiguration, looperrors.KindOf(err))

	_, err = New(Config{Loop: loop, Subject: subject}, &fakeChain{}, nil, nil, nil)
	require.Equal(t, looperrors.KindValidation, looperrors.KindOf(err))
}

func TestWatchRefreshesAtBoundaries(t *testing.T) {
	h := newHarness(t, 5, types.ClaimerState{RegisteredForPeriod: 6})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	fires := 0
	timer := func(d time.Duration) (<-chan time.Time, func() bool) {
		waits = append(waits, d)
		fires++
		if fires > 1 {
			cancel()
			return make(chan time.Time), func() bool { return true }
		}
		h.chain.rollover()
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch, func() bool { return true }
	}
	now := time.Unix(1590, 0)
	scheduler := period.NewScheduler(nil, period.WithTimer(timer), period.WithSchedulerClock(func() time.Time { return now }))
	scheduler.Slack = 0

	err := h.machine.Watch(ctx, scheduler)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 10*time.Second, waits[0])

	status, ok := h.machine.Status()
	require.True(t, ok)
	require.Equal(t, StateClaimable, status.State)
	require.Equal(t, uint64(6), status.Period)
}
