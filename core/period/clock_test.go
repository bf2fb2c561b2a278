package period

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	looperrors "loop/core/errors"
	"loop/core/types"
)

type fakeReader struct {
	mu           sync.Mutex
	details      types.LoopDetails
	current      uint64
	err          error
	detailsCalls int
	currentCalls int
}

func (f *fakeReader) LoopDetails(context.Context, common.Address) (types.LoopDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailsCalls++
	return f.details, f.err
}

func (f *fakeReader) CurrentPeriod(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentCalls++
	return f.current, f.err
}

type fakeSource map[uint64]LoopReader

func (s fakeSource) LoopReader(chainID uint64) (LoopReader, error) {
	r, ok := s[chainID]
	if !ok {
		return nil, looperrors.Validation("unsupported chain")
	}
	return r, nil
}

var testLoop = common.HexToAddress("0x39c3A55F68Bf9f2992776991F25Aac6813a4F1d0")

func newTestClock(r *fakeReader, now time.Time) *Clock {
	return NewClock(fakeSource{100: r}, WithClock(func() time.Time { return now }))
}

func TestSnapshotComputesBoundary(t *testing.T) {
	r := &fakeReader{
		details: types.LoopDetails{PeriodLength: 100, PercentPerPeriod: 5, FirstPeriodStart: 1000},
		current: 5,
	}
	clock := newTestClock(r, time.Unix(1555, 0))

	snap, err := clock.Snapshot(context.Background(), 100, testLoop)
	require.NoError(t, err)
	require.Equal(t, uint64(5), snap.CurrentPeriod)
	require.Equal(t, uint64(6), snap.TargetPeriod)
	require.Equal(t, time.Unix(1600, 0).UTC(), snap.NextPeriodStart)
	require.Equal(t, uint64(5), snap.EstimatedPeriod)
	require.False(t, snap.Drift())

	next, err := clock.NextPeriodStart(context.Background(), 100, testLoop)
	require.NoError(t, err)
	require.Equal(t, int64(1600), next.Unix())

	target, err := clock.TargetPeriod(context.Background(), 100, testLoop)
	require.NoError(t, err)
	require.Equal(t, uint64(6), target)

	require.Equal(t, 1, r.detailsCalls, "loop details are read once")
	require.Equal(t, 3, r.currentCalls, "current period is always read fresh")
}

func TestContractPeriodWinsOverEstimate(t *testing.T) {
	r := &fakeReader{
		details: types.LoopDetails{PeriodLength: 100, FirstPeriodStart: 1000},
		current: 4,
	}
	clock := newTestClock(r, time.Unix(1555, 0))

	snap, err := clock.Snapshot(context.Background(), 100, testLoop)
	require.NoError(t, err)
	require.True(t, snap.Drift())
	require.Equal(t, uint64(5), snap.TargetPeriod)
	require.Equal(t, int64(1500), snap.NextPeriodStart.Unix())
}

func TestClockErrors(t *testing.T) {
	r := &fakeReader{err: errors.New("execution reverted")}
	clock := newTestClock(r, time.Now())

	_, err := clock.CurrentPeriod(context.Background(), 100, testLoop)
	require.Equal(t, looperrors.KindContractRead, looperrors.KindOf(err))

	_, err = clock.Snapshot(context.Background(), 100, testLoop)
	require.Equal(t, looperrors.KindContractRead, looperrors.KindOf(err))

	_, err = clock.TargetPeriod(context.Background(), 7, testLoop)
	require.Equal(t, looperrors.KindValidation, looperrors.KindOf(err))

	zero := &fakeReader{details: types.LoopDetails{FirstPeriodStart: 1000}}
	clock = newTestClock(zero, time.Now())
	_, err = clock.Details(context.Background(), 100, testLoop)
	require.Equal(t, looperrors.KindContractRead, looperrors.KindOf(err))
	_, err = clock.Details(context.Background(), 100, testLoop)
	require.Error(t, err)
	require.Equal(t, 2, zero.detailsCalls, "invalid details are not cached")
}

func TestEstimatePeriodClamps(t *testing.T) {
	d := types.LoopDetails{PeriodLength: 60, FirstPeriodStart: 600}
	require.Zero(t, d.EstimatePeriod(time.Unix(0, 0)))
	require.Zero(t, d.EstimatePeriod(time.Unix(659, 0)))
	require.Equal(t, uint64(1), d.EstimatePeriod(time.Unix(660, 0)))
	require.Zero(t, types.LoopDetails{}.EstimatePeriod(time.Unix(1e9, 0)))
}

func TestMemoryCacheKeepsFirstWrite(t *testing.T) {
	c := NewMemoryCache()
	key := Key{ChainID: 1, Loop: testLoop}
	require.NoError(t, c.Put(context.Background(), key, types.LoopDetails{PeriodLength: 10}))
	require.NoError(t, c.Put(context.Background(), key, types.LoopDetails{PeriodLength: 20}))
	got, ok, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), got.PeriodLength)
	require.Equal(t, 1, c.Len())
}

type gatedReader struct {
	fakeReader
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedReader) LoopDetails(ctx context.Context, loop common.Address) (types.LoopDetails, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return types.LoopDetails{}, ctx.Err()
	}
	return g.fakeReader.LoopDetails(ctx, loop)
}

func TestDetailsSurvivesFirstCallerCancel(t *testing.T) {
	r := &gatedReader{
		fakeReader: fakeReader{details: types.LoopDetails{PeriodLength: 100, FirstPeriodStart: 1000}},
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	clock := NewClock(fakeSource{100: r})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := clock.Details(first, 100, testLoop)
		firstErr <- err
	}()
	<-r.started
	cancel()
	err := <-firstErr
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, looperrors.KindContractRead, looperrors.KindOf(err))

	second := make(chan error, 1)
	go func() {
		_, err := clock.Details(context.Background(), 100, testLoop)
		second <- err
	}()
	close(r.release)
	require.NoError(t, <-second)

	details, err := clock.Details(context.Background(), 100, testLoop)
	require.NoError(t, err)
	require.Equal(t, uint64(100), details.PeriodLength)
	require.Equal(t, 1, r.detailsCalls)
}
