package period

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	looperrors "loop/core/errors"
	"loop/core/types"
)

// LoopReader is the contract view surface the clock depends on.
type LoopReader interface {
	LoopDetails(ctx context.Context, loop common.Address) (types.LoopDetails, error)
	CurrentPeriod(ctx context.Context, loop common.Address) (uint64, error)
}

// ReaderSource resolves the reader for a chain. Unknown chains should return
// a validation error.
type ReaderSource interface {
	LoopReader(chainID uint64) (LoopReader, error)
}

// Snapshot is the period view of one loop at a point in time.
type Snapshot struct {
	ChainID         uint64
	Loop            common.Address
	Details         types.LoopDetails
	CurrentPeriod   uint64
	TargetPeriod    uint64
	EstimatedPeriod uint64
	NextPeriodStart time.Time
	ObservedAt      time.Time
}

// Drift reports whether the local estimate disagrees with the contract.
func (s Snapshot) Drift() bool {
	return s.EstimatedPeriod != s.CurrentPeriod
}

// detailsReadTimeout bounds the shared getLoopDetails read.
const detailsReadTimeout = 15 * time.Second

// Clock answers period questions from contract state. The contract's
// getCurrentPeriod is authoritative; local estimates are only logged.
type Clock struct {
	source ReaderSource
	cache  DetailsCache
	group  singleflight.Group
	nowFn  func() time.Time
	logger *slog.Logger
}

// ClockOption customises a Clock.
type ClockOption func(*Clock)

// WithCache replaces the in-memory details cache.
func WithCache(cache DetailsCache) ClockOption {
	return func(c *Clock) {
		if cache != nil {
			c.cache = cache
		}
	}
}

// WithClock overrides the wall clock used for estimates.
func WithClock(now func() time.Time) ClockOption {
	return func(c *Clock) {
		if now != nil {
			c.nowFn = now
		}
	}
}

// WithClockLogger overrides the logger used for drift reports.
func WithClockLogger(l *slog.Logger) ClockOption {
	return func(c *Clock) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClock constructs a clock reading through source.
func NewClock(source ReaderSource, opts ...ClockOption) *Clock {
	c := &Clock{
		source: source,
		cache:  NewMemoryCache(),
		nowFn:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Details returns the immutable loop parameters, reading the contract once
// per (chain, loop).
func (c *Clock) Details(ctx context.Context, chainID uint64, loop common.Address) (types.LoopDetails, error) {
	key := Key{ChainID: chainID, Loop: loop}
	if cached, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		return cached, nil
	} else if err != nil {
		c.logger.WarnContext(ctx, "loop details cache read failed", slog.Any("error", err))
	}
	// The shared read is detached from the first caller's cancellation.
	ch := c.group.DoChan(fmt.Sprintf("%d/%s", chainID, loop.Hex()), func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detailsReadTimeout)
		defer cancel()
		reader, err := c.reader(chainID)
		if err != nil {
			return nil, err
		}
		details, err := reader.LoopDetails(rctx, loop)
		if err != nil {
			return nil, asContractRead(err)
		}
		if details.PeriodLength == 0 {
			return nil, looperrors.ContractRead("contract read failed", fmt.Errorf("loop %s reports zero period length", loop.Hex()))
		}
		if err := c.cache.Put(rctx, key, details); err != nil {
			c.logger.WarnContext(rctx, "loop details cache write failed", slog.Any("error", err))
		}
		return details, nil
	})
	select {
	case <-ctx.Done():
		return types.LoopDetails{}, asContractRead(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return types.LoopDetails{}, res.Err
		}
		return res.Val.(types.LoopDetails), nil
	}
}

// CurrentPeriod reads getCurrentPeriod. It is never cached.
func (c *Clock) CurrentPeriod(ctx context.Context, chainID uint64, loop common.Address) (uint64, error) {
	reader, err := c.reader(chainID)
	if err != nil {
		return 0, err
	}
	current, err := reader.CurrentPeriod(ctx, loop)
	if err != nil {
		return 0, asContractRead(err)
	}
	return current, nil
}

// TargetPeriod returns the period an attestation issued now must bind to.
func (c *Clock) TargetPeriod(ctx context.Context, chainID uint64, loop common.Address) (uint64, error) {
	current, err := c.CurrentPeriod(ctx, chainID, loop)
	if err != nil {
		return 0, err
	}
	return nextIndex(current)
}

// NextPeriodStart returns firstPeriodStart + periodLength * (current + 1).
func (c *Clock) NextPeriodStart(ctx context.Context, chainID uint64, loop common.Address) (time.Time, error) {
	snap, err := c.Snapshot(ctx, chainID, loop)
	if err != nil {
		return time.Time{}, err
	}
	return snap.NextPeriodStart, nil
}

// Snapshot reads details and the current period concurrently and derives
// the boundary and advisory estimate.
func (c *Clock) Snapshot(ctx context.Context, chainID uint64, loop common.Address) (Snapshot, error) {
	var (
		details types.LoopDetails
		current uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		details, err = c.Details(gctx, chainID, loop)
		return err
	})
	g.Go(func() error {
		var err error
		current, err = c.CurrentPeriod(gctx, chainID, loop)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	target, err := nextIndex(current)
	if err != nil {
		return Snapshot{}, err
	}
	start, err := boundary(details, target)
	if err != nil {
		return Snapshot{}, err
	}
	now := c.nowFn()
	snap := Snapshot{
		ChainID:         chainID,
		Loop:            loop,
		Details:         details,
		CurrentPeriod:   current,
		TargetPeriod:    target,
		EstimatedPeriod: details.EstimatePeriod(now),
		NextPeriodStart: start,
		ObservedAt:      now,
	}
	if snap.Drift() {
		c.logger.WarnContext(ctx, "period estimate drift",
			slog.Uint64("chainId", chainID),
			slog.String("loop", types.LowerHex(loop)),
			slog.Uint64("contract", current),
			slog.Uint64("estimated", snap.EstimatedPeriod),
		)
	}
	return snap, nil
}

func (c *Clock) reader(chainID uint64) (LoopReader, error) {
	if c == nil || c.source == nil {
		return nil, looperrors.Configuration("chain lookup table not configured")
	}
	reader, err := c.source.LoopReader(chainID)
	if err != nil {
		if looperrors.KindOf(err) != looperrors.KindUnknown {
			return nil, err
		}
		return nil, looperrors.Wrap(looperrors.KindConfiguration, "evm client unavailable", err)
	}
	return reader, nil
}

func nextIndex(current uint64) (uint64, error) {
	if current == math.MaxUint64 {
		return 0, looperrors.ContractRead("contract read failed", fmt.Errorf("current period %d overflows", current))
	}
	return current + 1, nil
}

// boundary returns the start of period, checking for overflow.
func boundary(details types.LoopDetails, period uint64) (time.Time, error) {
	if details.FirstPeriodStart > math.MaxInt64 ||
		(details.PeriodLength != 0 && period > (math.MaxInt64-details.FirstPeriodStart)/details.PeriodLength) {
		return time.Time{}, looperrors.ContractRead("contract read failed", fmt.Errorf("period %d start overflows", period))
	}
	return details.PeriodStart(period), nil
}

func asContractRead(err error) error {
	if looperrors.KindOf(err) != looperrors.KindUnknown {
		return err
	}
	return looperrors.ContractRead("contract read failed", err)
}
