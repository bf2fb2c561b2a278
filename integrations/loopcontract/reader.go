package loopcontract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	looperrors "loop/core/errors"
	"loop/core/types"
)

var (
	ErrNoCode   = errors.New("loopcontract: no contract code at address")
	ErrOverflow = errors.New("loopcontract: value does not fit in 64 bits")
	ErrDecode   = errors.New("loopcontract: unexpected return data")
)

// Caller is the read-only subset of the Ethereum RPC the reader needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// LogBackend adds the log queries used to list registrations.
type LogBackend interface {
	Caller
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Dial opens an RPC client for endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Reader issues view calls against distribution contracts on one chain.
type Reader struct {
	backend Caller

	mu       sync.RWMutex
	verified map[common.Address]struct{}
}

// NewReader binds a reader to backend.
func NewReader(backend Caller) *Reader {
	return &Reader{backend: backend, verified: make(map[common.Address]struct{})}
}

// LoopDetails reads getLoopDetails.
func (r *Reader) LoopDetails(ctx context.Context, loop common.Address) (types.LoopDetails, error) {
	out, err := r.call(ctx, loop, methodLoopDetails)
	if err != nil {
		return types.LoopDetails{}, err
	}
	if len(out) != 4 {
		return types.LoopDetails{}, readError(methodLoopDetails, ErrDecode)
	}
	token, ok := out[0].(common.Address)
	if !ok {
		return types.LoopDetails{}, readError(methodLoopDetails, ErrDecode)
	}
	values, err := uint64s(methodLoopDetails, out[1:]...)
	if err != nil {
		return types.LoopDetails{}, err
	}
	return types.LoopDetails{
		Token:            token,
		PeriodLength:     values[0],
		PercentPerPeriod: values[1],
		FirstPeriodStart: values[2],
	}, nil
}

// CurrentPeriod reads getCurrentPeriod.
func (r *Reader) CurrentPeriod(ctx context.Context, loop common.Address) (uint64, error) {
	out, err := r.call(ctx, loop, methodCurrentPeriod)
	if err != nil {
		return 0, err
	}
	values, err := uint64s(methodCurrentPeriod, out...)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, readError(methodCurrentPeriod, ErrDecode)
	}
	return values[0], nil
}

// CurrentPeriodData reads getCurrentPeriodData.
func (r *Reader) CurrentPeriodData(ctx context.Context, loop common.Address) (types.PeriodData, error) {
	out, err := r.call(ctx, loop, methodCurrentPeriodData)
	if err != nil {
		return types.PeriodData{}, err
	}
	values, err := bigs(methodCurrentPeriodData, out...)
	if err != nil {
		return types.PeriodData{}, err
	}
	if len(values) != 2 {
		return types.PeriodData{}, readError(methodCurrentPeriodData, ErrDecode)
	}
	return types.PeriodData{Registrations: values[0], MaxPayout: values[1]}, nil
}

// ClaimerStatus reads getClaimerStatus for claimer.
func (r *Reader) ClaimerStatus(ctx context.Context, loop, claimer common.Address) (types.ClaimerState, error) {
	out, err := r.call(ctx, loop, methodClaimerStatus, claimer)
	if err != nil {
		return types.ClaimerState{}, err
	}
	values, err := uint64s(methodClaimerStatus, out...)
	if err != nil {
		return types.ClaimerState{}, err
	}
	if len(values) != 2 {
		return types.ClaimerState{}, readError(methodClaimerStatus, ErrDecode)
	}
	return types.ClaimerState{RegisteredForPeriod: values[0], LastClaimPeriod: values[1]}, nil
}

// PeriodIndividualPayout reads the per-claimer payout of period.
func (r *Reader) PeriodIndividualPayout(ctx context.Context, loop common.Address, period uint64) (*big.Int, error) {
	out, err := r.call(ctx, loop, methodIndividualPayout, new(big.Int).SetUint64(period))
	if err != nil {
		return nil, err
	}
	values, err := bigs(methodIndividualPayout, out...)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, readError(methodIndividualPayout, ErrDecode)
	}
	return values[0], nil
}

func (r *Reader) call(ctx context.Context, loop common.Address, method string, args ...interface{}) ([]interface{}, error) {
	if r == nil || r.backend == nil {
		return nil, looperrors.Configuration("evm client not configured")
	}
	if err := r.ensureCode(ctx, loop); err != nil {
		return nil, err
	}
	input, err := LoopABI.Pack(method, args...)
	if err != nil {
		return nil, readError(method, err)
	}
	output, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &loop, Data: input}, nil)
	if err != nil {
		return nil, readError(method, err)
	}
	values, err := LoopABI.Unpack(method, output)
	if err != nil {
		return nil, readError(method, fmt.Errorf("%w: %v", ErrDecode, err))
	}
	return values, nil
}

// ensureCode checks once per address that a contract is deployed there.
// A missing contract otherwise surfaces as empty return data.
func (r *Reader) ensureCode(ctx context.Context, loop common.Address) error {
	r.mu.RLock()
	_, ok := r.verified[loop]
	r.mu.RUnlock()
	if ok {
		return nil
	}
	code, err := r.backend.CodeAt(ctx, loop, nil)
	if err != nil {
		return readError("code", err)
	}
	if len(code) == 0 {
		return readError("code", fmt.Errorf("%w: %s", ErrNoCode, loop.Hex()))
	}
	r.mu.Lock()
	r.verified[loop] = struct{}{}
	r.mu.Unlock()
	return nil
}

func readError(method string, err error) error {
	return looperrors.ContractRead("contract read failed", fmt.Errorf("%s: %w", method, err))
}

func bigs(method string, values ...interface{}) ([]*big.Int, error) {
	out := make([]*big.Int, 0, len(values))
	for _, v := range values {
		b, ok := v.(*big.Int)
		if !ok || b == nil {
			return nil, readError(method, ErrDecode)
		}
		out = append(out, b)
	}
	return out, nil
}

func uint64s(method string, values ...interface{}) ([]uint64, error) {
	raw, err := bigs(method, values...)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(raw))
	for _, b := range raw {
		v, overflow := uint256.FromBig(b)
		if overflow || !v.IsUint64() {
			return nil, readError(method, ErrOverflow)
		}
		out = append(out, v.Uint64())
	}
	return out, nil
}
