package loopcontract

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// fakeChain answers view calls by ABI-encoding canned values.
type fakeChain struct {
	mu sync.Mutex

	code     map[common.Address][]byte
	outputs  map[string][]interface{}
	callErr  error
	calls    map[string]int
	lastArgs map[string][]interface{}

	head uint64
	logs []gethtypes.Log
	q    ethereum.FilterQuery

	estimateErr error
	sent        []*gethtypes.Transaction
	status      uint64
	pending     int
}

func newFakeChain(loop common.Address) *fakeChain {
	return &fakeChain{
		code:     map[common.Address][]byte{loop: {0x60, 0x80}},
		outputs:  make(map[string][]interface{}),
		calls:    make(map[string]int),
		lastArgs: make(map[string][]interface{}),
		status:   gethtypes.ReceiptStatusSuccessful,
	}
}

func (f *fakeChain) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["code"]++
	return f.code[account], nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, err := LoopABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	f.calls[method.Name]++
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	f.lastArgs[method.Name] = args
	values, ok := f.outputs[method.Name]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return method.Outputs.Pack(values...)
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.q = q
	return f.logs, nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: big.NewInt(100), BaseFee: big.NewInt(3e9)}, nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending > 0 {
		f.pending--
		return nil, ethereum.NotFound
	}
	return &gethtypes.Receipt{TxHash: hash, Status: f.status, BlockNumber: big.NewInt(101)}, nil
}
