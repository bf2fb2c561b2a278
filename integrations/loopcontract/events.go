package loopcontract

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	looperrors "loop/core/errors"
)

// RegisterTopic is the topic0 of Register(address,uint256).
var RegisterTopic = LoopABI.Events[eventRegister].ID

// Registrations lists Register events on one chain.
type Registrations struct {
	backend LogBackend
	// Lookback bounds the scan; zero scans the most recent tenth of the chain.
	Lookback uint64
}

// NewRegistrations binds an event scanner to backend.
func NewRegistrations(backend LogBackend, lookback uint64) *Registrations {
	return &Registrations{backend: backend, Lookback: lookback}
}

// RegisteredUsers returns the distinct senders that registered for period,
// in log order.
func (r *Registrations) RegisteredUsers(ctx context.Context, loop common.Address, period uint64) ([]common.Address, error) {
	if r == nil || r.backend == nil {
		return nil, looperrors.Configuration("evm client not configured")
	}
	head, err := r.backend.BlockNumber(ctx)
	if err != nil {
		return nil, readError("blockNumber", err)
	}
	lookback := r.Lookback
	if lookback == 0 {
		lookback = head / 10
	}
	var from uint64
	if head > lookback {
		from = head - lookback
	}
	periodTopic := common.Hash(uint256.NewInt(period).Bytes32())
	logs, err := r.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{loop},
		Topics:    [][]common.Hash{{RegisterTopic}, nil, {periodTopic}},
	})
	if err != nil {
		return nil, readError("filterLogs", err)
	}
	seen := make(map[common.Address]struct{}, len(logs))
	out := make([]common.Address, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 3 || lg.Topics[0] != RegisterTopic {
			continue
		}
		if lg.Topics[2] != periodTopic {
			continue
		}
		sender := common.BytesToAddress(lg.Topics[1].Bytes())
		if _, dup := seen[sender]; dup {
			continue
		}
		seen[sender] = struct{}{}
		out = append(out, sender)
	}
	return out, nil
}
