package eligibilityd

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	looperrors "loop/core/errors"
	"loop/core/period"
	"loop/core/types"
	"loop/integrations/loopcontract"
)

// DialFunc opens an RPC backend for a chain endpoint.
type DialFunc func(endpoint string) (loopcontract.LogBackend, error)

// DialEthereum dials endpoint with go-ethereum's ethclient.
func DialEthereum(endpoint string) (loopcontract.LogBackend, error) {
	client, err := loopcontract.Dial(endpoint)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type chainEntry struct {
	cfg     ChainConfig
	backend loopcontract.LogBackend
	reader  *loopcontract.Reader
	regs    *loopcontract.Registrations
}

// Chains is the chain lookup table. RPC backends are dialled lazily on first
// use and reused afterwards.
type Chains struct {
	dial DialFunc

	mu      sync.Mutex
	entries map[uint64]*chainEntry
}

// NewChains builds the table from configuration.
func NewChains(chains []ChainConfig, dial DialFunc) *Chains {
	if dial == nil {
		dial = DialEthereum
	}
	entries := make(map[uint64]*chainEntry, len(chains))
	for _, chain := range chains {
		chain.Group = strings.ToLower(strings.TrimSpace(chain.Group))
		entries[chain.ID] = &chainEntry{cfg: chain}
	}
	return &Chains{dial: dial, entries: entries}
}

// Len reports the number of configured chains.
func (c *Chains) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MembershipGroup returns the per-chain group override.
func (c *Chains) MembershipGroup(chainID uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[chainID]
	if !ok {
		return "", false
	}
	return entry.cfg.Group, true
}

// SubgraphEndpoints returns the per-chain membership endpoints.
func (c *Chains) SubgraphEndpoints() map[uint64]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	endpoints := make(map[uint64]string)
	for id, entry := range c.entries {
		if url := strings.TrimSpace(entry.cfg.SubgraphURL); url != "" {
			endpoints[id] = url
		}
	}
	return endpoints
}

func (c *Chains) entry(chainID uint64) (*chainEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[chainID]
	if !ok {
		return nil, looperrors.Validation(fmt.Sprintf("unsupported chain %d", chainID))
	}
	if entry.backend == nil {
		backend, err := c.dial(entry.cfg.RPCURL)
		if err != nil {
			return nil, looperrors.ContractRead("chain rpc unavailable", err)
		}
		entry.backend = backend
		entry.reader = loopcontract.NewReader(backend)
		entry.regs = loopcontract.NewRegistrations(backend, entry.cfg.RegistrationLookback)
	}
	return entry, nil
}

// LoopReader satisfies period.ReaderSource.
func (c *Chains) LoopReader(chainID uint64) (period.LoopReader, error) {
	entry, err := c.entry(chainID)
	if err != nil {
		return nil, err
	}
	return entry.reader, nil
}

// ClaimerStatus reads getClaimerStatus for claimer on chainID.
func (c *Chains) ClaimerStatus(ctx context.Context, chainID uint64, loop, claimer common.Address) (types.ClaimerState, error) {
	entry, err := c.entry(chainID)
	if err != nil {
		return types.ClaimerState{}, err
	}
	return entry.reader.ClaimerStatus(ctx, loop, claimer)
}

// PeriodData reads getCurrentPeriodData.
func (c *Chains) PeriodData(ctx context.Context, chainID uint64, loop common.Address) (types.PeriodData, error) {
	entry, err := c.entry(chainID)
	if err != nil {
		return types.PeriodData{}, err
	}
	return entry.reader.CurrentPeriodData(ctx, loop)
}

// IndividualPayout reads getPeriodIndividualPayout for period.
func (c *Chains) IndividualPayout(ctx context.Context, chainID uint64, loop common.Address, period uint64) (*big.Int, error) {
	entry, err := c.entry(chainID)
	if err != nil {
		return nil, err
	}
	return entry.reader.PeriodIndividualPayout(ctx, loop, period)
}

// RegisteredUsers lists the senders of Register events for period.
func (c *Chains) RegisteredUsers(ctx context.Context, chainID uint64, loop common.Address, period uint64) ([]common.Address, error) {
	entry, err := c.entry(chainID)
	if err != nil {
		return nil, err
	}
	return entry.regs.RegisteredUsers(ctx, loop, period)
}

// Close releases every dialled backend that supports closing.
func (c *Chains) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if closer, ok := entry.backend.(interface{ Close() }); ok {
			closer.Close()
		}
		entry.backend = nil
	}
}
