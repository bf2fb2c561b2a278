package loopcontract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	looperrors "loop/core/errors"
	"loop/core/types"
	"loop/crypto"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultReceiptTimeout = 2 * time.Minute
	gasMarginPercent      = 20
)

// TxBackend is the subset of the Ethereum RPC used to submit transactions.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Transactor submits claimAndRegister transactions from one account.
type Transactor struct {
	backend        TxBackend
	key            *crypto.PrivateKey
	chainID        *big.Int
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

// NewTransactor constructs a transactor for chainID.
func NewTransactor(backend TxBackend, key *crypto.PrivateKey, chainID uint64) (*Transactor, error) {
	if backend == nil {
		return nil, fmt.Errorf("evm client required")
	}
	if key == nil || key.PrivateKey == nil {
		return nil, fmt.Errorf("transaction key required")
	}
	if chainID == 0 {
		return nil, fmt.Errorf("chain id required")
	}
	return &Transactor{
		backend:        backend,
		key:            key,
		chainID:        new(big.Int).SetUint64(chainID),
		PollInterval:   defaultPollInterval,
		ReceiptTimeout: defaultReceiptTimeout,
	}, nil
}

// From returns the sending account.
func (t *Transactor) From() common.Address {
	return t.key.PubKey().Address()
}

// ClaimAndRegister sends claimAndRegister(signature) to loop and waits for
// the receipt. A reverted or unconfirmed transaction is reported as a
// contract write failure; nothing is retried.
func (t *Transactor) ClaimAndRegister(ctx context.Context, loop common.Address, signature []byte) (common.Hash, error) {
	data, err := LoopABI.Pack(methodClaimAndRegister, signature)
	if err != nil {
		return common.Hash{}, looperrors.ContractWrite("encode claimAndRegister", err)
	}
	tx, err := t.build(ctx, loop, data)
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(t.chainID), t.key.PrivateKey)
	if err != nil {
		return common.Hash{}, looperrors.ContractWrite("sign transaction", err)
	}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, looperrors.ContractWrite("send transaction", err)
	}
	receipt, err := t.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return signed.Hash(), err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return signed.Hash(), looperrors.ContractWrite("transaction reverted", fmt.Errorf("%w: %s", types.ErrTransactionReverted, signed.Hash().Hex()))
	}
	return signed.Hash(), nil
}

func (t *Transactor) build(ctx context.Context, loop common.Address, data []byte) (*gethtypes.Transaction, error) {
	from := t.From()
	nonce, err := t.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, looperrors.ContractWrite("fetch nonce", err)
	}
	tip, err := t.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, looperrors.ContractWrite("suggest gas tip", err)
	}
	head, err := t.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, looperrors.ContractWrite("fetch head", err)
	}
	if head == nil {
		return nil, looperrors.ContractWrite("fetch head", fmt.Errorf("block metadata unavailable"))
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := t.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &loop, Data: data})
	if err != nil {
		return nil, looperrors.ContractWrite("claimAndRegister would revert", err)
	}
	gas += gas * gasMarginPercent / 100
	return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &loop,
		Data:      data,
	}), nil
}

func (t *Transactor) waitReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	timeout := t.ReceiptTimeout
	if timeout <= 0 {
		timeout = defaultReceiptTimeout
	}
	interval := t.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, looperrors.ContractWrite("fetch receipt", err)
		}
		select {
		case <-ctx.Done():
			return nil, looperrors.ContractWrite("receipt not available", fmt.Errorf("transaction %s: %w", hash.Hex(), ctx.Err()))
		case <-ticker.C:
		}
	}
}
