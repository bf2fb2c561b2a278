package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"loop/cmd/internal/passphrase"
	"loop/core/period"
	"loop/core/types"
	"loop/crypto"
	"loop/integrations/loopcontract"
	"loop/observability/logging"
	"loop/services/eligibilityd"
)

// backend is the RPC surface loopctl needs; *ethclient.Client satisfies it.
type backend interface {
	loopcontract.LogBackend
	loopcontract.TxBackend
}

type app struct {
	rpcURL   string
	chainID  uint64
	loopHex  string
	lookback uint64
	logLevel string
	timeout  time.Duration

	out    io.Writer
	errOut io.Writer
	logger *slog.Logger

	dial   func(ctx context.Context, endpoint string) (backend, error)
	prompt func(envVar, label string) (string, error)
}

func newApp() *app {
	return &app{
		out:    os.Stdout,
		errOut: os.Stderr,
		dial: func(_ context.Context, endpoint string) (backend, error) {
			client, err := loopcontract.Dial(endpoint)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		prompt: func(envVar, label string) (string, error) {
			return passphrase.NewSource(envVar, label).Get()
		},
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "loopctl",
		Short:         "Operate Loop distribution claims",
		Long:          "loopctl inspects loop periods and claimer state, and submits claimAndRegister with attestations from eligibilityd.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.logger = logging.Setup("loopctl", os.Getenv("LOOP_ENV"), logging.Options{Level: a.logLevel, Output: a.errOut})
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&a.rpcURL, "rpc-url", envOr("LOOP_RPC_URL", "http://localhost:8545"), "Ethereum JSON-RPC endpoint")
	flags.Uint64Var(&a.chainID, "chain-id", 100, "Chain id of the loop contract")
	flags.StringVar(&a.loopHex, "loop", os.Getenv("LOOP_ADDRESS"), "Loop contract address")
	flags.Uint64Var(&a.lookback, "lookback", 0, "Blocks scanned for Register logs (0 = head/10)")
	flags.StringVar(&a.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flags.DurationVar(&a.timeout, "timeout", 30*time.Second, "Timeout for one-shot commands")

	root.AddCommand(
		newStatusCommand(a),
		newClaimCommand(a),
		newWatchCommand(a),
		newVerifyCommand(a),
		newRegistrationsCommand(a),
		newKeystoreCommand(a),
		newJournalCommand(a),
	)
	return root
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

// chainView joins the period clock with the claimer reads of the chain table.
type chainView struct {
	*period.Clock
	*eligibilityd.Chains
}

type session struct {
	backend backend
	chains  *eligibilityd.Chains
	clock   *period.Clock
	view    chainView
	loop    common.Address
}

func (a *app) loopAddress() (common.Address, error) {
	if strings.TrimSpace(a.loopHex) == "" {
		return common.Address{}, fmt.Errorf("--loop is required")
	}
	return types.ParseAddress(a.loopHex)
}

func (a *app) connect(ctx context.Context) (*session, error) {
	loop, err := a.loopAddress()
	if err != nil {
		return nil, err
	}
	if a.chainID == 0 {
		return nil, fmt.Errorf("--chain-id must be non-zero")
	}
	client, err := a.dial(ctx, a.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.rpcURL, err)
	}
	chains := eligibilityd.NewChains([]eligibilityd.ChainConfig{{
		ID:                   a.chainID,
		RPCURL:               a.rpcURL,
		RegistrationLookback: a.lookback,
	}}, func(string) (loopcontract.LogBackend, error) { return client, nil })
	clock := period.NewClock(chains, period.WithClockLogger(a.logger))
	return &session{
		backend: client,
		chains:  chains,
		clock:   clock,
		view:    chainView{Clock: clock, Chains: chains},
		loop:    loop,
	}, nil
}

func (s *session) Close() {
	s.chains.Close()
}

// keyFlags selects the transaction key for commands that submit.
type keyFlags struct {
	keyEnv        string
	keystore      string
	passphraseEnv string
}

func (k *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&k.keyEnv, "key-env", "", "Environment variable holding the hex private key")
	cmd.Flags().StringVar(&k.keystore, "keystore", "", "Encrypted keystore file holding the private key")
	cmd.Flags().StringVar(&k.passphraseEnv, "passphrase-env", "LOOP_KEYSTORE_PASSPHRASE", "Environment variable holding the keystore passphrase")
}

func (k *keyFlags) configured() bool {
	return strings.TrimSpace(k.keyEnv) != "" || strings.TrimSpace(k.keystore) != ""
}

func (a *app) loadKey(k keyFlags) (*crypto.PrivateKey, error) {
	if env := strings.TrimSpace(k.keyEnv); env != "" {
		raw := strings.TrimSpace(os.Getenv(env))
		if raw == "" {
			return nil, fmt.Errorf("%s is empty", env)
		}
		return crypto.PrivateKeyFromHex(raw)
	}
	if path := strings.TrimSpace(k.keystore); path != "" {
		pass, err := a.prompt(k.passphraseEnv, "keystore passphrase")
		if err != nil {
			return nil, err
		}
		return crypto.LoadFromKeystore(path, pass)
	}
	return nil, fmt.Errorf("either --key-env or --keystore is required")
}

// subjectFor resolves --address, falling back to the key's address.
func (a *app) subjectFor(address string, k keyFlags) (common.Address, error) {
	if strings.TrimSpace(address) != "" {
		return types.ParseAddress(address)
	}
	if k.configured() {
		key, err := a.loadKey(k)
		if err != nil {
			return common.Address{}, err
		}
		return key.PubKey().Address(), nil
	}
	return common.Address{}, fmt.Errorf("--address or a key flag is required")
}

func (a *app) commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}
