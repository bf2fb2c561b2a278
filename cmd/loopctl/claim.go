package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"loop/core/claimstate"
	"loop/core/types"
	"loop/crypto"
	"loop/integrations/loopcontract"
	"loop/integrations/webhooks"
	"loop/services/eligibilityd"
	"loop/storage/journal"
)

// submitFlags configure everything Advance needs.
type submitFlags struct {
	keys          keyFlags
	eligibility   string
	journalPath   string
	trustedSigner string
	webhookURL    string
	webhookEnv    string
}

func (s *submitFlags) register(cmd *cobra.Command) {
	s.keys.register(cmd)
	cmd.Flags().StringVar(&s.eligibility, "eligibility-url", envOr("LOOP_ELIGIBILITY_URL", "http://localhost:8080"), "Base URL of eligibilityd")
	cmd.Flags().StringVar(&s.journalPath, "journal", "loopctl-journal.db", "Submission journal (bbolt) path")
	cmd.Flags().StringVar(&s.trustedSigner, "trusted-signer", "", "Reject attestations not signed by this address")
	cmd.Flags().StringVar(&s.webhookURL, "webhook-url", "", "POST claim events to this URL")
	cmd.Flags().StringVar(&s.webhookEnv, "webhook-secret-env", "LOOP_WEBHOOK_SECRET", "Environment variable holding the webhook HMAC secret")
}

type claimer struct {
	machine  *claimstate.Machine
	journal  *journal.Store
	webhooks *webhooks.Dispatcher
	key      *crypto.PrivateKey
}

func (c *claimer) Close() {
	c.webhooks.Close()
	_ = c.journal.Close()
}

func (a *app) newClaimer(sess *session, flags submitFlags, opts ...claimstate.Option) (*claimer, error) {
	key, err := a.loadKey(flags.keys)
	if err != nil {
		return nil, err
	}
	var trusted common.Address
	if strings.TrimSpace(flags.trustedSigner) != "" {
		if trusted, err = types.ParseAddress(flags.trustedSigner); err != nil {
			return nil, fmt.Errorf("--trusted-signer: %w", err)
		}
	}
	tx, err := loopcontract.NewTransactor(sess.backend, key, a.chainID)
	if err != nil {
		return nil, err
	}
	store, err := journal.Open(flags.journalPath, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	c := &claimer{journal: store, key: key}
	if url := strings.TrimSpace(flags.webhookURL); url != "" {
		d, err := webhooks.NewDispatcher(url, []byte(os.Getenv(flags.webhookEnv)), webhooks.WithLogger(a.logger))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		c.webhooks = d
	}
	opts = append([]claimstate.Option{claimstate.WithLogger(a.logger)}, opts...)
	machine, err := claimstate.New(claimstate.Config{
		ChainID:       a.chainID,
		Loop:          sess.loop,
		Subject:       key.PubKey().Address(),
		TrustedSigner: trusted,
	}, sess.view, eligibilityd.NewClient(flags.eligibility, a.timeout), tx, store, opts...)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.machine = machine
	return c, nil
}

func (c *claimer) announce(chainID uint64, result claimstate.Result) {
	if c.webhooks == nil {
		return
	}
	_ = c.webhooks.EnqueueSubmitted(webhooks.SubmittedPayload{
		ChainID:      chainID,
		Loop:         types.LowerHex(result.Attestation.Loop),
		Subject:      types.LowerHex(result.Attestation.Subject),
		TargetPeriod: result.Attestation.TargetPeriod,
		TxHash:       result.TxHash.Hex(),
	})
}

func newClaimCommand(a *app) *cobra.Command {
	var flags submitFlags
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Register for the next period, claiming the current one when eligible",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			sess, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()
			c, err := a.newClaimer(sess, flags)
			if err != nil {
				return err
			}
			defer c.Close()

			result, err := c.machine.Advance(ctx)
			if err != nil {
				return err
			}
			c.announce(a.chainID, result)
			a.logger.Info("claimAndRegister confirmed", slog.String("tx", result.TxHash.Hex()))
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tx:            %s\n", result.TxHash.Hex())
			fmt.Fprintf(out, "target period: %d\n", result.Attestation.TargetPeriod)
			fmt.Fprintf(out, "state:         %s -> %s\n", result.From, result.To)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
