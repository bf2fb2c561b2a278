package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"loop/core/claimstate"
	"loop/core/period"
	"loop/core/types"
	"loop/integrations/webhooks"
)

func newWatchCommand(a *app) *cobra.Command {
	var (
		flags         submitFlags
		autoClaim     bool
		metricsListen string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the claimer state across period boundaries",
		Long:  "watch refreshes the claimer state at every period boundary. With --auto-claim it submits claimAndRegister whenever a submission is possible.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			sess, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			if addr := strings.TrimSpace(metricsListen); addr != "" {
				_, shutdown, err := startMetrics(addr, a.logger)
				if err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdown(sctx)
				}()
			}

			trigger := make(chan struct{}, 1)
			var c *claimer
			onTransition := func(t claimstate.Transition) {
				fmt.Fprintf(cmd.OutOrStdout(), "period %d: %s -> %s\n", t.To.Period, t.From.State, t.To.State)
				if c != nil && c.webhooks != nil {
					payload := webhooks.TransitionPayload{
						ChainID:    a.chainID,
						Loop:       types.LowerHex(sess.loop),
						Subject:    types.LowerHex(c.key.PubKey().Address()),
						From:       t.From.State.String(),
						To:         t.To.State.String(),
						Period:     t.To.Period,
						ObservedAt: t.To.ObservedAt,
					}
					if (t.TxHash != common.Hash{}) {
						payload.TxHash = t.TxHash.Hex()
					}
					_ = c.webhooks.EnqueueTransition(payload)
				}
				if autoClaim && t.To.State.CanSubmit() {
					select {
					case trigger <- struct{}{}:
					default:
					}
				}
			}
			c, err = a.newClaimer(sess, flags, claimstate.OnTransition(onTransition))
			if err != nil {
				return err
			}
			defer c.Close()

			if autoClaim {
				announce := func(r claimstate.Result) { c.announce(a.chainID, r) }
				// Deferred after c.Close so the worker stops before the journal closes.
				defer a.startAutoClaim(ctx, c.machine.Advance, announce, trigger)()
				if status, err := c.machine.Refresh(ctx); err == nil && status.State.CanSubmit() {
					select {
					case trigger <- struct{}{}:
					default:
					}
				}
			}
			err = c.machine.Watch(ctx, period.NewScheduler(a.logger))
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&autoClaim, "auto-claim", false, "Submit claimAndRegister whenever the state allows it")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	return cmd
}

// startAutoClaim runs the claim worker until the returned stop function is
// called. stop waits for an in-flight submission to return.
func (a *app) startAutoClaim(ctx context.Context, advance func(context.Context) (claimstate.Result, error), announce func(claimstate.Result), trigger <-chan struct{}) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.autoClaim(ctx, advance, announce, trigger)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (a *app) autoClaim(ctx context.Context, advance func(context.Context) (claimstate.Result, error), announce func(claimstate.Result), trigger <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			result, err := advance(ctx)
			if err != nil {
				a.logger.WarnContext(ctx, "automatic claim failed", slog.Any("error", err))
				continue
			}
			announce(result)
			a.logger.InfoContext(ctx, "automatic claim confirmed",
				slog.String("tx", result.TxHash.Hex()),
				slog.Uint64("targetPeriod", result.Attestation.TargetPeriod),
			)
		}
	}
}
