package main

import (
	"fmt"
	"math/big"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"loop/core/claimstate"
	"loop/core/period"
	"loop/core/types"
)

func newStatusCommand(a *app) *cobra.Command {
	var (
		address string
		keys    keyFlags
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the loop period and a claimer's state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			subject, err := a.subjectFor(address, keys)
			if err != nil {
				return err
			}
			ctx, cancel := a.commandContext(cmd)
			defer cancel()
			sess, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			var (
				snap   period.Snapshot
				status types.ClaimerState
				data   types.PeriodData
			)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				var err error
				snap, err = sess.clock.Snapshot(gctx, a.chainID, sess.loop)
				return err
			})
			g.Go(func() error {
				var err error
				status, err = sess.chains.ClaimerStatus(gctx, a.chainID, sess.loop, subject)
				return err
			})
			g.Go(func() error {
				var err error
				data, err = sess.chains.PeriodData(gctx, a.chainID, sess.loop)
				return err
			})
			if err := g.Wait(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "loop:               %s (chain %d)\n", types.LowerHex(sess.loop), a.chainID)
			fmt.Fprintf(out, "token:              %s\n", types.LowerHex(snap.Details.Token))
			fmt.Fprintf(out, "period length:      %s\n", time.Duration(snap.Details.PeriodLength)*time.Second)
			fmt.Fprintf(out, "current period:     %d\n", snap.CurrentPeriod)
			fmt.Fprintf(out, "next period start:  %s\n", snap.NextPeriodStart.UTC().Format(time.RFC3339))
			if snap.Drift() {
				fmt.Fprintf(out, "estimated period:   %d (differs from contract)\n", snap.EstimatedPeriod)
			}
			fmt.Fprintf(out, "registrations:      %s\n", bigOrZero(data.Registrations))
			fmt.Fprintf(out, "max payout:         %s\n", bigOrZero(data.MaxPayout))
			fmt.Fprintf(out, "claimer:            %s\n", types.LowerHex(subject))
			fmt.Fprintf(out, "registered period:  %d\n", status.RegisteredForPeriod)
			fmt.Fprintf(out, "last claim period:  %d\n", status.LastClaimPeriod)
			fmt.Fprintf(out, "state:              %s\n", claimstate.Derive(status, snap.CurrentPeriod))
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Claimer address (defaults to the key's address)")
	keys.register(cmd)
	return cmd
}

func bigOrZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
