package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"loop/core/types"
	"loop/storage/journal"
)

func newJournalCommand(a *app) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show submissions recorded by claim and watch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := journal.Open(path, &bolt.Options{Timeout: time.Second, ReadOnly: true})
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no submissions recorded")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%-9s chain=%d loop=%s subject=%s target=%d tx=%s\n",
					e.Status, e.ChainID, types.LowerHex(e.Loop), types.LowerHex(e.Subject), e.TargetPeriod, e.TxHash.Hex())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "journal", "loopctl-journal.db", "Submission journal (bbolt) path")
	return cmd
}
