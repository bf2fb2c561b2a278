package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"loop/core/attestation"
	"loop/core/types"
)

func newVerifyCommand(a *app) *cobra.Command {
	var (
		subjectHex string
		signature  string
		signerHex  string
		scheme     string
		target     uint64
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that an attestation signature recovers to the expected signer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loop, err := a.loopAddress()
			if err != nil {
				return err
			}
			subject, err := types.ParseAddress(subjectHex)
			if err != nil {
				return fmt.Errorf("--subject: %w", err)
			}
			sig, err := hexutil.Decode(signature)
			if err != nil {
				return fmt.Errorf("--signature: %w", err)
			}
			parsedScheme, err := attestation.ParseScheme(scheme)
			if err != nil {
				return err
			}
			digest := attestation.Digest(subject, target, loop)
			recovered, err := attestation.Recover(digest, sig, parsedScheme)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "message:   %s\n", hexutil.Encode(attestation.PackMessage(subject, target, loop)))
			fmt.Fprintf(out, "digest:    %s\n", digest.Hex())
			fmt.Fprintf(out, "recovered: %s\n", recovered.Hex())
			if signerHex == "" {
				return nil
			}
			signer, err := types.ParseAddress(signerHex)
			if err != nil {
				return fmt.Errorf("--signer: %w", err)
			}
			if err := attestation.Verify(attestation.Attestation{
				Subject:      subject,
				Loop:         loop,
				TargetPeriod: target,
				Digest:       digest,
				Signature:    sig,
				Signer:       signer,
				Scheme:       parsedScheme,
			}); err != nil {
				return err
			}
			fmt.Fprintln(out, "signature valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&subjectHex, "subject", "", "Address the attestation was issued for")
	cmd.Flags().Uint64Var(&target, "period", 0, "Target period of the attestation")
	cmd.Flags().StringVar(&signature, "signature", "", "0x-prefixed 65-byte signature")
	cmd.Flags().StringVar(&signerHex, "signer", "", "Expected signer address")
	cmd.Flags().StringVar(&scheme, "scheme", "eip191", "Signature scheme (eip191 or raw)")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}
