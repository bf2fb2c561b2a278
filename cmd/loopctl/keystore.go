package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"loop/crypto"
)

func newKeystoreCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keystore",
		Short: "Manage encrypted signing keys",
	}
	cmd.AddCommand(newKeystoreImportCommand(a), newKeystoreNewCommand(a))
	return cmd
}

func newKeystoreImportCommand(a *app) *cobra.Command {
	var (
		keyEnv        string
		out           string
		passphraseEnv string
		light         bool
		force         bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Encrypt a hex private key from the environment into a keystore file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw := strings.TrimSpace(os.Getenv(keyEnv))
			if raw == "" {
				return fmt.Errorf("%s is empty", keyEnv)
			}
			key, err := crypto.PrivateKeyFromHex(raw)
			if err != nil {
				return err
			}
			return a.writeKeystore(cmd, key, out, passphraseEnv, light, force)
		},
	}
	cmd.Flags().StringVar(&keyEnv, "key-env", "LOOP_SIGNER_KEY", "Environment variable holding the hex private key")
	cmd.Flags().StringVar(&out, "out", "", "Keystore output path")
	cmd.Flags().StringVar(&passphraseEnv, "passphrase-env", "LOOP_KEYSTORE_PASSPHRASE", "Environment variable holding the keystore passphrase")
	cmd.Flags().BoolVar(&light, "light", false, "Use light scrypt parameters (development only)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing keystore file")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newKeystoreNewCommand(a *app) *cobra.Command {
	var (
		out           string
		passphraseEnv string
		light         bool
		force         bool
	)
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a fresh key into a keystore file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := crypto.GeneratePrivateKey()
			if err != nil {
				return err
			}
			return a.writeKeystore(cmd, key, out, passphraseEnv, light, force)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Keystore output path")
	cmd.Flags().StringVar(&passphraseEnv, "passphrase-env", "LOOP_KEYSTORE_PASSPHRASE", "Environment variable holding the keystore passphrase")
	cmd.Flags().BoolVar(&light, "light", false, "Use light scrypt parameters (development only)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing keystore file")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func (a *app) writeKeystore(cmd *cobra.Command, key *crypto.PrivateKey, out, passphraseEnv string, light, force bool) error {
	if _, err := os.Stat(out); err == nil && !force {
		return fmt.Errorf("keystore %s already exists (use --force to overwrite)", out)
	}
	pass, err := a.prompt(passphraseEnv, "new keystore passphrase")
	if err != nil {
		return err
	}
	params := crypto.StandardScrypt
	if light {
		params = crypto.LightScrypt
	}
	if err := crypto.SaveToKeystoreWithParams(out, key, pass, params); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nkeystore: %s\n", key.PubKey().Address().Hex(), out)
	return nil
}
