package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alecgard/okrai/internal/auth"
	"github.com/alecgard/okrai/internal/config"
	"github.com/alecgard/okrai/internal/crypto"
)

var (
	keyPrincipal string
	keyTenant    string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate API keys and encryption material",
}

var keygenAPICmd = &cobra.Command{
	Use:   "api",
	Short: "Generate a principal API key and print its auth.keys entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyPrincipal == "" {
			return errors.New("--principal is required")
		}
		key, plaintext, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# API key for %s (shown once): %s\n", keyPrincipal, plaintext)
		fmt.Fprintln(out, "auth:")
		fmt.Fprintln(out, "  keys:")
		fmt.Fprintf(out, "    - principal: %q\n", keyPrincipal)
		if keyTenant != "" {
			fmt.Fprintf(out, "      tenant: %q\n", keyTenant)
		}
		fmt.Fprintf(out, "      prefix: %q\n", key.Prefix)
		fmt.Fprintf(out, "      hash: %q\n", key.Hash)
		return nil
	},
}

var keygenEncryptionCmd = &cobra.Command{
	Use:   "encryption",
	Short: "Generate an encryption key for sealing provider credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var keygenSealCmd = &cobra.Command{
	Use:   "seal <provider-api-key>",
	Short: "Seal a provider API key with the configured encryption key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cfg.Encryption.Key == "" {
			return errors.New("encryption.key is not set (use OKRAI_ENCRYPTION_KEY)")
		}
		cipher, err := crypto.NewCipher(cfg.Encryption.Key)
		if err != nil {
			return err
		}
		sealed, err := cipher.Seal(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func init() {
	keygenAPICmd.Flags().StringVar(&keyPrincipal, "principal", "", "principal ID the key authenticates")
	keygenAPICmd.Flags().StringVar(&keyTenant, "tenant", "", "tenant the principal belongs to")
	keygenCmd.AddCommand(keygenAPICmd, keygenEncryptionCmd, keygenSealCmd)
	rootCmd.AddCommand(keygenCmd)
}
