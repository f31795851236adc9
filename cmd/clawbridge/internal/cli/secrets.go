package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawbridge/clawbridge/internal/secrets"
)

func newSecretsCmd() *cobra.Command {
	var envPath string
	cmd := &cobra.Command{Use: "secrets", Short: "Manage channel tokens (.env file or OS keyring)"}
	cmd.PersistentFlags().StringVar(&envPath, "env-file", ".env", "path to the fallback .env file")
	cmd.AddCommand(newSecretsSetCmd(&envPath), newSecretsGetCmd(&envPath))
	return cmd
}

func newSecretsSetCmd(envPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Store a secret in the OS keyring, or the .env file as fallback",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := secrets.Set(*envPath, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored secret %q\n", args[0])
			return nil
		},
	}
}

func newSecretsGetCmd(envPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Resolve a secret from the OS keyring, or the .env file as fallback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := secrets.Get(*envPath, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}
