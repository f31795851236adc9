package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawbridge/clawbridge/internal/channels/whatsapp"
	"github.com/clawbridge/clawbridge/internal/config"
)

func newOnboardCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config and workspace layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
				return fmt.Errorf("create workspace dir: %w", err)
			}
			if err := config.Save(configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and workspace %s\n", configPath, cfg.WorkspaceDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "clawbridge.yaml", "path to write the config file")
	cmd.AddCommand(newOnboardWhatsAppCmd())
	return cmd
}

func newOnboardWhatsAppCmd() *cobra.Command {
	var sessionDB string
	cmd := &cobra.Command{
		Use:   "whatsapp",
		Short: "Pair a WhatsApp device by scanning a QR code",
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := whatsapp.New(context.Background(), whatsapp.Config{SessionDBPath: sessionDB})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "scan whatsapp-pairing-qr.png with your phone once it appears")
			return ch.Start(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&sessionDB, "session-db", "./workspace/whatsapp.db", "path to the whatsapp session database")
	return cmd
}
