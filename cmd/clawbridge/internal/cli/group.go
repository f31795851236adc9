package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawbridge/clawbridge/internal/config"
	"github.com/clawbridge/clawbridge/internal/store"
)

func newGroupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "Manage registered groups"}
	cmd.AddCommand(newGroupAddCmd(), newGroupListCmd())
	return cmd
}

func newGroupAddCmd() *cobra.Command {
	var configPath string
	var requireTrigger bool
	cmd := &cobra.Command{
		Use:   "add <chat-jid> <folder>",
		Short: "Register a chat JID to a workspace folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := store.ValidateFolder(cfg.WorkspaceDir, args[1]); err != nil {
				return fmt.Errorf("invalid group folder: %w", err)
			}
			db, err := store.Open(cfg.StoreDB)
			if err != nil {
				return err
			}
			defer db.Close()

			return db.RegisterGroup(cmd.Context(), store.RegisteredGroup{
				ChatJID:        args[0],
				Folder:         args[1],
				RequireTrigger: requireTrigger,
				CreatedAt:      time.Now().UnixMilli(),
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "clawbridge.yaml", "path to the config file")
	cmd.Flags().BoolVar(&requireTrigger, "require-trigger", false, "only process messages matching TRIGGER_PATTERN")
	return cmd
}

func newGroupListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.StoreDB)
			if err != nil {
				return err
			}
			defer db.Close()

			groups, err := db.ListGroups(cmd.Context())
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (require_trigger=%t)\n", g.ChatJID, g.Folder, g.RequireTrigger)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "clawbridge.yaml", "path to the config file")
	return cmd
}
