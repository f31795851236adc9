package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clawbridge/clawbridge/internal/agentrunner"
	"github.com/clawbridge/clawbridge/internal/channels"
	"github.com/clawbridge/clawbridge/internal/channels/discord"
	"github.com/clawbridge/clawbridge/internal/channels/telegram"
	"github.com/clawbridge/clawbridge/internal/channels/whatsapp"
	"github.com/clawbridge/clawbridge/internal/commands"
	"github.com/clawbridge/clawbridge/internal/config"
	"github.com/clawbridge/clawbridge/internal/ipcwatch"
	"github.com/clawbridge/clawbridge/internal/lock"
	"github.com/clawbridge/clawbridge/internal/queue"
	"github.com/clawbridge/clawbridge/internal/router"
	"github.com/clawbridge/clawbridge/internal/scheduler"
	"github.com/clawbridge/clawbridge/internal/secrets"
	"github.com/clawbridge/clawbridge/internal/store"
)

func newGatewayCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the chat bridge: channel adapters, router, and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "clawbridge.yaml", "path to the config file")
	return cmd
}

func runGateway(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lockPath := filepath.Join("store", "clawbridge.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	singleton, err := lock.Acquire(lockPath)
	if err != nil {
		return err
	}
	defer singleton.Release()

	db, err := store.Open(cfg.StoreDB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	runner, err := agentrunner.New(agentrunner.Config{
		Image:         cfg.AgentImage,
		WorkspaceDir:  cfg.WorkspaceDir,
		IdleTimeout:   cfg.IdleTimeout,
		AssistantName: cfg.AssistantName,
	})
	if err != nil {
		return fmt.Errorf("create agent runner: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chMgr := channels.NewManager()
	q := queue.New()
	cmdRegistry := commands.NewRegistry(db, cfg.WorkspaceDir)
	rtr := router.New(router.Config{
		PollInterval:    cfg.PollInterval,
		TriggerPattern:  cfg.TriggerPattern,
		WorkspaceDir:    cfg.WorkspaceDir,
		MainGroupFolder: cfg.MainGroupFolder,
		AssistantName:   cfg.AssistantName,
	}, db, q, runner, chMgr, cmdRegistry)

	onInbound := func(msg channels.InboundMessage) { rtr.HandleInbound(runCtx, msg) }
	if err := registerChannels(cfg, chMgr, onInbound); err != nil {
		return err
	}

	if err := chMgr.StartAll(runCtx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	defer chMgr.DisconnectAll(context.Background())

	sched := scheduler.New(db, cfg.PollInterval, q.EnqueueSyntheticPrompt)

	ipc, dirToJID, err := setupIPCWatch(runCtx, cfg, db, cmdRegistry, chMgr)
	if err != nil {
		return fmt.Errorf("set up ipc watch: %w", err)
	}

	errCh := make(chan error, 3)
	go func() { errCh <- rtr.Run(runCtx) }()
	go func() { errCh <- sched.Run(runCtx) }()
	if ipc != nil {
		go func() { errCh <- ipc.Run(runCtx, func(dir string) string { return dirToJID[dir] }) }()
	}

	slog.Info("clawbridge gateway started", "component", "cli")

	select {
	case <-runCtx.Done():
		q.Shutdown(cfg.ShutdownGrace)
		return nil
	case err := <-errCh:
		q.Shutdown(cfg.ShutdownGrace)
		return err
	}
}

// resolveToken prefers an explicit YAML value; when blank it falls back to
// the OS keyring or the configured .env file via internal/secrets.
func resolveToken(cfg config.Config, explicit, secretName string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	token, err := secrets.Get(cfg.SecretsEnvFile, secretName)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", secretName, err)
	}
	return token, nil
}

// setupIPCWatch wires internal/ipcwatch to internal/commands: every
// registered group gets a drop directory under the workspace's ipc root,
// and a file created there is dispatched as a slash-command with any
// reply sent back out through chMgr. Returns a nil watcher when there are
// no registered groups yet, since fsnotify has nothing to watch and Run
// would just idle.
func setupIPCWatch(ctx context.Context, cfg config.Config, db *store.Store, cmdRegistry *commands.Registry, chMgr *channels.Manager) (*ipcwatch.Watcher, map[string]string, error) {
	groups, err := db.ListGroups(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list groups: %w", err)
	}
	if len(groups) == 0 {
		return nil, nil, nil
	}

	root := cfg.WorkspaceDir + "/.ipc"
	handler := func(ctx context.Context, chatJID, content string) {
		reply, ok, err := cmdRegistry.Dispatch(ctx, chatJID, content)
		if !ok {
			return
		}
		if err != nil {
			slog.Error("ipc command dispatch failed", "component", "cli", "chat_jid", chatJID, "error", err)
			return
		}
		if reply == "" {
			return
		}
		if err := chMgr.Send(ctx, chatJID, reply); err != nil {
			slog.Error("send ipc command reply failed", "component", "cli", "chat_jid", chatJID, "error", err)
		}
	}

	w, err := ipcwatch.New(root, handler)
	if err != nil {
		return nil, nil, fmt.Errorf("create ipc watcher: %w", err)
	}

	dirToJID := make(map[string]string, len(groups))
	for _, g := range groups {
		if err := w.Watch(g.ChatJID, g.Folder); err != nil {
			return nil, nil, fmt.Errorf("watch ipc dir for %s: %w", g.ChatJID, err)
		}
		dirToJID[root+"/"+g.Folder] = g.ChatJID
	}
	return w, dirToJID, nil
}

func registerChannels(cfg config.Config, mgr *channels.Manager, onInbound func(channels.InboundMessage)) error {
	if cfg.Telegram.Enabled {
		token, err := resolveToken(cfg, cfg.Telegram.Token, "telegram_token")
		if err != nil {
			return err
		}
		ch, err := telegram.New(telegram.Config{Token: token})
		if err != nil {
			return fmt.Errorf("create telegram channel: %w", err)
		}
		mgr.Register(ch, onInbound)
	}
	if cfg.Discord.Enabled {
		token, err := resolveToken(cfg, cfg.Discord.Token, "discord_token")
		if err != nil {
			return err
		}
		ch, err := discord.New(discord.Config{Token: token})
		if err != nil {
			return fmt.Errorf("create discord channel: %w", err)
		}
		mgr.Register(ch, onInbound)
	}
	if cfg.WhatsApp.Enabled {
		ch, err := whatsapp.New(context.Background(), whatsapp.Config{SessionDBPath: cfg.WhatsApp.SessionDBPath})
		if err != nil {
			return fmt.Errorf("create whatsapp channel: %w", err)
		}
		mgr.Register(ch, onInbound)
	}
	return nil
}
