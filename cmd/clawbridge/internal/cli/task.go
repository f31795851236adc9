package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clawbridge/clawbridge/internal/config"
	"github.com/clawbridge/clawbridge/internal/store"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage scheduled tasks"}
	cmd.AddCommand(newTaskAddCmd(), newTaskListCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var configPath, kind, schedule string
	cmd := &cobra.Command{
		Use:   "add <group-folder> <prompt>",
		Short: "Schedule a synthetic prompt for a group's workspace folder",
		Args:  cobra.ExactArgs(2),
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

			now := time.Now()
			nextRun, err := firstRun(kind, schedule, now)
			if err != nil {
				return err
			}

			return db.CreateTask(cmd.Context(), store.Task{
				ID:          uuid.NewString(),
				GroupFolder: args[0],
				Kind:        kind,
				Schedule:    schedule,
				Prompt:      args[1],
				Status:      store.TaskStatusActive,
				NextRun:     nextRun,
				CreatedAt:   now.UnixMilli(),
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "clawbridge.yaml", "path to the config file")
	cmd.Flags().StringVar(&kind, "kind", "one_shot", "cron | interval | one_shot")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expr, Go duration, or RFC3339 time (one_shot)")
	return cmd
}

func firstRun(kind, schedule string, now time.Time) (int64, error) {
	switch kind {
	case "one_shot":
		t, err := time.Parse(time.RFC3339, schedule)
		if err != nil {
			return 0, fmt.Errorf("parse one-shot schedule %q: %w", schedule, err)
		}
		return t.UnixMilli(), nil
	case "interval":
		d, err := time.ParseDuration(schedule)
		if err != nil {
			return 0, fmt.Errorf("parse interval schedule %q: %w", schedule, err)
		}
		return now.Add(d).UnixMilli(), nil
	case "cron":
		// Due immediately; the scheduler computes the real next_run the
		// first time it evaluates this task via gronx.
		return now.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("unknown task kind %q", kind)
	}
}

func newTaskListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
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

			tasks, err := db.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "%s [%s/%s] %s next_run=%s\n",
					t.GroupFolder, t.Kind, t.Status, t.Prompt, time.UnixMilli(t.NextRun).Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "clawbridge.yaml", "path to the config file")
	return cmd
}
