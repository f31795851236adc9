// Package scheduler dispatches persisted tasks on cron, interval, and
// one-shot schedules, persisting each task's next run before dispatch and
// injecting a synthetic prompt through the same group-queue path ordinary
// chat messages take.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/clawbridge/clawbridge/internal/store"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOneShot  = "one_shot"
)

// EnqueueFunc injects a synthetic prompt for chatJID through the Group
// Queue — injected the same way queue.ProcessFunc is, so this package
// never imports internal/queue directly.
type EnqueueFunc func(ctx context.Context, chatJID, prompt string) error

// Scheduler polls the task table for due work at a fixed interval. It is
// a pure time-to-prompt converter: it never touches channels or cursors.
type Scheduler struct {
	db       *store.Store
	enqueue  EnqueueFunc
	interval time.Duration
}

func New(db *store.Store, interval time.Duration, enqueue EnqueueFunc) *Scheduler {
	return &Scheduler{db: db, enqueue: enqueue, interval: interval}
}

// Run polls for due tasks every s.interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				slog.Error("scheduler tick failed", "component", "scheduler", "error", err)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	now := time.Now()
	due, err := s.db.DueTasks(ctx, now.UnixMilli())
	if err != nil {
		return err
	}

	for _, t := range due {
		// A task targets a workspace folder; the chat currently registered
		// to that folder is resolved at dispatch time, so re-registering a
		// group under a new JID redirects its tasks without editing them.
		group, err := s.db.GroupByFolder(ctx, t.GroupFolder)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("task folder has no registered group, skipping",
				"component", "scheduler", "task_id", t.ID, "folder", t.GroupFolder)
			continue
		}
		if err != nil {
			slog.Error("resolve task folder failed", "component", "scheduler", "task_id", t.ID, "error", err)
			continue
		}

		nextRun, err := s.computeNextRun(t, now)
		if err != nil {
			slog.Error("compute next run failed, skipping task", "component", "scheduler", "task_id", t.ID, "error", err)
			continue
		}

		// Persist before dispatch: if the process crashes right after this
		// write, the task has already moved past `now` (or been marked
		// done, for one-shot), so it cannot fire twice.
		if err := s.db.AdvanceTask(ctx, t.ID, t.Kind, nextRun); err != nil {
			slog.Error("advance task failed, skipping dispatch", "component", "scheduler", "task_id", t.ID, "error", err)
			continue
		}

		if err := s.enqueue(ctx, group.ChatJID, t.Prompt); err != nil {
			slog.Error("enqueue synthetic prompt failed", "component", "scheduler", "task_id", t.ID, "error", err)
		}
	}
	return nil
}

// computeNextRun returns the task's next fire time. One-shot tasks never
// recompute (AdvanceTask marks them done instead); cron expressions are
// evaluated with gronx; intervals add their duration to now.
func (s *Scheduler) computeNextRun(t store.Task, now time.Time) (int64, error) {
	switch t.Kind {
	case KindOneShot:
		return 0, nil
	case KindCron:
		next, err := gronx.NextTickAfter(t.Schedule, now, false)
		if err != nil {
			return 0, fmt.Errorf("parse cron expression %q: %w", t.Schedule, err)
		}
		return next.UnixMilli(), nil
	case KindInterval:
		d, err := time.ParseDuration(t.Schedule)
		if err != nil {
			return 0, fmt.Errorf("parse interval %q: %w", t.Schedule, err)
		}
		return now.Add(d).UnixMilli(), nil
	default:
		return 0, fmt.Errorf("unknown task kind %q", t.Kind)
	}
}
