// Package commands is the bridge's slash-command handler: a small
// registry mapping chat-originated commands like /add-group or /tasks to
// store operations, distinct from the agent's own reply pipeline.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clawbridge/clawbridge/internal/store"
)

// Handler matches a command name to its handler func, given the chat JID
// it arrived on and the raw argument string after the command.
type Handler func(ctx context.Context, chatJID, args string) (string, error)

// Registry maps command names (without the leading slash) to handlers.
type Registry struct {
	db           *store.Store
	workspaceDir string
	handlers     map[string]Handler
}

// NewRegistry builds a Registry backed by db. workspaceDir is the same
// root internal/store.ValidateFolder checks group folders against, so a
// chat-originated /add-group is held to the same folder policy as
// `clawbridge group add`.
func NewRegistry(db *store.Store, workspaceDir string) *Registry {
	r := &Registry{db: db, workspaceDir: workspaceDir, handlers: map[string]Handler{}}
	r.handlers["add-group"] = r.addGroup
	r.handlers["tasks"] = r.listTasks
	return r
}

// Dispatch parses content as "/command args..." and runs the matching
// handler. It returns ok=false when content isn't a recognized command,
// so callers can fall through to normal agent processing.
func (r *Registry) Dispatch(ctx context.Context, chatJID, content string) (reply string, ok bool, err error) {
	if !strings.HasPrefix(content, "/") {
		return "", false, nil
	}
	rest := strings.TrimPrefix(content, "/")
	name, args, _ := strings.Cut(rest, " ")

	h, found := r.handlers[name]
	if !found {
		return "", false, nil
	}
	slog.Debug("dispatching chat command", "component", "commands",
		"command", name, "chat_jid", chatJID, "sender", store.SenderIDFromContext(ctx))
	reply, err = h(ctx, chatJID, strings.TrimSpace(args))
	return reply, true, err
}

func (r *Registry) addGroup(ctx context.Context, chatJID, args string) (string, error) {
	folder := strings.TrimSpace(args)
	if folder == "" {
		return "", fmt.Errorf("usage: /add-group <folder>")
	}
	if err := store.ValidateFolder(r.workspaceDir, folder); err != nil {
		return "", fmt.Errorf("invalid group folder: %w", err)
	}
	if err := r.db.RegisterGroup(ctx, store.RegisteredGroup{ChatJID: chatJID, Folder: folder}); err != nil {
		return "", err
	}
	return fmt.Sprintf("registered this chat to workspace folder %q", folder), nil
}

func (r *Registry) listTasks(ctx context.Context, chatJID, _ string) (string, error) {
	group, err := r.db.Group(ctx, chatJID)
	if err != nil {
		return "this chat is not registered; use /add-group first", nil
	}
	tasks, err := r.db.ListTasks(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, t := range tasks {
		if t.GroupFolder != group.Folder || t.Status != store.TaskStatusActive {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s\n", t.Kind, t.Prompt)
	}
	if b.Len() == 0 {
		return "no scheduled tasks for this chat", nil
	}
	return b.String(), nil
}
