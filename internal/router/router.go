// Package router implements the message loop: poll the store past the
// global observation cursor, partition new messages by chat JID, pipe them
// into an already-running agent where one is alive, and otherwise enqueue
// a message check on the group queue — plus the startup recovery scan that
// re-derives pending work after a crash or restart.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/clawbridge/clawbridge/internal/agentrunner"
	"github.com/clawbridge/clawbridge/internal/bootstrap"
	"github.com/clawbridge/clawbridge/internal/channels"
	"github.com/clawbridge/clawbridge/internal/commands"
	"github.com/clawbridge/clawbridge/internal/promptfmt"
	"github.com/clawbridge/clawbridge/internal/queue"
	"github.com/clawbridge/clawbridge/internal/store"
	"github.com/clawbridge/clawbridge/pkg/protocol"
)

// Config controls the poll loop's timing and trigger gate default.
type Config struct {
	PollInterval    time.Duration
	TriggerPattern  string
	WorkspaceDir    string
	MainGroupFolder string
	AssistantName   string
}

// AgentRunner is the slice of internal/agentrunner the router drives,
// narrowed to an interface so tests can substitute a scripted fake.
type AgentRunner interface {
	Run(ctx context.Context, spec agentrunner.RunSpec) agentrunner.Result
}

// Router owns the poll loop, the Group Queue, and the agent runner it
// drives. Channels feed it inbound messages; it feeds replies back out
// through the channel manager.
type Router struct {
	cfg      Config
	db       *store.Store
	queue    *queue.GroupQueue
	runner   AgentRunner
	channels *channels.Manager
	dedupe   *lru.Cache[string, struct{}]
	cmds     *commands.Registry

	// retryJIDs holds groups whose delivery cursor was rolled back; the
	// next poll re-dispatches them even though their messages are already
	// past the global observation cursor. Crash recovery for the same
	// window is the startup scan — this set only has to survive in memory.
	retryMu   sync.Mutex
	retryJIDs map[string]struct{}
}

// New wires a Router. SetProcessFunc is called on q here, completing the
// injection chain that keeps queue and router import-cycle free.
func New(cfg Config, db *store.Store, q *queue.GroupQueue, runner AgentRunner, chMgr *channels.Manager, cmds *commands.Registry) *Router {
	dedupe, _ := lru.New[string, struct{}](4096)
	r := &Router{
		cfg: cfg, db: db, queue: q, runner: runner, channels: chMgr,
		dedupe: dedupe, cmds: cmds, retryJIDs: make(map[string]struct{}),
	}
	q.SetProcessFunc(r.processQueueItem)
	return r
}

// HandleInbound is registered with the channels.Manager as the callback
// every adapter delivers InboundMessage values to. It upserts the chat's
// metadata, short-circuits slash-commands to internal/commands, and logs
// everything else to the message store, where the poll loop picks it up.
func (r *Router) HandleInbound(ctx context.Context, msg channels.InboundMessage) {
	dedupeKey := msg.ChatJID + "|" + msg.MessageID
	if _, seen := r.dedupe.Get(dedupeKey); seen {
		return
	}
	r.dedupe.Add(dedupeKey, struct{}{})

	if err := r.db.UpsertChat(ctx, store.Chat{
		JID:             msg.ChatJID,
		Name:            msg.ChatName,
		LastMessageTime: msg.Timestamp,
		IsGroup:         msg.IsGroup,
	}); err != nil {
		slog.Warn("upsert chat metadata failed", "component", "router", "chat_jid", msg.ChatJID, "error", err)
	}

	if r.cmds != nil {
		cmdCtx := store.WithSenderID(ctx, msg.SenderID)
		if reply, ok, err := r.cmds.Dispatch(cmdCtx, msg.ChatJID, msg.Content); ok {
			if err != nil {
				slog.Error("command dispatch failed", "component", "router", "chat_jid", msg.ChatJID, "error", err)
				reply = fmt.Sprintf("command failed: %v", err)
			}
			if reply != "" {
				if err := r.sendReply(ctx, msg.ChatJID, reply); err != nil {
					slog.Error("send command reply failed", "component", "router", "chat_jid", msg.ChatJID, "error", err)
				}
			}
			return
		}
	}

	if err := r.db.AppendMessage(ctx, store.Message{
		ID:         msg.MessageID,
		ChatJID:    msg.ChatJID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
		IsFromMe:   msg.IsFromMe,
		CreatedAt:  time.Now().UnixMilli(),
	}); err != nil {
		slog.Error("append inbound message failed", "component", "router", "error", err)
	}
}

// Run starts the fixed-interval poll loop and blocks until ctx is
// canceled. It performs the startup recovery scan first.
func (r *Router) Run(ctx context.Context) error {
	if err := r.recoverOnStartup(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	interval := r.cfg.PollInterval
	if interval <= 0 {
		// A zero interval still has to yield between sweeps so no group can
		// monopolize the loop.
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.poll(ctx); err != nil {
				slog.Error("poll iteration failed", "component", "router", "error", err)
			}
		}
	}
}

// poll runs one sweep: observe messages past the global cursor, persist
// the new watermark, then per group either pipe the
// whole pending batch into the live agent (advancing the delivery cursor
// on acceptance) or enqueue a message check for a fresh run.
func (r *Router) poll(ctx context.Context) error {
	r.retryMu.Lock()
	retries := make([]string, 0, len(r.retryJIDs))
	for jid := range r.retryJIDs {
		retries = append(retries, jid)
	}
	r.retryJIDs = make(map[string]struct{})
	r.retryMu.Unlock()
	for _, jid := range retries {
		if err := r.dispatchGroup(ctx, jid); err != nil {
			slog.Warn("retry dispatch failed", "component", "router", "chat_jid", jid, "error", err)
		}
	}

	cursor, err := r.db.GlobalCursor(ctx)
	if err != nil {
		return err
	}

	msgs, err := r.db.NewMessages(ctx, cursor)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	byJID := make(map[string]bool)
	var maxTS int64
	for _, m := range msgs {
		byJID[m.ChatJID] = true
		if m.Timestamp > maxTS {
			maxTS = m.Timestamp
		}
	}

	// Persist the observation cursor before any dispatch: a message
	// observed here is never re-observed by a later poll, even across a
	// crash. Delivery is tracked separately by the per-JID cursor claimed
	// below and in processGroupMessages.
	if err := r.db.AdvanceGlobalCursor(ctx, maxTS); err != nil {
		return err
	}

	for jid := range byJID {
		if err := r.dispatchGroup(ctx, jid); err != nil {
			slog.Warn("dispatch failed", "component", "router", "chat_jid", jid, "error", err)
		}
	}
	return nil
}

// dispatchGroup routes one group's pending messages: preferring the pipe
// into a live agent, falling back to the Group Queue.
func (r *Router) dispatchGroup(ctx context.Context, chatJID string) error {
	group, err := r.db.Group(ctx, chatJID)
	if err != nil {
		return err
	}

	cursor, err := r.db.GroupCursor(ctx, chatJID)
	if err != nil {
		return err
	}
	pending, err := r.db.MessagesForChatSince(ctx, chatJID, cursor)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	if group.RequireTrigger && !anyMatchesTrigger(pending, r.cfg.TriggerPattern) {
		return nil
	}

	formatted := promptfmt.BuildPrompt(pending)
	if r.queue.SendMessage(chatJID, formatted) {
		// Accepted by the live agent: the batch is delivered, so the
		// delivery cursor advances now.
		if err := r.db.ClaimGroupCursor(ctx, chatJID, pending[len(pending)-1].Timestamp); err != nil {
			return err
		}
		_ = r.channels.SetTyping(ctx, chatJID, true)
		return nil
	}

	// No live agent: queue a check; processGroupMessages claims the cursor
	// itself once the run starts.
	return r.queue.EnqueueMessageCheck(ctx, chatJID)
}

// recoverOnStartup re-derives pending work for every registered group
// whose delivery cursor trails the latest message in its chat, covering
// the crash window between the global cursor advancing and the per-group
// dispatch happening.
func (r *Router) recoverOnStartup(ctx context.Context) error {
	groups, err := r.db.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		cursor, err := r.db.GroupCursor(ctx, g.ChatJID)
		if err != nil {
			return err
		}
		pending, err := r.db.MessagesForChatSince(ctx, g.ChatJID, cursor)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			continue
		}
		slog.Info("startup recovery found pending work", "component", "router",
			"chat_jid", g.ChatJID, "count", len(pending))
		if err := r.queue.EnqueueMessageCheck(ctx, g.ChatJID); err != nil {
			slog.Warn("recovery enqueue failed", "component", "router", "chat_jid", g.ChatJID, "error", err)
		}
	}
	return nil
}

// processQueueItem is the Group Queue's ProcessFunc: a check marker runs
// the pending-message path, a synthetic item runs the scheduler-injected
// literal prompt through the same agent pipeline.
func (r *Router) processQueueItem(ctx context.Context, chatJID string, item queue.Item) bool {
	if item.Synthetic {
		return r.runSyntheticPrompt(ctx, chatJID, item.Prompt)
	}
	return r.processGroupMessages(ctx, chatJID)
}

// processGroupMessages runs one agent pass for chatJID: claim messages
// since the per-JID delivery cursor, run the agent, and on a terminal
// failure with no user-visible output roll the cursor back so the same
// messages are redelivered on the next poll.
func (r *Router) processGroupMessages(ctx context.Context, chatJID string) bool {
	group, err := r.db.Group(ctx, chatJID)
	if err != nil {
		slog.Error("group lookup failed", "component", "router", "chat_jid", chatJID, "error", err)
		return true
	}

	cursor, err := r.db.GroupCursor(ctx, chatJID)
	if err != nil {
		slog.Error("group cursor read failed", "component", "router", "chat_jid", chatJID, "error", err)
		return true
	}
	pending, err := r.db.MessagesForChatSince(ctx, chatJID, cursor)
	if err != nil {
		slog.Error("pending messages read failed", "component", "router", "chat_jid", chatJID, "error", err)
		return true
	}
	if len(pending) == 0 {
		return true
	}
	if group.RequireTrigger && !anyMatchesTrigger(pending, r.cfg.TriggerPattern) {
		return true
	}

	// Claim before work: the delivery cursor moves forward here, before
	// the agent ever runs, so a crash mid-run leaves these messages
	// claimed rather than eligible for double delivery.
	newCursor := pending[len(pending)-1].Timestamp
	if err := r.db.ClaimGroupCursor(ctx, chatJID, newCursor); err != nil {
		slog.Error("claim group cursor failed", "component", "router", "chat_jid", chatJID, "error", err)
		return false
	}

	outcome := r.runAgent(ctx, chatJID, group, promptfmt.BuildPrompt(pending))

	switch {
	case outcome.result.Status == protocol.StatusSuccess:
		return true

	case outcome.outputSent:
		// Terminal error after user-visible output: rolling back would
		// redeliver messages whose replies the user already saw, so the
		// claim stands.
		slog.Warn("agent run failed after sending output, cursor stands",
			"component", "router", "group", group.Folder, "chat_jid", chatJID, "error", outcome.result.Err)
		return true

	default:
		// The single rollback path: terminal failure, nothing reached the
		// user. Restore the cursor so the next poll redelivers.
		if err := r.db.RollbackGroupCursor(ctx, chatJID, cursor); err != nil {
			slog.Error("rollback group cursor failed", "component", "router", "chat_jid", chatJID, "error", err)
		}
		r.retryMu.Lock()
		r.retryJIDs[chatJID] = struct{}{}
		r.retryMu.Unlock()
		slog.Error("agent run failed with no output, cursor rolled back",
			"component", "router", "group", group.Folder, "chat_jid", chatJID, "error", outcome.result.Err)
		return false
	}
}

// runSyntheticPrompt runs a scheduler-injected prompt. No cursor is
// involved: the prompt never lived in the message log, and the task was
// already advanced before dispatch (at-most-once), so a failed run is
// logged and dropped.
func (r *Router) runSyntheticPrompt(ctx context.Context, chatJID, prompt string) bool {
	group, err := r.db.Group(ctx, chatJID)
	if err != nil {
		slog.Error("group lookup for synthetic prompt failed", "component", "router", "chat_jid", chatJID, "error", err)
		return true
	}

	outcome := r.runAgent(ctx, chatJID, group, prompt)
	if outcome.result.Status != protocol.StatusSuccess {
		slog.Error("scheduled prompt run failed", "component", "router",
			"group", group.Folder, "chat_jid", chatJID, "error", outcome.result.Err)
	}
	return true
}

type runOutcome struct {
	result     agentrunner.Result
	outputSent bool
}

// runAgent wires one agent run: workspace snapshots, session resume,
// typing indicator, per-record streaming back to the chat, and idle
// notification to the Group Queue.
func (r *Router) runAgent(ctx context.Context, chatJID string, group store.RegisteredGroup, prompt string) runOutcome {
	ctx = store.WithChatJID(ctx, chatJID)

	sessionID, err := r.db.Session(ctx, chatJID)
	if err != nil {
		slog.Warn("session read failed, starting fresh", "component", "router", "chat_jid", chatJID, "error", err)
	}

	workspaceDir := filepath.Join(r.cfg.WorkspaceDir, group.Folder)
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return runOutcome{result: agentrunner.Result{
			Status: protocol.StatusError,
			Err:    fmt.Errorf("ensure workspace dir: %w", err),
		}}
	}
	isMain := r.cfg.MainGroupFolder != "" && group.Folder == r.cfg.MainGroupFolder
	if err := bootstrap.WriteSnapshots(ctx, r.db, workspaceDir, group.Folder, isMain); err != nil {
		slog.Warn("write workspace snapshots failed", "component", "router", "chat_jid", chatJID, "error", err)
	}

	_ = r.channels.SetTyping(ctx, chatJID, true)
	defer func() { _ = r.channels.SetTyping(ctx, chatJID, false) }()

	var outputSent bool
	onRecord := func(rec protocol.StreamRecord) {
		if rec.NewSessionID != "" {
			if err := r.db.SaveSession(ctx, chatJID, rec.NewSessionID); err != nil {
				slog.Warn("save session failed", "component", "router", "chat_jid", chatJID, "error", err)
			}
		}
		if text := promptfmt.StripInternal(string(rec.Result)); text != "" {
			if err := r.sendReply(ctx, chatJID, text); err != nil {
				// Partial delivery is tolerated; the run continues and the
				// cursor is not rolled back once anything reached the user.
				slog.Error("send streamed reply failed", "component", "router", "chat_jid", chatJID, "error", err)
			} else {
				outputSent = true
			}
		}
		switch rec.Status {
		case protocol.StatusSuccess:
			// Agent finished a turn and is ready for more input; prefer
			// piping over spawning until stdin closes.
			r.queue.NotifyIdle(chatJID)
		case protocol.StatusError:
			slog.Warn("agent streamed an error record", "component", "router",
				"chat_jid", chatJID, "error", rec.Error)
		}
	}

	result := r.runner.Run(ctx, agentrunner.RunSpec{
		ChatJID:     chatJID,
		GroupFolder: group.Folder,
		Prompt:      prompt,
		SessionID:   sessionID,
		OnRecord:    onRecord,
		OnRegister: func(h *agentrunner.Handle) {
			if h != nil {
				r.queue.RegisterProcess(chatJID, h)
			} else {
				r.queue.RegisterProcess(chatJID, nil)
			}
		},
	})

	return runOutcome{result: result, outputSent: outputSent}
}

// sendReply routes text to the owning channel and logs it to the message
// store as a bot-authored row, which the pending-work queries exclude by
// definition.
func (r *Router) sendReply(ctx context.Context, chatJID, text string) error {
	if err := r.channels.Send(ctx, chatJID, text); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if err := r.db.AppendMessage(ctx, store.Message{
		ID:           "bot:" + uuid.NewString(),
		ChatJID:      chatJID,
		SenderID:     "bot",
		SenderName:   r.cfg.AssistantName,
		Content:      text,
		Timestamp:    now,
		IsFromMe:     true,
		IsBotMessage: true,
		CreatedAt:    now,
	}); err != nil {
		slog.Warn("log outgoing message failed", "component", "router", "chat_jid", chatJID, "error", err)
	}
	return nil
}

func anyMatchesTrigger(msgs []store.Message, pattern string) bool {
	if pattern == "" {
		return true
	}
	for _, m := range msgs {
		if matched, _ := matchTrigger(pattern, m.Content); matched {
			return true
		}
	}
	return false
}
