package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawbridge/clawbridge/internal/agentrunner"
	"github.com/clawbridge/clawbridge/internal/bootstrap"
	"github.com/clawbridge/clawbridge/internal/channels"
	"github.com/clawbridge/clawbridge/internal/queue"
	"github.com/clawbridge/clawbridge/internal/store"
	"github.com/clawbridge/clawbridge/pkg/protocol"
)

const testJID = "tg:100"

// fakeChannel records outbound sends and typing changes for the tg: prefix.
type fakeChannel struct {
	*channels.BaseChannel
	mu     sync.Mutex
	sent   []string
	typing []bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{BaseChannel: channels.NewBaseChannel("faketg", "tg")}
}

func (f *fakeChannel) Start(context.Context) error      { return nil }
func (f *fakeChannel) Disconnect(context.Context) error { return nil }

func (f *fakeChannel) SendMessage(_ context.Context, _, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeChannel) SetTyping(_ context.Context, _ string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, on)
	return nil
}

func (f *fakeChannel) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeRunner substitutes the Docker-backed runner with a scripted response.
type fakeRunner struct {
	mu     sync.Mutex
	runs   []agentrunner.RunSpec
	script func(spec agentrunner.RunSpec) agentrunner.Result
}

func (f *fakeRunner) Run(_ context.Context, spec agentrunner.RunSpec) agentrunner.Result {
	f.mu.Lock()
	f.runs = append(f.runs, spec)
	f.mu.Unlock()
	return f.script(spec)
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

// fakePipe is a live-agent stand-in registered directly on the queue.
type fakePipe struct {
	mu    sync.Mutex
	lines []string
}

func (p *fakePipe) WriteLine(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, text)
	return nil
}
func (p *fakePipe) CloseStdin()           {}
func (p *fakePipe) Kill()                 {}
func (p *fakePipe) ContainerName() string { return "fake" }
func (p *fakePipe) GroupFolder() string   { return "g" }

func newTestRouter(t *testing.T, script func(spec agentrunner.RunSpec) agentrunner.Result) (*Router, *store.Store, *queue.GroupQueue, *fakeChannel, *fakeRunner) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.RegisterGroup(context.Background(), store.RegisteredGroup{ChatJID: testJID, Folder: "g", Name: "G"}); err != nil {
		t.Fatalf("register group: %v", err)
	}

	ch := newFakeChannel()
	mgr := channels.NewManager()
	mgr.Register(ch, func(channels.InboundMessage) {})

	runner := &fakeRunner{script: script}
	q := queue.New()
	t.Cleanup(func() { q.Shutdown(time.Second) })

	r := New(Config{
		PollInterval:  10 * time.Millisecond,
		WorkspaceDir:  t.TempDir(),
		AssistantName: "claw",
	}, db, q, runner, mgr, nil)
	return r, db, q, ch, runner
}

func appendUserMessage(t *testing.T, db *store.Store, id, content string, ts int64) {
	t.Helper()
	err := db.AppendMessage(context.Background(), store.Message{
		ID: id, ChatJID: testJID, SenderID: "u1", SenderName: "alice",
		Content: content, Timestamp: ts, CreatedAt: ts,
	})
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func groupCursor(t *testing.T, db *store.Store) int64 {
	t.Helper()
	cursor, err := db.GroupCursor(context.Background(), testJID)
	if err != nil {
		t.Fatalf("group cursor: %v", err)
	}
	return cursor
}

func TestHappyPathDeliversBatchOnceAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	var r *Router
	script := func(spec agentrunner.RunSpec) agentrunner.Result {
		if !strings.Contains(spec.Prompt, "hi") || !strings.Contains(spec.Prompt, "how are you") {
			t.Errorf("prompt missing pending messages: %q", spec.Prompt)
		}
		spec.OnRecord(protocol.StreamRecord{Status: protocol.StatusSuccess, Result: "hello", NewSessionID: "sess-1"})
		return agentrunner.Result{Status: protocol.StatusSuccess, NewSessionID: "sess-1", HadStreamingOutput: true}
	}
	r, db, _, ch, runner := newTestRouter(t, script)

	appendUserMessage(t, db, "m1", "hi", 1)
	appendUserMessage(t, db, "m2", "how are you", 2)

	if err := r.poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	waitFor(t, "cursor to reach 2", func() bool { return groupCursor(t, db) == 2 })
	waitFor(t, "reply to arrive", func() bool { return len(ch.sentMessages()) == 1 })

	if got := ch.sentMessages(); got[0] != "hello" {
		t.Fatalf("expected reply %q, got %q", "hello", got[0])
	}
	if runner.runCount() != 1 {
		t.Fatalf("expected exactly one agent run, got %d", runner.runCount())
	}

	session, err := db.Session(ctx, testJID)
	if err != nil || session != "sess-1" {
		t.Fatalf("expected session sess-1 persisted, got %q (%v)", session, err)
	}
	global, err := db.GlobalCursor(ctx)
	if err != nil || global != 2 {
		t.Fatalf("expected global cursor 2, got %d (%v)", global, err)
	}

	// Snapshot files were written into the group's workspace before the run.
	ws := filepath.Join(r.cfg.WorkspaceDir, "g")
	for _, name := range []string{bootstrap.TasksFile, bootstrap.GroupsFile} {
		if _, err := os.Stat(filepath.Join(ws, name)); err != nil {
			t.Fatalf("expected snapshot %s: %v", name, err)
		}
	}
}

func TestErrorWithNoOutputRollsBackAndRetries(t *testing.T) {
	ctx := context.Background()
	var calls int
	var mu sync.Mutex
	script := func(spec agentrunner.RunSpec) agentrunner.Result {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return agentrunner.Result{Status: protocol.StatusError, Err: errors.New("exit status 1")}
		}
		spec.OnRecord(protocol.StreamRecord{Status: protocol.StatusSuccess, Result: "hello"})
		return agentrunner.Result{Status: protocol.StatusSuccess, HadStreamingOutput: true}
	}
	r, db, _, ch, runner := newTestRouter(t, script)

	appendUserMessage(t, db, "m1", "hi", 1)
	appendUserMessage(t, db, "m2", "how are you", 2)

	if err := r.poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// First run fails with no output: cursor rolled back, nothing sent.
	waitFor(t, "first failed run", func() bool { return runner.runCount() == 1 })
	waitFor(t, "cursor rollback", func() bool { return groupCursor(t, db) == 0 })
	if len(ch.sentMessages()) != 0 {
		t.Fatalf("expected no channel output after silent failure, got %v", ch.sentMessages())
	}
	waitFor(t, "retry mark", func() bool {
		r.retryMu.Lock()
		defer r.retryMu.Unlock()
		return len(r.retryJIDs) == 1
	})

	// The next poll re-dispatches the same messages despite the global
	// cursor already being past them.
	if err := r.poll(ctx); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	waitFor(t, "retry run", func() bool { return runner.runCount() == 2 })
	waitFor(t, "cursor advance after retry", func() bool { return groupCursor(t, db) == 2 })
	waitFor(t, "reply after retry", func() bool { return len(ch.sentMessages()) == 1 })
}

func TestErrorAfterOutputKeepsCursor(t *testing.T) {
	ctx := context.Background()
	script := func(spec agentrunner.RunSpec) agentrunner.Result {
		spec.OnRecord(protocol.StreamRecord{Status: protocol.StatusProgress, Result: "partial"})
		return agentrunner.Result{Status: protocol.StatusError, HadStreamingOutput: true, Err: errors.New("exit status 137")}
	}
	r, db, _, ch, runner := newTestRouter(t, script)

	appendUserMessage(t, db, "m1", "hi", 1)
	appendUserMessage(t, db, "m2", "how are you", 2)

	if err := r.poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	waitFor(t, "run", func() bool { return runner.runCount() == 1 })
	waitFor(t, "partial reply", func() bool { return len(ch.sentMessages()) == 1 })
	waitFor(t, "cursor stands", func() bool { return groupCursor(t, db) == 2 })

	// No retry is queued: rolling back would make the user see duplicates.
	if err := r.poll(ctx); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if runner.runCount() != 1 {
		t.Fatalf("expected no retry after user-visible output, got %d runs", runner.runCount())
	}
}

func TestPipingIntoLiveAgentAdvancesCursorWithoutNewRun(t *testing.T) {
	ctx := context.Background()
	script := func(spec agentrunner.RunSpec) agentrunner.Result {
		t.Error("no new run should spawn while an agent is live")
		return agentrunner.Result{Status: protocol.StatusError}
	}
	r, db, q, _, runner := newTestRouter(t, script)

	// A previous run consumed everything through t=2 and its agent is
	// still alive.
	if err := db.ClaimGroupCursor(ctx, testJID, 2); err != nil {
		t.Fatal(err)
	}
	if err := db.AdvanceGlobalCursor(ctx, 2); err != nil {
		t.Fatal(err)
	}
	pipe := &fakePipe{}
	q.RegisterProcess(testJID, pipe)

	appendUserMessage(t, db, "m3", "wait", 3)

	if err := r.poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	pipe.mu.Lock()
	lines := append([]string(nil), pipe.lines...)
	pipe.mu.Unlock()
	if len(lines) != 1 || !strings.Contains(lines[0], "wait") {
		t.Fatalf("expected the new message piped into the live agent, got %v", lines)
	}
	if got := groupCursor(t, db); got != 3 {
		t.Fatalf("expected delivery cursor 3 after accepted pipe, got %d", got)
	}
	if runner.runCount() != 0 {
		t.Fatalf("expected no new process spawn, got %d runs", runner.runCount())
	}
}

func TestSyntheticPromptRunsLiteralPrompt(t *testing.T) {
	ctx := context.Background()
	script := func(spec agentrunner.RunSpec) agentrunner.Result {
		if spec.Prompt != "daily" {
			t.Errorf("expected literal prompt %q, got %q", "daily", spec.Prompt)
		}
		spec.OnRecord(protocol.StreamRecord{Status: protocol.StatusSuccess, Result: "standup done"})
		return agentrunner.Result{Status: protocol.StatusSuccess, HadStreamingOutput: true}
	}
	r, db, _, ch, _ := newTestRouter(t, script)

	if !r.processQueueItem(ctx, testJID, queue.Item{Synthetic: true, Prompt: "daily"}) {
		t.Fatal("synthetic prompt run should not request a retry")
	}
	if got := groupCursor(t, db); got != 0 {
		t.Fatalf("synthetic prompts must not touch the delivery cursor, got %d", got)
	}
	if got := ch.sentMessages(); len(got) != 1 || got[0] != "standup done" {
		t.Fatalf("expected the streamed reply, got %v", got)
	}
}

func TestProcessGroupMessagesWithNoPendingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	script := func(spec agentrunner.RunSpec) agentrunner.Result {
		t.Error("no run should start without pending messages")
		return agentrunner.Result{Status: protocol.StatusError}
	}
	r, db, _, _, _ := newTestRouter(t, script)

	if !r.processGroupMessages(ctx, testJID) {
		t.Fatal("expected true for an empty pending set")
	}
	if got := groupCursor(t, db); got != 0 {
		t.Fatalf("expected cursor untouched, got %d", got)
	}
}

func TestStartupRecoveryRedeliversClaimWindow(t *testing.T) {
	ctx := context.Background()
	script := func(spec agentrunner.RunSpec) agentrunner.Result {
		spec.OnRecord(protocol.StreamRecord{Status: protocol.StatusSuccess, Result: "hello"})
		return agentrunner.Result{Status: protocol.StatusSuccess, HadStreamingOutput: true}
	}
	r, db, _, ch, runner := newTestRouter(t, script)

	// Crash happened after the observation cursor advanced but before
	// dispatch: the message is past the global cursor, delivery cursor
	// still behind.
	appendUserMessage(t, db, "m1", "hi", 5)
	if err := db.AdvanceGlobalCursor(ctx, 5); err != nil {
		t.Fatal(err)
	}

	if err := r.recoverOnStartup(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	waitFor(t, "recovery run", func() bool { return runner.runCount() == 1 })
	waitFor(t, "cursor catch-up", func() bool { return groupCursor(t, db) == 5 })
	if got := ch.sentMessages(); len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %v", got)
	}
}
