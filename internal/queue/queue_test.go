package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeHandle is a scripted ProcessHandle for pipe/kill assertions.
type fakeHandle struct {
	mu     sync.Mutex
	lines  []string
	closed bool
	killed bool
	failTx bool
	name   string
	folder string
}

func (f *fakeHandle) WriteLine(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTx || f.closed {
		return context.Canceled
	}
	f.lines = append(f.lines, text)
	return nil
}
func (f *fakeHandle) CloseStdin() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}
func (f *fakeHandle) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
}
func (f *fakeHandle) ContainerName() string { return f.name }
func (f *fakeHandle) GroupFolder() string   { return f.folder }

func TestEnqueueRunsProcessOnce(t *testing.T) {
	q := New()
	var calls int32
	done := make(chan struct{})
	q.SetProcessFunc(func(ctx context.Context, chatJID string, item Item) bool {
		atomic.AddInt32(&calls, 1)
		close(done)
		return true
	})

	if err := q.EnqueueMessageCheck(context.Background(), "chat-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("process function was never invoked")
	}

	q.Shutdown(time.Second)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestEnqueueWhileRunningQueuesFIFO(t *testing.T) {
	q := New()
	var calls int32
	release := make(chan struct{})
	secondCallStarted := make(chan struct{})

	q.SetProcessFunc(func(ctx context.Context, chatJID string, item Item) bool {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			<-release // hold the first run open so the second check queues behind it
		} else {
			close(secondCallStarted)
		}
		return true
	})

	if err := q.EnqueueMessageCheck(context.Background(), "chat-1"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the first run actually start and block

	if err := q.EnqueueMessageCheck(context.Background(), "chat-1"); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	close(release)

	select {
	case <-secondCallStarted:
	case <-time.After(time.Second):
		t.Fatal("expected a second run to fire for the queued check")
	}

	q.Shutdown(time.Second)
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", got)
	}
}

func TestSyntheticPromptCarriesLiteralPrompt(t *testing.T) {
	q := New()
	got := make(chan Item, 1)
	q.SetProcessFunc(func(ctx context.Context, chatJID string, item Item) bool {
		got <- item
		return true
	})

	if err := q.EnqueueSyntheticPrompt(context.Background(), "chat-1", "daily standup"); err != nil {
		t.Fatalf("enqueue synthetic: %v", err)
	}

	select {
	case item := <-got:
		if !item.Synthetic || item.Prompt != "daily standup" {
			t.Fatalf("expected synthetic item with literal prompt, got %+v", item)
		}
	case <-time.After(time.Second):
		t.Fatal("synthetic item never processed")
	}
	q.Shutdown(time.Second)
}

func TestSendMessageWithoutActiveAgentIsRejected(t *testing.T) {
	q := New()
	if q.SendMessage("chat-1", "hello") {
		t.Fatal("expected SendMessage to reject when no agent is live")
	}
}

func TestSendMessagePipesIntoRegisteredProcess(t *testing.T) {
	q := New()
	h := &fakeHandle{name: "c1", folder: "g"}
	q.RegisterProcess("chat-1", h)

	if !q.SendMessage("chat-1", "follow-up") {
		t.Fatal("expected SendMessage to accept with a live handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.lines) != 1 || h.lines[0] != "follow-up" {
		t.Fatalf("expected one piped line, got %v", h.lines)
	}
}

func TestSendMessageRejectedAfterWriteFailure(t *testing.T) {
	q := New()
	h := &fakeHandle{failTx: true}
	q.RegisterProcess("chat-1", h)

	if q.SendMessage("chat-1", "text") {
		t.Fatal("expected SendMessage to report failure when the pipe write errors")
	}
}

func TestNotifyIdleLatch(t *testing.T) {
	q := New()
	h := &fakeHandle{}
	q.RegisterProcess("chat-1", h)

	if q.IdleNotified("chat-1") {
		t.Fatal("latch should start disarmed")
	}
	q.NotifyIdle("chat-1")
	if !q.IdleNotified("chat-1") {
		t.Fatal("latch should arm on NotifyIdle")
	}
	q.SendMessage("chat-1", "more input")
	if q.IdleNotified("chat-1") {
		t.Fatal("latch should disarm once input is piped")
	}
}

func TestCloseStdinReachesHandle(t *testing.T) {
	q := New()
	h := &fakeHandle{}
	q.RegisterProcess("chat-1", h)

	q.CloseStdin("chat-1")
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		t.Fatal("expected CloseStdin to propagate to the handle")
	}
	if h.killed {
		t.Fatal("CloseStdin must never kill")
	}
}

func TestEnqueueAfterShutdownFails(t *testing.T) {
	q := New()
	q.SetProcessFunc(func(ctx context.Context, chatJID string, item Item) bool { return true })
	q.Shutdown(time.Second)

	if err := q.EnqueueMessageCheck(context.Background(), "chat-1"); err == nil {
		t.Fatal("expected ErrShutdown after Shutdown")
	}
}

func TestDistinctJIDsRunConcurrently(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	wg.Add(2)
	q.SetProcessFunc(func(ctx context.Context, chatJID string, item Item) bool {
		wg.Done()
		return true
	})

	if err := q.EnqueueMessageCheck(context.Background(), "chat-1"); err != nil {
		t.Fatal(err)
	}
	if err := q.EnqueueMessageCheck(context.Background(), "chat-2"); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected both distinct JIDs to run")
	}
	q.Shutdown(time.Second)
}
