// Package queue implements the per-group work queue: a strict
// per-chat-JID FIFO of work items bound to at most one live agent process
// per JID, with formatted message batches piped into the running agent's
// stdin when one is alive. The concurrency shape is a map of per-key state
// plus one worker goroutine per active key.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrShutdown is returned by Enqueue* calls made after Shutdown.
var ErrShutdown = errors.New("queue: shut down")

// Item is one unit of queued work for a chat JID: either a "check the
// store for pending messages" marker, or a synthetic prompt injected by
// the scheduler that carries its literal prompt text.
type Item struct {
	Synthetic bool
	Prompt    string // set only when Synthetic
}

// ProcessFunc runs one agent pass for chatJID. It is injected via
// SetProcessFunc rather than imported so this package never depends on the
// router (avoiding the import cycle queue → router → queue). Returning
// false means the delivery cursor was rolled back and the same work will
// be rediscovered by the router's next poll; the queue itself never
// retries.
type ProcessFunc func(ctx context.Context, chatJID string, item Item) bool

// ProcessHandle is what a live agent run exposes back to the queue:
// stdin piping, graceful stdin close, and the forced-kill escalation used
// when the shutdown grace period lapses.
type ProcessHandle interface {
	WriteLine(text string) error
	CloseStdin()
	Kill()
	ContainerName() string
	GroupFolder() string
}

// groupState tracks one chat JID's liveness: the FIFO of queued work
// items, whether a worker goroutine is draining them, the live agent's
// handle while a run is in flight, and the idle latch armed when the
// agent signals it is ready for more input.
type groupState struct {
	mu           sync.Mutex
	running      bool
	queued       []Item
	active       ProcessHandle
	idleNotified bool
	cancel       context.CancelFunc
}

// GroupQueue serializes agent runs per chat JID. Independent JIDs proceed
// concurrently; within one JID, items run strictly in arrival order.
type GroupQueue struct {
	mu       sync.RWMutex
	groups   map[string]*groupState
	process  ProcessFunc
	shutdown bool
	wg       sync.WaitGroup
}

// New constructs a GroupQueue. Call SetProcessFunc before the first message
// arrives.
func New() *GroupQueue {
	return &GroupQueue{groups: make(map[string]*groupState)}
}

// SetProcessFunc wires the function that actually runs an agent pass.
func (q *GroupQueue) SetProcessFunc(fn ProcessFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.process = fn
}

func (q *GroupQueue) stateFor(chatJID string) *groupState {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.groups[chatJID]
	if !ok {
		st = &groupState{}
		q.groups[chatJID] = st
	}
	return st
}

// SendMessage writes text to the stdin of chatJID's live agent, if one
// exists with its stdin still open, and reports whether the write was
// accepted. The router prefers this over enqueueing a new run so follow-up
// messages reach the agent that is already mid-conversation.
func (q *GroupQueue) SendMessage(chatJID, text string) bool {
	st := q.stateFor(chatJID)
	st.mu.Lock()
	handle := st.active
	st.idleNotified = false
	st.mu.Unlock()

	if handle == nil {
		return false
	}
	if err := handle.WriteLine(text); err != nil {
		slog.Warn("pipe into running agent failed", "component", "queue", "chat_jid", chatJID, "error", err)
		return false
	}
	return true
}

// EnqueueMessageCheck appends a "check the store" marker to chatJID's
// queue and starts a worker if none is draining it.
func (q *GroupQueue) EnqueueMessageCheck(ctx context.Context, chatJID string) error {
	return q.enqueue(ctx, chatJID, Item{})
}

// EnqueueSyntheticPrompt queues a scheduler-injected prompt: the agent run
// it produces is started with the literal prompt instead of querying the
// store for pending messages.
func (q *GroupQueue) EnqueueSyntheticPrompt(ctx context.Context, chatJID, prompt string) error {
	return q.enqueue(ctx, chatJID, Item{Synthetic: true, Prompt: prompt})
}

func (q *GroupQueue) enqueue(ctx context.Context, chatJID string, item Item) error {
	q.mu.RLock()
	down := q.shutdown
	q.mu.RUnlock()
	if down {
		return ErrShutdown
	}

	st := q.stateFor(chatJID)
	st.mu.Lock()
	st.queued = append(st.queued, item)
	if st.running {
		st.mu.Unlock()
		return nil
	}
	st.running = true
	st.mu.Unlock()

	q.startWorker(ctx, chatJID, st)
	return nil
}

// RegisterProcess lets the active agent runner for chatJID expose its
// handle while the run is live. The agent runner calls this as soon as the
// container's stdin is ready, and again with nil once the run ends.
func (q *GroupQueue) RegisterProcess(chatJID string, handle ProcessHandle) {
	st := q.stateFor(chatJID)
	st.mu.Lock()
	st.active = handle
	if handle == nil {
		st.idleNotified = false
	}
	st.mu.Unlock()
}

// NotifyIdle is called when the agent emits a successful result record:
// the process is still alive and ready for more input, so a subsequent
// SendMessage should be preferred over spawning a new run.
func (q *GroupQueue) NotifyIdle(chatJID string) {
	st := q.stateFor(chatJID)
	st.mu.Lock()
	st.idleNotified = true
	st.mu.Unlock()
}

// IdleNotified reports whether chatJID's live agent has signalled it is
// ready for more input since the last pipe-in.
func (q *GroupQueue) IdleNotified(chatJID string) bool {
	st := q.stateFor(chatJID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.idleNotified
}

// CloseStdin gracefully closes the active agent's stdin for chatJID, if
// any. Further messages for the group can then only be delivered by
// spawning a new run; the idle-timeout path ends here.
func (q *GroupQueue) CloseStdin(chatJID string) {
	st := q.stateFor(chatJID)
	st.mu.Lock()
	handle := st.active
	st.mu.Unlock()
	if handle != nil {
		handle.CloseStdin()
	}
}

func (q *GroupQueue) startWorker(ctx context.Context, chatJID string, st *groupState) {
	runCtx, cancel := context.WithCancel(ctx)
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer cancel()
		for {
			st.mu.Lock()
			if len(st.queued) == 0 {
				st.running = false
				st.cancel = nil
				st.mu.Unlock()
				return
			}
			item := st.queued[0]
			st.queued = st.queued[1:]
			st.mu.Unlock()

			q.mu.RLock()
			fn := q.process
			q.mu.RUnlock()
			if fn == nil {
				slog.Error("no process function registered, dropping work item",
					"component", "queue", "chat_jid", chatJID)
				continue
			}
			if !fn(runCtx, chatJID, item) {
				// Cursor was rolled back; the router's next poll rediscovers
				// the same messages and re-enqueues, so no immediate retry
				// here.
				slog.Warn("agent pass reported failure", "component", "queue", "chat_jid", chatJID)
			}

			st.mu.Lock()
			st.active = nil
			st.idleNotified = false
			st.mu.Unlock()
		}
	}()
}

// Shutdown marks the queue closed to new work, asks every live agent to
// close stdin, waits up to grace for in-flight runs to finish on their
// own, then kills any container still running.
func (q *GroupQueue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	q.shutdown = true
	states := make([]*groupState, 0, len(q.groups))
	for _, st := range q.groups {
		states = append(states, st)
	}
	q.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		handle := st.active
		if cancel := st.cancel; cancel != nil {
			cancel()
		}
		st.mu.Unlock()
		if handle != nil {
			handle.CloseStdin()
		}
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	for _, st := range states {
		st.mu.Lock()
		handle := st.active
		running := st.running
		st.mu.Unlock()
		if running && handle != nil {
			handle.Kill()
		}
	}

	<-done
}
