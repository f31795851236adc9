// Package agentrunner spawns one containerized agent process per run,
// pipes a prompt into it, and parses the newline-delimited JSON stream it
// writes back. Containers go through the Docker Engine API
// (create/attach/start/wait); each run is one-shot: a fresh container per
// chat JID activation, removed once the run ends.
package agentrunner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/clawbridge/clawbridge/internal/retry"
	"github.com/clawbridge/clawbridge/internal/store"
	"github.com/clawbridge/clawbridge/pkg/protocol"
)

// Config controls how containers are spawned.
type Config struct {
	Image         string        // container image running the agent
	WorkspaceDir  string        // host directory bind-mounted into the container
	IdleTimeout   time.Duration // close stdin after this much silence on stdout
	AssistantName string        // exported to the container so the agent knows its own name

	// SpawnsPerSecond caps container creation across every chat JID at
	// once, on top of the Group Queue's per-JID "at most one agent"
	// ceiling. Zero selects DefaultSpawnsPerSecond; there is always a cap.
	SpawnsPerSecond rate.Limit
	SpawnBurst      int
}

// DefaultSpawnsPerSecond bounds how many agent containers can be created
// per second across the whole bridge, regardless of how many groups go
// active simultaneously.
const DefaultSpawnsPerSecond rate.Limit = 2

// RunSpec describes one agent run.
type RunSpec struct {
	ChatJID     string
	GroupFolder string
	Prompt      string
	SessionID   string // continuation handle from the previous run, "" for a fresh conversation

	// OnRecord receives every parsed stream record in arrival order, one
	// call per record. A success record does not end the run: the agent
	// stays alive for further piped input until its stdin closes and it
	// exits.
	OnRecord func(protocol.StreamRecord)

	// OnRegister is called with the live Handle once the container's stdin
	// is ready, and again with nil when the run ends, so the Group Queue
	// can track the process for pipe-ins and forced kills.
	OnRegister func(*Handle)
}

// Result is what a run produced, used by the router to decide whether to
// advance or roll back the per-JID delivery cursor.
type Result struct {
	Status             string // protocol.StatusSuccess or protocol.StatusError
	NewSessionID       string
	Err                error
	HadStreamingOutput bool // at least one record carried a non-empty result payload
}

// Runner owns the Docker client used to spawn agent containers.
type Runner struct {
	docker *client.Client
	cfg    Config
	spawns *rate.Limiter
}

// New creates a Runner using the Docker Engine API client configured from
// the environment (DOCKER_HOST, etc.).
func New(cfg Config) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.SpawnsPerSecond <= 0 {
		cfg.SpawnsPerSecond = DefaultSpawnsPerSecond
	}
	if cfg.SpawnBurst <= 0 {
		cfg.SpawnBurst = 1
	}
	return &Runner{
		docker: cli,
		cfg:    cfg,
		spawns: rate.NewLimiter(cfg.SpawnsPerSecond, cfg.SpawnBurst),
	}, nil
}

// Handle is what a live run exposes back to the Group Queue. Ctx
// cancellation (shutdown signal) and the idle timeout only ever close
// stdin gracefully; Kill is the escalation used once the shutdown grace
// period lapses.
type Handle struct {
	containerName string
	groupFolder   string

	mu          sync.Mutex
	stdinClosed bool
	conn        io.Writer
	closeWrite  func() error
	kill        func()
}

// WriteLine writes one line of text to the container's stdin. It fails
// once stdin has been closed (idle timeout or shutdown), which is how
// queue.SendMessage learns the pipe is gone.
func (h *Handle) WriteLine(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdinClosed {
		return fmt.Errorf("agentrunner: stdin already closed for %s", h.containerName)
	}
	_, err := io.WriteString(h.conn, text+"\n")
	return err
}

// CloseStdin closes the container's stdin exactly once. The agent sees
// EOF, finishes its in-flight work, and exits on its own.
func (h *Handle) CloseStdin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdinClosed {
		return
	}
	h.stdinClosed = true
	if err := h.closeWrite(); err != nil {
		slog.Warn("close container stdin failed", "component", "agentrunner",
			"container", h.containerName, "error", err)
	}
}

// Kill forcibly stops the container with SIGKILL.
func (h *Handle) Kill() { h.kill() }

func (h *Handle) ContainerName() string { return h.containerName }
func (h *Handle) GroupFolder() string   { return h.groupFolder }

// Run starts a container, writes the prompt to its stdin, and surfaces
// StreamRecord lines through spec.OnRecord until the process exits. The
// terminal status is derived from the exit code, reclassified to success
// when any result payload was streamed before an abnormal exit.
// Context cancellation and the idle timeout
// only ever close stdin; the container is never killed except through the
// Handle's explicit Kill.
func (r *Runner) Run(ctx context.Context, spec RunSpec) Result {
	if err := r.spawns.Wait(ctx); err != nil {
		return Result{Status: protocol.StatusError, Err: fmt.Errorf("spawn rate limiter: %w", err)}
	}

	containerName := fmt.Sprintf("clawbridge-run-%s", uuid.NewString())

	env := []string{
		"CLAWBRIDGE_CHAT_JID=" + spec.ChatJID,
		"CLAWBRIDGE_GROUP_FOLDER=" + spec.GroupFolder,
	}
	if spec.SessionID != "" {
		env = append(env, "CLAWBRIDGE_SESSION_ID="+spec.SessionID)
	}
	if r.cfg.AssistantName != "" {
		env = append(env, "CLAWBRIDGE_ASSISTANT_NAME="+r.cfg.AssistantName)
	}

	// The daemon connection can be briefly unavailable (restart, overload);
	// retry creation on transient engine errors, failing fast on permanent
	// ones (missing image, invalid config, name conflict).
	createCtx := retry.WithNotify(ctx, func(attempt, maxAttempts int, err error) {
		slog.Warn("retrying container create", "component", "agentrunner",
			"chat_jid", store.ChatJIDFromContext(ctx), "attempt", attempt, "max_attempts", maxAttempts, "error", err)
	})
	resp, err := retry.Do(createCtx, retry.Defaults(), func() (container.CreateResponse, error) {
		return r.docker.ContainerCreate(ctx, &container.Config{
			Image:        r.cfg.Image,
			Tty:          false,
			OpenStdin:    true,
			StdinOnce:    false,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			Env:          env,
		}, &container.HostConfig{
			Binds:      []string{fmt.Sprintf("%s/%s:/workspace", r.cfg.WorkspaceDir, spec.GroupFolder)},
			AutoRemove: true,
		}, nil, nil, containerName)
	})
	if err != nil {
		return Result{Status: protocol.StatusError, Err: fmt.Errorf("create container: %w", err)}
	}

	attach, err := r.docker.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return Result{Status: protocol.StatusError, Err: fmt.Errorf("attach container: %w", err)}
	}
	defer attach.Close()

	// Wait must be registered before Start so the exit is never missed;
	// the container auto-removes, so waiting on next-exit is the race-free
	// ordering.
	waitCh, waitErrCh := r.docker.ContainerWait(context.Background(), resp.ID, container.WaitConditionNextExit)

	if err := r.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{Status: protocol.StatusError, Err: fmt.Errorf("start container: %w", err)}
	}

	handle := &Handle{
		containerName: containerName,
		groupFolder:   spec.GroupFolder,
		conn:          attach.Conn,
		closeWrite:    attach.CloseWrite,
	}
	var killOnce sync.Once
	handle.kill = func() {
		killOnce.Do(func() {
			// Fresh context: ctx may already be canceled (this is the
			// shutdown grace-period escalation), and a canceled context
			// would make ContainerKill fail before it reaches the daemon.
			killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.docker.ContainerKill(killCtx, resp.ID, "SIGKILL"); err != nil {
				slog.Warn("kill container failed", "component", "agentrunner", "error", err)
			}
		})
	}

	if err := handle.WriteLine(spec.Prompt); err != nil {
		handle.kill()
		return Result{Status: protocol.StatusError, Err: fmt.Errorf("write prompt: %w", err)}
	}

	if spec.OnRegister != nil {
		spec.OnRegister(handle)
		defer spec.OnRegister(nil)
	}

	// The attach stream is stdcopy-multiplexed when Tty is false; split it
	// so stdout lines feed the record parser and stderr is kept for the
	// terminal error report.
	stdoutR, stdoutW := io.Pipe()
	var stderrBuf bytes.Buffer
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, &stderrBuf, attach.Reader)
		stdoutW.CloseWithError(err)
	}()

	st := r.stream(ctx, stdoutR, handle, spec.OnRecord)

	// stdout hit EOF: the process is exiting (or the daemon connection
	// dropped). Collect the exit code to classify the run.
	exitCode, waitErr := awaitExit(waitCh, waitErrCh)

	// Stop is a no-op for an already-exited container; it covers the case
	// where the read side failed while the process lives on. Fresh bounded
	// context: ctx may be canceled by now.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.docker.ContainerStop(stopCtx, resp.ID, container.StopOptions{})

	return classify(st, exitCode, waitErr, stderrBuf.String())
}

func awaitExit(waitCh <-chan container.WaitResponse, errCh <-chan error) (int64, error) {
	select {
	case w := <-waitCh:
		if w.Error != nil {
			return w.StatusCode, errors.New(w.Error.Message)
		}
		return w.StatusCode, nil
	case err := <-errCh:
		return -1, err
	case <-time.After(30 * time.Second):
		return -1, errors.New("timed out waiting for container exit")
	}
}

// streamState is what the read loop accumulated by the time stdout closed.
type streamState struct {
	hadOutput     bool
	lastSessionID string
	lastError     string
}

// stream reads newline-delimited StreamRecord JSON until stdout closes.
// The idle timer is (re)armed on every record; on expiry the only action
// taken is closing stdin, never a kill — the agent drains and exits on its
// own.
func (r *Runner) stream(ctx context.Context, reader io.Reader, handle *Handle, onRecord func(protocol.StreamRecord)) streamState {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				lines <- line
			}
		}
		close(lines)
	}()

	timer := time.NewTimer(r.cfg.IdleTimeout)
	defer timer.Stop()

	var st streamState
	idleFired := false
	doneCh := ctx.Done()

	for {
		select {
		case <-doneCh:
			handle.CloseStdin()
			doneCh = nil // handled once; keep draining without re-triggering this case
			continue

		case <-timer.C:
			// Fires at most once per run; disarmed implicitly on return.
			if !idleFired {
				idleFired = true
				slog.Debug("agent run idle timeout, closing stdin", "component", "agentrunner",
					"container", handle.containerName)
				handle.CloseStdin()
			}

		case line, ok := <-lines:
			if !ok {
				return st
			}
			timer.Reset(r.cfg.IdleTimeout)

			var rec protocol.StreamRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				slog.Warn("malformed stream record, ignoring", "component", "agentrunner", "line", line)
				continue
			}
			if rec.Result != "" {
				st.hadOutput = true
			}
			if rec.NewSessionID != "" {
				st.lastSessionID = rec.NewSessionID
			}
			if rec.Status == protocol.StatusError && rec.Error != "" {
				st.lastError = rec.Error
			}
			if onRecord != nil {
				onRecord(rec)
			}
		}
	}
}

func classify(st streamState, exitCode int64, waitErr error, stderr string) Result {
	res := Result{
		NewSessionID:       st.lastSessionID,
		HadStreamingOutput: st.hadOutput,
	}

	if exitCode == 0 && waitErr == nil {
		res.Status = protocol.StatusSuccess
		return res
	}

	// Non-zero exit (or kill signal): reclassified as success when the
	// agent already delivered a result payload — the abnormal exit is a
	// post-delivery signal (idle kill, OOM after completion), and treating
	// it as success keeps the cursor advanced so the messages are not
	// redelivered on restart.
	if st.hadOutput {
		res.Status = protocol.StatusSuccess
		return res
	}

	res.Status = protocol.StatusError
	switch {
	case waitErr != nil:
		res.Err = fmt.Errorf("agent run failed: %w", waitErr)
	case st.lastError != "":
		res.Err = fmt.Errorf("agent run failed (exit %d): %s", exitCode, st.lastError)
	case strings.TrimSpace(stderr) != "":
		res.Err = fmt.Errorf("agent run failed (exit %d): %s", exitCode, strings.TrimSpace(stderr))
	default:
		res.Err = fmt.Errorf("agent run failed with exit code %d and no output", exitCode)
	}
	return res
}
