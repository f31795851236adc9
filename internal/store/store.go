// Package store persists the bridge's message log, chat metadata,
// registered groups, sessions, scheduled tasks, and router cursors in a
// single sqlite database, accessed through sqlx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	chat_jid        TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	sender_name     TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL,
	timestamp       INTEGER NOT NULL,
	is_from_me      INTEGER NOT NULL DEFAULT 0,
	is_bot_message  INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_timestamp ON messages(chat_jid, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

CREATE TABLE IF NOT EXISTS chats (
	jid                TEXT PRIMARY KEY,
	name               TEXT NOT NULL DEFAULT '',
	last_message_time  INTEGER NOT NULL DEFAULT 0,
	is_group           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS registered_groups (
	chat_jid        TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	folder          TEXT NOT NULL,
	require_trigger INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_registered_groups_folder ON registered_groups(folder);

CREATE TABLE IF NOT EXISTS sessions (
	chat_jid    TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	group_folder  TEXT NOT NULL,
	kind          TEXT NOT NULL,      -- 'cron' | 'interval' | 'one_shot'
	schedule      TEXT NOT NULL,      -- cron expr, duration string, or RFC3339 time
	prompt        TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'active',  -- 'active' | 'done'
	next_run      INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(status, next_run);

CREATE TABLE IF NOT EXISTS router_cursors (
	id                    INTEGER PRIMARY KEY CHECK (id = 1),
	last_timestamp        INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO router_cursors (id, last_timestamp) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS group_cursors (
	chat_jid              TEXT PRIMARY KEY,
	last_agent_timestamp  INTEGER NOT NULL DEFAULT 0
);
`

// Message is a single chat message as logged to the append-only message
// store. Bot-authored rows carry IsBotMessage and are never treated as
// pending work for an agent.
type Message struct {
	ID           string `db:"id"`
	ChatJID      string `db:"chat_jid"`
	SenderID     string `db:"sender_id"`
	SenderName   string `db:"sender_name"`
	Content      string `db:"content"`
	Timestamp    int64  `db:"timestamp"`
	IsFromMe     bool   `db:"is_from_me"`
	IsBotMessage bool   `db:"is_bot_message"`
	CreatedAt    int64  `db:"created_at"`
}

// Chat is per-chat metadata, upserted on every inbound event.
type Chat struct {
	JID             string `db:"jid"`
	Name            string `db:"name"`
	LastMessageTime int64  `db:"last_message_time"`
	IsGroup         bool   `db:"is_group"`
}

// RegisteredGroup is a chat JID the bridge has been told to bridge into an
// agent workspace folder.
type RegisteredGroup struct {
	ChatJID        string `db:"chat_jid"`
	Name           string `db:"name"`
	Folder         string `db:"folder"`
	RequireTrigger bool   `db:"require_trigger"`
	CreatedAt      int64  `db:"created_at"`
}

// Session tracks the last agent-reported session id for a chat, so the
// next run in that chat can resume the same conversation.
type Session struct {
	ChatJID   string `db:"chat_jid"`
	SessionID string `db:"session_id"`
	UpdatedAt int64  `db:"updated_at"`
}

// Task statuses. A one-shot task moves to done once dispatched; repeating
// tasks stay active until removed.
const (
	TaskStatusActive = "active"
	TaskStatusDone   = "done"
)

// Task is a scheduled prompt to synthesize into a group's chat at a
// computed time. Tasks are keyed by workspace folder, not chat JID: the
// scheduler resolves the folder back to whatever JID is currently
// registered for it at dispatch time.
type Task struct {
	ID          string `db:"id"`
	GroupFolder string `db:"group_folder"`
	Kind        string `db:"kind"`
	Schedule    string `db:"schedule"`
	Prompt      string `db:"prompt"`
	Status      string `db:"status"`
	NextRun     int64  `db:"next_run"`
	CreatedAt   int64  `db:"created_at"`
}

// Store wraps the sqlite connection and exposes the queries every other
// package needs.
type Store struct {
	db *sqlx.DB
}

// Open creates (if needed) and opens the sqlite database at path, applying
// the schema idempotently.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: serialize writers, matching modernc.org/sqlite's single-writer model
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// AppendMessage inserts a message into the append-only log. Re-inserting an
// id that already exists is a no-op (idempotent ingestion from channel
// adapters that may redeliver).
func (s *Store) AppendMessage(ctx context.Context, m Message) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO messages (id, chat_jid, sender_id, sender_name, content, timestamp, is_from_me, is_bot_message, created_at)
		VALUES (:id, :chat_jid, :sender_id, :sender_name, :content, :timestamp, :is_from_me, :is_bot_message, :created_at)
		ON CONFLICT (id) DO NOTHING`, m)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// UpsertChat records or refreshes chat metadata. Called on every inbound
// event; last_message_time only ever moves forward.
func (s *Store) UpsertChat(ctx context.Context, c Chat) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO chats (jid, name, last_message_time, is_group)
		VALUES (:jid, :name, :last_message_time, :is_group)
		ON CONFLICT (jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_message_time = MAX(excluded.last_message_time, chats.last_message_time),
			is_group = excluded.is_group`, c)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// ListChats returns every chat the bridge has seen, newest activity first.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	if err := s.db.SelectContext(ctx, &chats, `SELECT * FROM chats ORDER BY last_message_time DESC`); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// NewMessages returns all messages with timestamp > since belonging to a
// registered group, excluding bot-authored rows — the Router's
// observation-cursor sweep. Ordered by timestamp ascending, ties broken by
// insertion order.
func (s *Store) NewMessages(ctx context.Context, since int64) ([]Message, error) {
	var msgs []Message
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT m.id, m.chat_jid, m.sender_id, m.sender_name, m.content, m.timestamp, m.is_from_me, m.is_bot_message, m.created_at
		FROM messages m
		JOIN registered_groups g ON g.chat_jid = m.chat_jid
		WHERE m.timestamp > ? AND m.is_bot_message = 0
		ORDER BY m.timestamp ASC, m.rowid ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("new messages: %w", err)
	}
	return msgs, nil
}

// MessagesForChatSince returns non-bot messages for a single chat newer
// than since, used to build the prompt for a pending agent run (and for
// startup recovery, where since is the per-JID delivery cursor rather than
// the global observation cursor).
func (s *Store) MessagesForChatSince(ctx context.Context, chatJID string, since int64) ([]Message, error) {
	var msgs []Message
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT id, chat_jid, sender_id, sender_name, content, timestamp, is_from_me, is_bot_message, created_at
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND is_bot_message = 0
		ORDER BY timestamp ASC, rowid ASC`, chatJID, since)
	if err != nil {
		return nil, fmt.Errorf("messages for chat since: %w", err)
	}
	return msgs, nil
}

// GlobalCursor returns the router's global observation cursor: the
// highest message timestamp the poll loop has seen across all chats.
func (s *Store) GlobalCursor(ctx context.Context) (int64, error) {
	var ts int64
	err := s.db.GetContext(ctx, &ts, `SELECT last_timestamp FROM router_cursors WHERE id = 1`)
	if err != nil {
		return 0, fmt.Errorf("global cursor: %w", err)
	}
	return ts, nil
}

// AdvanceGlobalCursor moves the observation cursor forward to ts, never
// backward (the router only ever advances it monotonically).
func (s *Store) AdvanceGlobalCursor(ctx context.Context, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE router_cursors SET last_timestamp = MAX(last_timestamp, ?) WHERE id = 1`, ts)
	if err != nil {
		return fmt.Errorf("advance global cursor: %w", err)
	}
	return nil
}

// GroupCursor returns the per-JID delivery cursor (last_agent_timestamp),
// defaulting to 0 when the JID has never been claimed before.
func (s *Store) GroupCursor(ctx context.Context, chatJID string) (int64, error) {
	var ts int64
	err := s.db.GetContext(ctx, &ts, `SELECT last_agent_timestamp FROM group_cursors WHERE chat_jid = ?`, chatJID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("group cursor: %w", err)
	}
	return ts, nil
}

// ClaimGroupCursor advances the per-JID delivery cursor before work
// starts, so a crash mid-run never redelivers a message the agent already
// saw.
func (s *Store) ClaimGroupCursor(ctx context.Context, chatJID string, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_cursors (chat_jid, last_agent_timestamp) VALUES (?, ?)
		ON CONFLICT (chat_jid) DO UPDATE SET last_agent_timestamp = MAX(excluded.last_agent_timestamp, group_cursors.last_agent_timestamp)`,
		chatJID, ts)
	if err != nil {
		return fmt.Errorf("claim group cursor: %w", err)
	}
	return nil
}

// RollbackGroupCursor resets the per-JID delivery cursor to ts. Used on
// the single rollback path — a terminal agent failure with no streamed
// output — so the unconsumed messages are redelivered on the next poll
// instead of being silently dropped.
func (s *Store) RollbackGroupCursor(ctx context.Context, chatJID string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_cursors SET last_agent_timestamp = ? WHERE chat_jid = ?`, ts, chatJID)
	if err != nil {
		return fmt.Errorf("rollback group cursor: %w", err)
	}
	return nil
}

// RegisterGroup upserts a registered group's workspace folder mapping.
func (s *Store) RegisterGroup(ctx context.Context, g RegisteredGroup) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO registered_groups (chat_jid, name, folder, require_trigger, created_at)
		VALUES (:chat_jid, :name, :folder, :require_trigger, :created_at)
		ON CONFLICT (chat_jid) DO UPDATE SET name = excluded.name, folder = excluded.folder, require_trigger = excluded.require_trigger`, g)
	if err != nil {
		return fmt.Errorf("register group: %w", err)
	}
	return nil
}

// Group looks up a registered group by JID.
func (s *Store) Group(ctx context.Context, chatJID string) (RegisteredGroup, error) {
	var g RegisteredGroup
	err := s.db.GetContext(ctx, &g, `SELECT * FROM registered_groups WHERE chat_jid = ?`, chatJID)
	if errors.Is(err, sql.ErrNoRows) {
		return RegisteredGroup{}, ErrNotFound
	}
	if err != nil {
		return RegisteredGroup{}, fmt.Errorf("group: %w", err)
	}
	return g, nil
}

// GroupByFolder reverse-looks-up a registered group by its workspace
// folder. The scheduler uses this to resolve a task's target JID at
// dispatch time.
func (s *Store) GroupByFolder(ctx context.Context, folder string) (RegisteredGroup, error) {
	var g RegisteredGroup
	err := s.db.GetContext(ctx, &g, `SELECT * FROM registered_groups WHERE folder = ?`, folder)
	if errors.Is(err, sql.ErrNoRows) {
		return RegisteredGroup{}, ErrNotFound
	}
	if err != nil {
		return RegisteredGroup{}, fmt.Errorf("group by folder: %w", err)
	}
	return g, nil
}

// ListGroups returns every registered group.
func (s *Store) ListGroups(ctx context.Context) ([]RegisteredGroup, error) {
	var groups []RegisteredGroup
	if err := s.db.SelectContext(ctx, &groups, `SELECT * FROM registered_groups ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// SaveSession upserts the agent's reported session id for a chat.
func (s *Store) SaveSession(ctx context.Context, chatJID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (chat_jid, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (chat_jid) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		chatJID, sessionID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Session returns the last known session id for a chat, or "" if none.
func (s *Store) Session(ctx context.Context, chatJID string) (string, error) {
	var sessionID string
	err := s.db.GetContext(ctx, &sessionID, `SELECT session_id FROM sessions WHERE chat_jid = ?`, chatJID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: %w", err)
	}
	return sessionID, nil
}

// CreateTask persists a new scheduled task.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	if t.Status == "" {
		t.Status = TaskStatusActive
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tasks (id, group_folder, kind, schedule, prompt, status, next_run, created_at)
		VALUES (:id, :group_folder, :kind, :schedule, :prompt, :status, :next_run, :created_at)`, t)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// DueTasks returns active tasks whose next_run is at or before now.
func (s *Store) DueTasks(ctx context.Context, now int64) ([]Task, error) {
	var tasks []Task
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE status = ? AND next_run <= ? ORDER BY next_run`, TaskStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	return tasks, nil
}

// ListTasks returns every scheduled task, for the `task list` CLI command
// and the workspace snapshot writer.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if err := s.db.SelectContext(ctx, &tasks, `SELECT * FROM tasks ORDER BY next_run`); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// AdvanceTask persists a task's next_run before it is dispatched; this
// ordering keeps a one-shot task from firing twice if the process crashes
// between computing the next run and enqueueing the prompt. A one-shot
// task is marked done instead of rescheduled.
func (s *Store) AdvanceTask(ctx context.Context, id, kind string, nextRun int64) error {
	if kind == "one_shot" {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, TaskStatusDone, id)
		if err != nil {
			return fmt.Errorf("finish one-shot task: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET next_run = ? WHERE id = ?`, nextRun, id)
	if err != nil {
		return fmt.Errorf("advance task: %w", err)
	}
	return nil
}
