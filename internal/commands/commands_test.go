package commands

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/clawbridge/clawbridge/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDispatchIgnoresNonCommands(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(openTestStore(t), t.TempDir())

	_, ok, err := r.Dispatch(ctx, "chat-1", "just a regular message")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for non-command content")
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(openTestStore(t), t.TempDir())

	_, ok, err := r.Dispatch(ctx, "chat-1", "/not-a-real-command")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for unrecognized command name")
	}
}

func TestAddGroupRegistersFolder(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)
	r := NewRegistry(db, t.TempDir())

	reply, ok, err := r.Dispatch(ctx, "chat-1", "/add-group team-a")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true for /add-group")
	}
	if reply == "" {
		t.Fatalf("expected a non-empty reply")
	}

	group, err := db.Group(ctx, "chat-1")
	if err != nil {
		t.Fatalf("group lookup: %v", err)
	}
	if group.Folder != "team-a" {
		t.Fatalf("expected folder %q, got %q", "team-a", group.Folder)
	}
}

func TestAddGroupRejectsEscapingFolder(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(openTestStore(t), t.TempDir())

	_, ok, err := r.Dispatch(ctx, "chat-1", "/add-group ../../etc")
	if !ok {
		t.Fatalf("expected ok=true once the command name matches, even on a rejected folder")
	}
	if err == nil {
		t.Fatalf("expected an error for a folder that escapes the workspace root")
	}
}

func TestAddGroupRequiresFolderArg(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(openTestStore(t), t.TempDir())

	_, ok, err := r.Dispatch(ctx, "chat-1", "/add-group")
	if !ok {
		t.Fatalf("expected ok=true once the command name matches, even on argument error")
	}
	if err == nil {
		t.Fatalf("expected an error for missing folder argument")
	}
}

func TestListTasksFiltersByGroupFolder(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)
	r := NewRegistry(db, t.TempDir())

	if err := db.RegisterGroup(ctx, store.RegisteredGroup{ChatJID: "chat-1", Folder: "plants"}); err != nil {
		t.Fatalf("register group: %v", err)
	}
	if err := db.CreateTask(ctx, store.Task{ID: "t1", GroupFolder: "plants", Kind: "interval", Schedule: "24h", Prompt: "water plants"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := db.CreateTask(ctx, store.Task{ID: "t2", GroupFolder: "elsewhere", Kind: "interval", Schedule: "24h", Prompt: "other chat's task"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	reply, ok, err := r.Dispatch(ctx, "chat-1", "/tasks")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true for /tasks")
	}
	if !contains(reply, "water plants") {
		t.Fatalf("expected reply to mention chat-1's task, got %q", reply)
	}
	if contains(reply, "other chat's task") {
		t.Fatalf("expected reply not to leak another folder's task, got %q", reply)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
