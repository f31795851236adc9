// Package bootstrap writes workspace snapshot files: before each agent
// run, tasks.json and groups.json are (re)written into the chat's
// workspace folder so the containerized agent can read its own scheduled
// tasks and the visible chat roster without a network call back into the
// bridge.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clawbridge/clawbridge/internal/store"
)

const (
	TasksFile  = "tasks.json"
	GroupsFile = "groups.json"
)

// TaskSnapshot is one entry of tasks.json.
type TaskSnapshot struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"groupFolder"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	Status        string `json:"status"`
	NextRun       int64  `json:"next_run"`
}

// GroupSnapshot is one entry of groups.json: every chat the bridge has
// seen, flagged with whether it is currently registered.
type GroupSnapshot struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	LastActivity int64  `json:"lastActivity"`
	IsRegistered bool   `json:"isRegistered"`
}

// WriteSnapshots (re)writes tasks.json and groups.json into workspaceDir.
// tasks.json is scoped to the tasks belonging to groupFolder, unless
// isMain is set, in which case the main group's agent sees every group's
// tasks. groups.json always lists every known chat.
func WriteSnapshots(ctx context.Context, db *store.Store, workspaceDir, groupFolder string, isMain bool) error {
	if err := writeTasksSnapshot(ctx, db, workspaceDir, groupFolder, isMain); err != nil {
		return err
	}
	return writeGroupsSnapshot(ctx, db, workspaceDir)
}

func writeTasksSnapshot(ctx context.Context, db *store.Store, workspaceDir, groupFolder string, isMain bool) error {
	all, err := db.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks for snapshot: %w", err)
	}

	snaps := make([]TaskSnapshot, 0, len(all))
	for _, t := range all {
		if !isMain && t.GroupFolder != groupFolder {
			continue
		}
		snaps = append(snaps, TaskSnapshot{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  t.Kind,
			ScheduleValue: t.Schedule,
			Status:        t.Status,
			NextRun:       t.NextRun,
		})
	}
	return writeJSON(filepath.Join(workspaceDir, TasksFile), snaps)
}

func writeGroupsSnapshot(ctx context.Context, db *store.Store, workspaceDir string) error {
	chats, err := db.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("list chats for snapshot: %w", err)
	}
	groups, err := db.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups for snapshot: %w", err)
	}

	registered := make(map[string]store.RegisteredGroup, len(groups))
	for _, g := range groups {
		registered[g.ChatJID] = g
	}

	snaps := make([]GroupSnapshot, 0, len(chats))
	seen := make(map[string]bool, len(chats))
	for _, c := range chats {
		_, isReg := registered[c.JID]
		snaps = append(snaps, GroupSnapshot{
			JID:          c.JID,
			Name:         c.Name,
			LastActivity: c.LastMessageTime,
			IsRegistered: isReg,
		})
		seen[c.JID] = true
	}
	// Registered groups the bridge has not seen a message from yet still
	// belong in the roster.
	for _, g := range groups {
		if !seen[g.ChatJID] {
			snaps = append(snaps, GroupSnapshot{JID: g.ChatJID, Name: g.Name, IsRegistered: true})
		}
	}
	return writeJSON(filepath.Join(workspaceDir, GroupsFile), snaps)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
