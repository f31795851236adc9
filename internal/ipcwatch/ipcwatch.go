// Package ipcwatch watches per-group drop directories on disk and
// forwards newly created files into the bridge as commands, for tooling
// that would rather write a file than call a chat API.
package ipcwatch

import (
	"context"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// CommandFunc is invoked with the chat JID a drop-directory belongs to and
// the content of a newly created file in it.
type CommandFunc func(ctx context.Context, chatJID, content string)

// Watcher watches a root directory containing one subdirectory per
// registered group (named after the group's folder) for newly created
// files, each treated as one command.
type Watcher struct {
	root    string
	handler CommandFunc
	fsw     *fsnotify.Watcher
}

func New(root string, handler CommandFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{root: root, handler: handler, fsw: fsw}, nil
}

// Watch adds chatJID's drop directory (root/folder) to the watch set.
func (w *Watcher) Watch(chatJID, folder string) error {
	dir := w.root + "/" + folder
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return w.fsw.Add(dir)
}

// Run processes filesystem events until ctx is canceled.
func (w *Watcher) Run(ctx context.Context, jidForDir func(dir string) string) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == 0 {
				continue
			}
			data, err := os.ReadFile(ev.Name)
			if err != nil {
				slog.Warn("ipcwatch: read dropped file failed", "component", "ipcwatch", "path", ev.Name, "error", err)
				continue
			}
			jid := jidForDir(dirOf(ev.Name))
			if jid == "" {
				continue
			}
			w.handler(ctx, jid, string(data))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("ipcwatch error", "component", "ipcwatch", "error", err)
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return path
}
