package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"Droidfleet/pkg/types"
)

const (
	inboxDebounce   = 300 * time.Millisecond
	processedSubdir = "processed"
)

// scriptQueuer is the part of the app the inbox feeds
type scriptQueuer interface {
	QueueScript(scriptCode string, profileID int, timeout time.Duration) (*types.DirectScriptTask, error)
}

// ScriptInbox watches a directory for dropped scripts. A file named
// <profileId>.js or <profileId>_<label>.js is queued for that profile and
// then moved to processed/.
type ScriptInbox struct {
	dir    string
	queuer scriptQueuer

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	pending map[string]*time.Timer
}

// NewScriptInbox creates an inbox watcher for dir
func NewScriptInbox(dir string, queuer scriptQueuer) *ScriptInbox {
	return &ScriptInbox{
		dir:     dir,
		queuer:  queuer,
		pending: make(map[string]*time.Timer),
	}
}

// parseInboxName extracts the profile id from an inbox file name
func parseInboxName(name string) (int, error) {
	if !strings.HasSuffix(name, ".js") {
		return 0, errors.New("not a .js file")
	}
	stem := strings.TrimSuffix(name, ".js")
	idPart, _, _ := strings.Cut(stem, "_")
	id, err := strconv.Atoi(idPart)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("file name must start with a profile id: %s", name)
	}
	return id, nil
}

// Start creates the directories, queues scripts already waiting and begins watching
func (w *ScriptInbox) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Join(w.dir, processedSubdir), 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher
	w.stopCh = make(chan struct{})

	entries, err := os.ReadDir(w.dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".js") {
				w.scheduleLocked(filepath.Join(w.dir, e.Name()))
			}
		}
	}

	LogInfo("script_inbox").Str("path", w.dir).Msg("Started watching script inbox")

	go w.watch(watcher, w.stopCh)
	return nil
}

// Stop stops watching; scripts already queued keep running
func (w *ScriptInbox) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	w.watcher = nil
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	LogInfo("script_inbox").Msg("Stopped watching script inbox")
}

func (w *ScriptInbox) watch(watcher *fsnotify.Watcher, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".js") {
				continue
			}
			// editors write in several steps, wait for the file to settle
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.mu.Lock()
				if w.watcher != nil {
					w.scheduleLocked(event.Name)
				}
				w.mu.Unlock()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			LogError("script_inbox").Err(err).Msg("Watcher error")
		}
	}
}

// scheduleLocked (re)arms the debounce timer of path; caller holds mu
func (w *ScriptInbox) scheduleLocked(path string) {
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(inboxDebounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		active := w.watcher != nil
		w.mu.Unlock()
		if active {
			w.process(path)
		}
	})
}

// process queues one inbox file and moves it out of the way
func (w *ScriptInbox) process(path string) {
	defer func() {
		if r := recover(); r != nil {
			LogPanic("script_inbox", r, string(debug.Stack()))
		}
	}()

	name := filepath.Base(path)
	profileID, err := parseInboxName(name)
	if err != nil {
		LogWarn("script_inbox").Str("file", name).Err(err).Msg("Ignoring inbox file")
		return
	}

	code, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			LogError("script_inbox").Str("file", name).Err(err).Msg("Failed to read inbox file")
		}
		return
	}

	task, err := w.queuer.QueueScript(string(code), profileID, 0)
	if err != nil {
		LogError("script_inbox").Str("file", name).Int("profileId", profileID).Err(err).Msg("Failed to queue inbox script")
		return
	}

	dest := filepath.Join(w.dir, processedSubdir, fmt.Sprintf("%s_%s", task.ID, name))
	if err := os.Rename(path, dest); err != nil {
		LogError("script_inbox").Str("file", name).Err(err).Msg("Failed to move inbox file")
		return
	}

	LogInfo("script_inbox").
		Str("file", name).
		Str("taskId", task.ID).
		Int("profileId", profileID).
		Msg("Queued script from inbox")
}
