package authstate

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// DefaultSettle is how long the working directory must be quiet before a
// burst of writes is reported as one change.
const DefaultSettle = 2 * time.Second

// Watcher reports credential changes in the working directory. whatsmeow
// persists key rotations straight to its store without telling us, so
// filesystem writes are the only reliable "credentials changed" signal.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	log       logr.Logger
	settle    time.Duration
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, settle time.Duration, log logr.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(dir)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	if err := fsw.Add(absPath); err != nil {
		fsw.Close()
		return nil, err
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		fsWatcher: fsw,
		log:       log.WithName("auth-watcher"),
		settle:    settle,
	}, nil
}

// Run calls onChange once per settled burst of create/write events until
// ctx is done. It closes the underlying watcher on return.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context)) {
	defer w.fsWatcher.Close()

	timer := time.NewTimer(w.settle)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only process create/write events
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if ignoredFile(filepath.Base(event.Name)) {
				continue
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.settle)
			pending = true

		case <-timer.C:
			pending = false
			onChange(ctx)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Error(err, "file watcher error")
		}
	}
}

// ignoredFile skips SQLite shared-memory churn and hidden temp files.
func ignoredFile(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "-shm") || strings.HasSuffix(name, "-journal")
}
