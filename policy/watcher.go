package policy

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDefault is the debounce interval for file events. Editors tend to
// emit several write events per save; only the settled file is parsed.
const debounceDefault = 200 * time.Millisecond

// Watcher reloads a capability policy file when it changes on disk.
// A long-running executor uses this so an operator can tighten the policy
// without restarting the service.
type Watcher struct {
	path     string
	handler  func(CapabilityPolicy)
	onError  func(error)
	debounce time.Duration
}

// NewWatcher creates a watcher for the policy file at path.
// handler is called with each successfully parsed policy; onError (optional)
// is called when a changed file fails to parse. A file that fails to parse
// never replaces the running policy.
func NewWatcher(path string, handler func(CapabilityPolicy), onError func(error)) *Watcher {
	return &Watcher{
		path:     path,
		handler:  handler,
		onError:  onError,
		debounce: debounceDefault,
	}
}

// Run watches the policy file until ctx is cancelled.
// The parent directory is watched rather than the file itself so
// rename-and-replace saves (the common editor pattern) are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	arm := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			select {
			case pending <- struct{}{}:
			default:
			}
		})
	}

	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			arm()
		case <-pending:
			p, err := LoadCapabilityPolicy(w.path)
			if err != nil {
				if w.onError != nil {
					w.onError(err)
				}
				continue
			}
			w.handler(p)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}
