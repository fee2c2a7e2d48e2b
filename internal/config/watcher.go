package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch starts an fsnotify-based watcher on the config file and reloads on
// change. Editors often replace the file (rename + create), so rename and
// create events are treated like writes. Events are debounced because a
// single save can emit several.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(250*time.Millisecond, func() {
						_, _ = l.Reload()
						// Re-add after rename; the old watch follows the
						// deleted inode.
						_ = watcher.Add(l.path)
					})
				}
			case <-watcher.Errors:
				// Ignore watcher errors; an explicit Reload can still pick
				// up changes.
			}
		}
	}()

	return nil
}
