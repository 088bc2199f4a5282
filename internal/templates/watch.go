package templates

import (
	"context"
	"fmt"
	"time"

	"fleet-compiler/pkg/registry"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the store when a template file in dir changes. Bursts of
// events within debounce collapse into one reload. onReload, if set, is
// called with the outcome of every reload. The watcher stops with ctx.
func (s *Store) Watch(ctx context.Context, dir string, debounce time.Duration, onReload func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	s.logger.Info("watching templates for changes", map[string]interface{}{"directory": dir})

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !registry.IsTemplateFile(event.Name) || event.Op == fsnotify.Chmod {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C

			case <-fire:
				fire = nil
				err := s.Reload()
				if err != nil {
					s.logger.Error("template reload failed, keeping previous set", map[string]interface{}{"error": err.Error()})
				}
				if onReload != nil {
					onReload(err)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("template watch error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()

	return nil
}
