package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// Watch reloads the settings file when it is edited externally. Events are
// debounced by the base reload interval. onReload runs after every reload
// that changed the in-memory settings. Watch blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// editors replace the file, so watch the directory
	if err := watcher.Add(m.GetConfigDir()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", m.GetConfigDir(), err)
	}

	log := logger.WithComponent("config")
	target := filepath.Clean(m.configPath)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			delay := m.Base().ReloadInterval()
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				timer.Reset(delay)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			changed, err := m.Reload()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to reload settings")
				continue
			}
			if changed && onReload != nil {
				onReload(m.Get())
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Settings watcher error")
		}
	}
}
