package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/porter/pkg/async"
	"github.com/platinummonkey/porter/pkg/observability"
)

// watchSettle coalesces the burst of events an editor or a ConfigMap swap produces
const watchSettle = 250 * time.Millisecond

// WatchFile calls onChange each time the file at path is written, created or renamed
// into place, until ctx is done. The parent directory is watched so atomic replacements
// are seen. A failing onChange is logged and the watch continues.
func WatchFile(ctx context.Context, path string, logger *observability.Logger, onChange func() error) error {
	if logger == nil {
		logger = observability.NopLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	log := logger.WithField("path", abs)
	async.Go(ctx, logger, "watch "+abs, func(ctx context.Context) error {
		defer watcher.Close()

		var settle <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					settle = time.After(watchSettle)
				}
			case <-settle:
				settle = nil
				if err := onChange(); err != nil {
					log.WithError(err).Error("failed to reload watched file")
					continue
				}
				log.Info("reloaded watched file")
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.WithError(err).Warn("watcher error")
			}
		}
	})
	return nil
}
