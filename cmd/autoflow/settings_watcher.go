package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const settingsDebounce = 200 * time.Millisecond

// watchSettings signals on the returned channel when settings.json in dir
// changes. The directory is watched rather than the file so editors that
// replace the file on save are still seen. Bursts of events within debounce
// collapse into one signal.
func watchSettings(ctx context.Context, dir string, debounce time.Duration, logger *slog.Logger) (<-chan struct{}, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create settings watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Base(settingsPath(dir))
	out := make(chan struct{}, 1)
	go func() {
		defer fsw.Close()
		timer := time.NewTimer(debounce)
		if !timer.Stop() {
			<-timer.C
		}
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				timer.Reset(debounce)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Warn("settings watcher", slog.String("error", err.Error()))
			case <-timer.C:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
