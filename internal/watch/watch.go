// Package watch triggers dispatch runs when files land in pending folders.
//
// It watches each eligible origin's pending directory and coalesces the
// burst of events a file drop produces into a single debounced trigger.
// Origin folders created after startup are not picked up; restart the
// watcher (or rely on the cron schedule) for those.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"mailout/internal/config"
)

// Pending blocks watching the pending folders under root until ctx is
// done. trigger is called from the watch goroutine after each debounced
// batch of events; it should hand off quickly.
func Pending(ctx context.Context, root string, folders config.Folders, origins []string, debounce time.Duration, trigger func(), log zerolog.Logger) error {
	dirs, err := pendingDirs(root, folders, origins)
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		return fmt.Errorf("watch: no eligible origin folders under %s", root)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Close()

	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			return fmt.Errorf("watch: add %s: %w", d, err)
		}
		log.Debug().Str("dir", d).Msg("watching pending folder")
	}

	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watch: event channel closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(debounce)
			armed = true

		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watch: error channel closed")
			}
			log.Warn().Err(err).Msg("filesystem watch error")

		case <-timer.C:
			armed = false
			log.Info().Msg("pending folder activity settled, triggering dispatch")
			trigger()
		}
	}
}

func pendingDirs(root string, folders config.Folders, origins []string) ([]string, error) {
	var filter map[string]bool
	if len(origins) > 0 {
		filter = make(map[string]bool, len(origins))
		for _, o := range origins {
			filter[o] = true
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("watch: read root: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if filter != nil && !filter[e.Name()] {
			continue
		}
		pending := filepath.Join(root, e.Name(), folders.Pending)
		if fi, err := os.Stat(pending); err != nil || !fi.IsDir() {
			continue
		}
		dirs = append(dirs, pending)
	}
	return dirs, nil
}
