package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// DefaultDebounce coalesces the burst of events editors produce on save.
const DefaultDebounce = 100 * time.Millisecond

// Watch re-reads the seed file at path whenever it is written and passes the
// decoded data to onChange. Undecodable writes are logged and skipped. It
// blocks until ctx is done.
//
// The parent directory is watched rather than the file so that editors which
// replace the file by rename are still seen.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, onChange func(types.SnapshotData)) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	fs := afero.NewOsFs()
	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C
	pending := false

	for {
		select {
		case <-ctx.Done():
			debounceTimer.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			debounceTimer.Reset(debounce)

		case <-debounceTimer.C:
			if !pending {
				continue
			}
			pending = false
			data, err := ReadFile(fs, target)
			if err != nil {
				logger.Warn("Seed file not imported", "path", target, "error", err)
				continue
			}
			logger.Info("Seed file changed", "path", target,
				"sessions", len(data.Sessions), "timers", len(data.Timers), "records", len(data.Records))
			onChange(data)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Seed watcher error", "error", err)
		}
	}
}
