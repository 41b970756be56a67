package serial

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is how often WaitForDevice re-checks the device path
// when no filesystem notification arrives.
const DefaultPollInterval = time.Second

// Exists reports whether the device node at path is present. Symlinks such
// as /dev/serial/by-id entries are followed, so a dangling link is absent.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WaitForDevice blocks until path exists or ctx is done.
//
// The parent directory is watched with inotify so a hotplugged device is
// seen as soon as udev creates the node. Polling every pollInterval runs
// alongside the watch and covers directories that do not exist yet (for
// example /dev/serial/by-id before the first USB serial device appears).
func WaitForDevice(ctx context.Context, path string, pollInterval time.Duration) error {
	if Exists(path) {
		return nil
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	// The node may have appeared between the first check and the watch.
	if Exists(path) {
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Has(fsnotify.Create) && Exists(path) {
				return nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-ticker.C:
			if Exists(path) {
				return nil
			}
		}
	}
}
