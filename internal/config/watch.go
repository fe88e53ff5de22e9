package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchForChanges watches path and logs a warning if it changes while
// the process is running. There is no hot reload; a run pins its spec at
// start, so this exists only to make an operator aware that a restart is
// needed. The returned stop function closes the watcher; callers should
// defer it.
func WatchForChanges(path string, logger *slog.Logger) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return func() {}, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return func() {}, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Rename) != 0 {
					logger.Warn("config file changed on disk; restart required to apply it",
						"path", path, "op", event.Op.String())
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", werr)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
