package pconfig

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchFile watches path for writes and invokes onChange once per detected
// change, passing the freshly reloaded Config. Most fields (storage
// backend, data dir, vault key) require a restart to take effect safely;
// onChange is responsible for deciding what, if anything, it can apply
// live. WatchFile returns the underlying watcher so the caller can close
// it on shutdown; a no-op path ("" — no --config flag given) returns nil
// and no error.
func WatchFile(path string, logger *slog.Logger, onChange func(*Config)) (*fsnotify.Watcher, error) {
	if path == "" {
		return nil, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config file changed but failed to reload", slog.String("path", path), slog.Any("error", err))
					continue
				}
				logger.Info("config file changed", slog.String("path", path))
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", slog.Any("error", err))
			}
		}
	}()

	return watcher, nil
}
