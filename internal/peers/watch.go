package peers

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
)

// Watch reloads the topology from path whenever the file changes and applies
// it to r. It watches the parent directory so editors that replace the file
// are picked up. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, r *Resolver, logger pslog.Logger) error {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("peers: resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("peers: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("peers: watch %s: %w", filepath.Dir(abs), err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			topo, err := LoadFile(abs)
			if err != nil {
				logger.Warn("peers.reload.error", "path", abs, "error", err)
				continue
			}
			if err := r.Update(topo); err != nil {
				logger.Warn("peers.reload.rejected", "path", abs, "error", err)
				continue
			}
			logger.Info("peers.reload.applied", "path", abs, "peers", len(topo.Peers))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("peers.watch.error", "error", err)
		}
	}
}
