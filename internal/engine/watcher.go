package engine

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// fileWatcher reloads the coordinator when another process commits to the same file.
type fileWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func (c *coordinator) ensureWatcher() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	fw := &fileWatcher{watcher: watcher, done: make(chan struct{})}
	go fw.run(c)
	c.watcher = fw
	return nil
}

func (w *fileWatcher) run(c *coordinator) {
	defer close(w.done)
	base := filepath.Base(c.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			reloaded, err := c.reloadIfStale()
			if err != nil {
				c.logger.Warn("external commit reload failed", zap.String("path", c.path), zap.Error(err))
				continue
			}
			if reloaded {
				c.logger.Debug("external commit observed", zap.String("path", c.path))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("file watcher error", zap.String("path", c.path), zap.Error(err))
		}
	}
}

func (w *fileWatcher) stop() {
	_ = w.watcher.Close()
	<-w.done
}
