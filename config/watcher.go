package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/worklens/trackengine/logger"
)

// Watcher reloads the config file when it changes on disk and hands the
// parsed result to a callback. The engine applies reloaded tunables (capture
// interval, cadences) between ticks; connection-level settings require a
// restart and are ignored on reload.
type Watcher struct {
	path    string
	log     logger.Logger
	watcher *fsnotify.Watcher
	onLoad  func(*Config)
	done    chan struct{}
}

// Watch starts watching path and invokes onLoad with each successfully
// parsed config. Parse failures are logged and the previous config stays in
// effect. Close must be called to release the underlying watcher.
func Watch(path string, log logger.Logger, onLoad func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory, not the file: editors and config writers often
	// replace the file atomically, which drops a file-level watch.
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:    path,
		log:     log,
		watcher: fsw,
		onLoad:  onLoad,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", logger.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("config reload failed", logger.String("path", w.path), logger.Error(err))
		return
	}

	cfg, err := parse(data)
	if err != nil {
		w.log.Warn("config reload rejected", logger.String("path", w.path), logger.Error(err))
		return
	}

	w.log.Info("config reloaded", logger.String("path", w.path))
	w.onLoad(cfg)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
