package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc receives the freshly loaded configuration after the file on
// disk changes.
type ReloadFunc func(*Config)

// Watcher reloads the config file when it changes on disk. Editors often
// replace files via rename, so the parent directory is watched rather than
// the file itself.
type Watcher struct {
	mu        sync.Mutex
	logger    *zap.Logger
	path      string
	callbacks []ReloadFunc

	fw     *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		logger: logger,
		path:   filepath.Clean(path),
		fw:     fw,
		stopCh: make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fw.Close()
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()

	// Writes arrive in bursts; debounce before reloading.
	var pending <-chan time.Time
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("configuration reloaded", zap.String("path", w.path))

	w.mu.Lock()
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}
