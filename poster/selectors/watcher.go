package selectors

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
)

// Watcher reloads a FileSource when its file changes on disk.
type Watcher struct {
	source         *FileSource
	watcher        *fsnotify.Watcher
	log            *zap.SugaredLogger
	mu             sync.Mutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	onReload       func(version string, err error)
	done           chan struct{}
}

// NewWatcher watches the directory holding source's file. Editors often
// replace files by rename, so the directory is watched rather than the file.
func NewWatcher(source *FileSource, log *zap.SugaredLogger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	dir := filepath.Dir(source.Path())
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "failed to watch selector directory %s", dir)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Watcher{
		source:         source,
		watcher:        w,
		log:            log,
		debouncePeriod: 300 * time.Millisecond,
		done:           make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked after every reload attempt
func (w *Watcher) OnReload(fn func(version string, err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Start begins watching
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop stops watching
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	<-w.done
	w.mu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	target := filepath.Clean(w.source.Path())

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("Selector watcher error", logger.FieldError, err)
		}
	}
}

// scheduleReload debounces rapid file changes
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, w.reload)
}

func (w *Watcher) reload() {
	err := w.source.Reload()
	if err != nil {
		w.log.Errorw("Selector reload rejected; keeping previous set",
			logger.FieldPath, w.source.Path(),
			logger.FieldError, err,
			"version", w.source.Version(),
		)
	} else {
		w.log.Infow("Selectors reloaded", logger.FieldPath, w.source.Path(), "version", w.source.Version())
	}

	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(w.source.Version(), err)
	}
}
