package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Tunables are the runtime-adjustable knobs that may change without a
// restart. They are re-read from the config file on every write event.
type Tunables struct {
	SimilarityCutoff    float64
	CacheTTL            time.Duration
	SimilarityThreshold float64
}

// Watcher hot-reloads tunables from the config file. Reads are served from a
// mutex-guarded snapshot; a reload that fails validation keeps the previous
// values.
type Watcher struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	current  Tunables
	onChange []func(Tunables)

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
}

// NewWatcher starts watching the config file's directory. Watching the
// directory rather than the file survives editors that rename-and-replace.
func NewWatcher(path string, initial *Config, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		logger:  logger,
		current: tunablesFrom(initial),
		fsw:     fsw,
		stopCh:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func tunablesFrom(cfg *Config) Tunables {
	return Tunables{
		SimilarityCutoff:    cfg.Agent.SimilarityCutoff,
		CacheTTL:            cfg.Cache.TTL,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
	}
}

// Current returns the latest valid tunables snapshot.
func (w *Watcher) Current() Tunables {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers fn to run with the new snapshot after every successful
// reload. Register before traffic starts; callbacks run on the watcher
// goroutine and must not block.
func (w *Watcher) OnChange(fn func(Tunables)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	// Editors fire bursts of events per save; debounce before reloading.
	var pending <-chan time.Time
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-w.fsw.Errors:
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
		w.logger.Warn("config reload rejected, keeping previous tunables",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	next := tunablesFrom(cfg)
	w.mu.Lock()
	prev := w.current
	w.current = next
	callbacks := append(([]func(Tunables))(nil), w.onChange...)
	w.mu.Unlock()

	if prev != next {
		w.logger.Info("runtime tunables reloaded",
			zap.Float64("similarity_cutoff", next.SimilarityCutoff),
			zap.Duration("cache_ttl", next.CacheTTL),
			zap.Float64("similarity_threshold", next.SimilarityThreshold),
		)
		for _, fn := range callbacks {
			fn(next)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.fsw.Close()
}
