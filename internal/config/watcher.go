package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher monitors the configuration file and delivers reloaded snapshots to
// subscribers. Editors typically replace the file (write, rename, chmod), so
// events are debounced before a reload is attempted. A malformed edit is
// logged and skipped; the last good configuration stays applied.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *logrus.Logger
	updates  chan *Config
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher starts watching the given config file for changes.
func NewWatcher(path string, logger *logrus.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory rather than the file: editors that replace the
	// file would otherwise drop the watch on every save.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		watcher:  fsw,
		logger:   logger,
		updates:  make(chan *Config, 1),
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}

	go w.watchFile()

	logger.WithField("config_path", path).Info("Settings watcher started")
	return w, nil
}

// Updates returns the channel on which reloaded configurations are delivered.
func (w *Watcher) Updates() <-chan *Config {
	return w.updates
}

// Close stops the watcher and releases its resources.
func (w *Watcher) Close() {
	close(w.done)
	w.watcher.Close()
}

// watchFile selects on watcher channels and dispatches reloads.
func (w *Watcher) watchFile() {
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts of events from a single save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Settings watcher error")

		case <-w.done:
			return
		}
	}
}

// reload re-parses the config file and publishes the new snapshot.
func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Ignoring invalid settings edit")
		return
	}

	// Drop a stale pending update so subscribers always see the newest state.
	select {
	case <-w.updates:
	default:
	}
	w.updates <- cfg

	w.logger.WithFields(logrus.Fields{
		"preload_budget": cfg.Player.PreloadBudget,
		"debug_overlay":  cfg.Player.DebugOverlay,
	}).Info("Settings reloaded")
}
