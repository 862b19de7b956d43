package router

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mercator-hq/saturn/pkg/config"
)

// reloadDebounce is how long the watcher waits after the last file event
// before reloading; editors often fire several events per save.
const reloadDebounce = 100 * time.Millisecond

// RouteWatcher hot-reloads the route table when the configuration file
// changes. Only the route table is swapped; other settings need a restart.
type RouteWatcher struct {
	path    string
	matcher *RouteMatcher
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu      sync.Mutex
	pending *time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRouteWatcher watches the config file at path and swaps new route
// tables into matcher.
func NewRouteWatcher(path string, matcher *RouteMatcher) (*RouteWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(path), err)
	}

	return &RouteWatcher{
		path:    path,
		matcher: matcher,
		watcher: w,
		logger:  slog.Default().With("component", "router.watcher"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. Returns immediately.
func (rw *RouteWatcher) Start() {
	go rw.run()
}

func (rw *RouteWatcher) run() {
	defer close(rw.doneCh)
	for {
		select {
		case <-rw.stopCh:
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(rw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			rw.scheduleReload()
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warn("file watcher error", "error", err)
		}
	}
}

// scheduleReload debounces bursts of file events into one reload.
func (rw *RouteWatcher) scheduleReload() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.pending != nil {
		rw.pending.Stop()
	}
	rw.pending = time.AfterFunc(reloadDebounce, rw.reload)
}

func (rw *RouteWatcher) reload() {
	cfg, err := config.LoadConfig(rw.path)
	if err != nil {
		rw.logger.Error("route reload failed, keeping previous table", "error", err)
		return
	}
	rw.matcher.Update(cfg.RouteConfig)
	rw.logger.Info("route table reloaded", "routes", len(cfg.RouteConfig.Routes))
}

// Stop ends watching. Idempotent per watcher lifetime.
func (rw *RouteWatcher) Stop() {
	select {
	case <-rw.stopCh:
		return
	default:
	}
	close(rw.stopCh)
	rw.watcher.Close()
	<-rw.doneCh

	rw.mu.Lock()
	if rw.pending != nil {
		rw.pending.Stop()
	}
	rw.mu.Unlock()
}
