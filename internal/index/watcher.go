package index

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watcher turns filesystem notifications into dirty paths. It never reads
// trace files itself: it marks paths and, after a debounce window, asks the
// loop for a cycle.
type watcher struct {
	fs       *fsnotify.Watcher
	disc     Discoverer
	clk      clock.Clock
	debounce time.Duration
	mark     func(path string)
	request  func()
	log      *zap.Logger
}

func newWatcher(disc Discoverer, clk clock.Clock, debounce time.Duration, mark func(string), request func(), log *zap.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fs:       fw,
		disc:     disc,
		clk:      clk,
		debounce: debounce,
		mark:     mark,
		request:  request,
		log:      log.Named("watcher"),
	}
	for _, dir := range disc.WatchDirs() {
		w.add(dir)
	}
	return w, nil
}

func (w *watcher) add(dir string) {
	if err := w.fs.Add(dir); err != nil {
		w.log.Debug("watch failed", zap.String("dir", dir), zap.Error(err))
	}
}

// run processes notifications until ctx is done. Events inside one debounce
// window coalesce into a single cycle request.
func (w *watcher) run(ctx context.Context) error {
	defer w.fs.Close()

	var (
		timer *clock.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !w.handle(ev) {
				continue
			}
			if w.debounce <= 0 {
				w.request()
				continue
			}
			if timer == nil {
				timer = w.clk.Timer(w.debounce)
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			w.request()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

// handle marks the paths touched by ev and reports whether anything was
// marked. New directories inside a root are watched and their current
// files marked, since writes may have landed before the watch existed.
func (w *watcher) handle(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	path := filepath.Clean(ev.Name)

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if !w.disc.Watchable(path) {
				return false
			}
			w.add(path)
			entries, _ := os.ReadDir(path)
			for _, de := range entries {
				if !de.IsDir() {
					w.mark(filepath.Join(path, de.Name()))
				}
			}
			return len(entries) > 0
		}
	}
	w.mark(path)
	return true
}
