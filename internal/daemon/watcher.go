package daemon

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/log"
)

// watcher turns marker writes in complete/ and queue edits into debounced
// scan triggers. Queue files are replaced by rename, so their directory is
// watched rather than the files themselves.
type watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	logger   log.Logger
	queues   map[string]bool

	closeOnce sync.Once
	done      chan struct{}
}

func newWatcher(layout conventions.Layout, debounce time.Duration, logger log.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	for _, dir := range []string{layout.CompleteDir(), layout.Root} {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return &watcher{
		fs:       fw,
		debounce: debounce,
		logger:   logger,
		queues: map[string]bool{
			layout.TaskQueuePath():  true,
			layout.IssueQueuePath(): true,
		},
		done: make(chan struct{}),
	}, nil
}

func (w *watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return false
	}
	if w.queues[ev.Name] {
		return true
	}
	ext := filepath.Ext(ev.Name)
	return ext == conventions.DoneSuffix || ext == conventions.FailedSuffix
}

// run calls fire once per burst of relevant events until close.
func (w *watcher) run(fire func()) {
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Debugf("fsnotify event=%s file=%s", ev.Op, ev.Name)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			fire()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func (w *watcher) close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.fs.Close()
	})
}
