package marker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/orchestrator/internal/log"
)

// Waiter blocks until a task's marker appears. It is notified by fsnotify and
// polls as a fallback for filesystems that do not deliver events.
type Waiter struct {
	store  *Store
	poll   time.Duration
	logger log.Logger
}

func NewWaiter(store *Store, poll time.Duration, logger log.Logger) *Waiter {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if logger == nil {
		logger = log.Noop
	}
	return &Waiter{
		store:  store,
		poll:   poll,
		logger: logger.WithValues(log.Kv{"svc": "marker.Waiter"}),
	}
}

// Wait returns the outcome once a marker for taskID exists. A timeout of zero
// waits until ctx is done; on expiry the error wraps context.DeadlineExceeded.
func (w *Waiter) Wait(ctx context.Context, taskID string, timeout time.Duration) (Outcome, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if outcome, err := w.store.State(taskID); err != nil || outcome != None {
		return outcome, err
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := w.watch()
	if err != nil {
		w.logger.Warningf("fsnotify unavailable, polling only task=%s error=%v", taskID, err)
	} else {
		defer watcher.Close()
		events, errs = watcher.Events, watcher.Errors
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		// Checked after the watch is installed so a marker created in between is not missed.
		if outcome, err := w.store.State(taskID); err != nil || outcome != None {
			return outcome, err
		}

		select {
		case <-ctx.Done():
			return None, fmt.Errorf("wait for %s marker: %w", taskID, ctx.Err())
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if id, _, isMarker := ParseName(filepath.Base(ev.Name)); isMarker && id == taskID {
				w.logger.Debugf("marker event task=%s op=%s", taskID, ev.Op)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warningf("fsnotify error task=%s error=%v", taskID, err)
		case <-ticker.C:
		}
	}
}

func (w *Waiter) watch() (*fsnotify.Watcher, error) {
	dir := w.store.layout.CompleteDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create complete dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return watcher, nil
}
