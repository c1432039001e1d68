// Package marker manages the zero-byte completion markers under complete/.
//
// A marker's existence is the signal: {task_id}.done for success and
// {task_id}.failed for exhausted attempts. Markers are created once and never
// rewritten, so every create uses O_EXCL. Creates are serialized through
// locks/marker.lock so a task never ends up with both markers.
package marker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/lock"
	"github.com/msageha/orchestrator/internal/model"
)

const lockTimeout = 10 * time.Second

// Outcome is what the markers on disk say about a task.
type Outcome string

const (
	None   Outcome = "none"
	Done   Outcome = "done"
	Failed Outcome = "failed"
)

type Store struct {
	layout conventions.Layout
}

func NewStore(layout conventions.Layout) *Store {
	return &Store{layout: layout}
}

func (s *Store) MarkDone(taskID string) error {
	return s.create(taskID, Done)
}

func (s *Store) MarkFailed(taskID string) error {
	return s.create(taskID, Failed)
}

func (s *Store) create(taskID string, outcome Outcome) error {
	if !model.ValidateTaskID(taskID) {
		return fmt.Errorf("marker for %q: %w", taskID, model.ErrNotValid)
	}

	path, opposite := s.layout.DonePath(taskID), s.layout.FailedPath(taskID)
	if outcome == Failed {
		path, opposite = opposite, path
	}

	for _, dir := range []string{s.layout.CompleteDir(), s.layout.Path(conventions.LocksDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	fl := lock.NewSharedFileLock(s.layout.Path(conventions.MarkerLockFile))
	if err := fl.Lock(ctx); err != nil {
		return fmt.Errorf("mark %s %s: %w", taskID, outcome, err)
	}
	defer fl.Unlock()

	found, err := exists(opposite)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("mark %s %s: opposite marker exists: %w", taskID, outcome, model.ErrConflict)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("mark %s %s: %w", taskID, outcome, model.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", taskID, outcome, err)
	}
	return f.Close()
}

// State returns the outcome recorded for taskID. Both markers present is a
// corrupted state reported as ErrConflict.
func (s *Store) State(taskID string) (Outcome, error) {
	done, err := exists(s.layout.DonePath(taskID))
	if err != nil {
		return None, err
	}
	failed, err := exists(s.layout.FailedPath(taskID))
	if err != nil {
		return None, err
	}
	switch {
	case done && failed:
		return None, fmt.Errorf("task %s has both markers: %w", taskID, model.ErrConflict)
	case done:
		return Done, nil
	case failed:
		return Failed, nil
	}
	return None, nil
}

// Entry is one marker found on disk.
type Entry struct {
	TaskID  string
	Outcome Outcome
}

// List returns every marker in complete/ sorted by task id. Files that are not
// markers of a valid task id are skipped.
func (s *Store) List() ([]Entry, error) {
	des, err := os.ReadDir(s.layout.CompleteDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read complete dir: %w", err)
	}

	var out []Entry
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		id, outcome, ok := ParseName(de.Name())
		if !ok {
			continue
		}
		out = append(out, Entry{TaskID: id, Outcome: outcome})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out, nil
}

// ParseName splits a marker file name into task id and outcome.
func ParseName(name string) (string, Outcome, bool) {
	var (
		id      string
		outcome Outcome
	)
	switch {
	case strings.HasSuffix(name, conventions.DoneSuffix):
		id, outcome = strings.TrimSuffix(name, conventions.DoneSuffix), Done
	case strings.HasSuffix(name, conventions.FailedSuffix):
		id, outcome = strings.TrimSuffix(name, conventions.FailedSuffix), Failed
	default:
		return "", None, false
	}
	if !model.ValidateTaskID(id) {
		return "", None, false
	}
	return id, outcome, true
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}
