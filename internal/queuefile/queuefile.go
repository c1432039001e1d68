// Package queuefile reads and writes task_queue.md and issue_queue.md.
//
// Entries use the hybrid layout: a "### ID: Title" heading, a "| Field | Value |"
// metadata table, a "---" separator and bold prose fields. Files in the older
// all-bold layout are read transparently and rewritten by Migrate.
package queuefile

import (
	"errors"
	"fmt"
	"os"

	"github.com/msageha/orchestrator/internal/atomicfile"
	"github.com/msageha/orchestrator/internal/model"
)

// Kind selects which queue a file holds.
type Kind string

const (
	KindTasks  Kind = "tasks"
	KindIssues Kind = "issues"
)

// ReadTasks returns the tasks in path. A missing file is an empty queue.
func ReadTasks(path string) ([]model.Task, error) {
	src, err := readOptional(path)
	if err != nil || src == nil {
		return nil, err
	}
	tasks, _, err := ParseTasks(src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return tasks, nil
}

func WriteTasks(path string, tasks []model.Task) error {
	return atomicfile.WriteRaw(path, RenderTasks(tasks), Validator(KindTasks))
}

// ReadIssues returns the issues in path. A missing file is an empty queue.
func ReadIssues(path string) ([]model.Issue, error) {
	src, err := readOptional(path)
	if err != nil || src == nil {
		return nil, err
	}
	issues, _, err := ParseIssues(src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return issues, nil
}

func WriteIssues(path string, issues []model.Issue) error {
	return atomicfile.WriteRaw(path, RenderIssues(issues), Validator(KindIssues))
}

// Validator re-parses rendered content before it replaces a queue file.
func Validator(kind Kind) atomicfile.Validator {
	return func(content []byte) error {
		var err error
		if kind == KindIssues {
			_, _, err = ParseIssues(content)
		} else {
			_, _, err = ParseTasks(content)
		}
		return err
	}
}

// Skeleton is the content of an empty queue file.
func Skeleton(kind Kind) []byte {
	if kind == KindIssues {
		return RenderIssues(nil)
	}
	return RenderTasks(nil)
}

// Migrate rewrites a legacy-format queue file in the hybrid layout. It
// reports whether the file was rewritten; hybrid and empty files are left alone.
func Migrate(path string, kind Kind) (bool, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	var (
		format  Format
		content []byte
	)
	switch kind {
	case KindIssues:
		var issues []model.Issue
		issues, format, err = ParseIssues(src)
		content = RenderIssues(issues)
	default:
		var tasks []model.Task
		tasks, format, err = ParseTasks(src)
		content = RenderTasks(tasks)
	}
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	if format != FormatLegacy {
		return false, nil
	}
	if err := atomicfile.WriteRaw(path, content, Validator(kind)); err != nil {
		return false, fmt.Errorf("migrate %s: %w", path, err)
	}
	return true, nil
}

// Repair quarantines an unparseable queue file and restores its last good
// backup, falling back to an empty queue.
func Repair(quarantineDir, path string, kind Kind) (atomicfile.Recovery, error) {
	src, err := os.ReadFile(path)
	if err == nil {
		if err := Validator(kind)(src); err == nil {
			return atomicfile.Recovery{}, nil
		}
	} else if errors.Is(err, os.ErrNotExist) {
		return atomicfile.Recovery{}, atomicfile.WriteRaw(path, Skeleton(kind), Validator(kind))
	} else {
		return atomicfile.Recovery{}, fmt.Errorf("read %s: %w", path, err)
	}
	return atomicfile.RecoverCorrupted(quarantineDir, path, Validator(kind), Skeleton(kind))
}

func readOptional(path string) ([]byte, error) {
	src, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return src, nil
}
