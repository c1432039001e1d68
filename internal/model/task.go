package model

import (
	"fmt"
	"strings"
	"time"
)

// Task is one entry of task_queue.md. Entries are created by decomposition,
// mutated by implementation and testing, and never deleted.
type Task struct {
	ID                 string
	Title              string
	Status             Status
	Category           Category
	Complexity         Complexity
	Priority           int
	DependsOn          []string
	Objective          string
	Steps              []string
	AcceptanceCriteria string
	Attempts           int
	MaxAttempts        int
	ClaimedBy          string
	LeaseExpiresAt     time.Time
	// IssueID links a retry task back to the issue that spawned it.
	IssueID   string
	UpdatedAt time.Time
}

func (t *Task) Validate() error {
	if !ValidateTaskID(t.ID) {
		return fmt.Errorf("task id %q: %w", t.ID, ErrNotValid)
	}
	if _, err := ParseStatus(string(t.Status)); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if _, err := ParseCategory(string(t.Category)); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if _, err := ParseComplexity(string(t.Complexity)); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if strings.TrimSpace(t.Objective) == "" {
		return fmt.Errorf("task %s: objective is required: %w", t.ID, ErrNotValid)
	}
	if t.Priority < 0 {
		return fmt.Errorf("task %s: priority must be >= 0: %w", t.ID, ErrNotValid)
	}
	if t.Attempts < 0 || t.MaxAttempts < 0 {
		return fmt.Errorf("task %s: attempts must be >= 0: %w", t.ID, ErrNotValid)
	}
	for _, dep := range t.DependsOn {
		if !ValidateTaskID(dep) {
			return fmt.Errorf("task %s: dependency %q: %w", t.ID, dep, ErrNotValid)
		}
		if dep == t.ID {
			return fmt.Errorf("task %s depends on itself: %w", t.ID, ErrNotValid)
		}
	}
	return nil
}

// AttemptsLeft reports whether another attempt may be dispatched.
func (t *Task) AttemptsLeft() bool {
	return t.MaxAttempts <= 0 || t.Attempts < t.MaxAttempts
}

// Issue is one entry of issue_queue.md, produced when a task exhausts its
// attempts or a verification fails, and consumed by later decomposition passes.
type Issue struct {
	ID                 string
	Title              string
	Status             Status
	Category           Category
	Complexity         Complexity
	Objective          string
	AcceptanceCriteria string
	SourceTaskID       string
	RetryTaskID        string
	RetryCount         int
	MaxRetries         int
	Blocking           bool
	LastError          string
	UpdatedAt          time.Time
}

func (i *Issue) Validate() error {
	if !ValidateIssueID(i.ID) {
		return fmt.Errorf("issue id %q: %w", i.ID, ErrNotValid)
	}
	if _, err := ParseStatus(string(i.Status)); err != nil {
		return fmt.Errorf("issue %s: %w", i.ID, err)
	}
	if _, err := ParseCategory(string(i.Category)); err != nil {
		return fmt.Errorf("issue %s: %w", i.ID, err)
	}
	if _, err := ParseComplexity(string(i.Complexity)); err != nil {
		return fmt.Errorf("issue %s: %w", i.ID, err)
	}
	if i.SourceTaskID != "" && !ValidateTaskID(i.SourceTaskID) {
		return fmt.Errorf("issue %s: source task %q: %w", i.ID, i.SourceTaskID, ErrNotValid)
	}
	if i.RetryCount < 0 || i.MaxRetries < 0 {
		return fmt.Errorf("issue %s: retry counts must be >= 0: %w", i.ID, ErrNotValid)
	}
	return nil
}

// RetriesLeft reports whether the issue may spawn another retry task.
func (i *Issue) RetriesLeft() bool {
	return i.RetryCount < i.MaxRetries
}
