package model

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
}

var knownStatuses = map[Status]bool{
	StatusPending:    true,
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusFailed:     true,
}

// Queue entry transitions for tasks and issues: pending → in_progress → terminal.
// in_progress → pending releases an attempt that ended without success.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusFailed:     true, // issue exhausted before a retry was spawned
	},
	StatusInProgress: {
		StatusPending:   true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !knownStatuses[st] {
		return "", fmt.Errorf("unknown status %q: %w", s, ErrNotValid)
	}
	return st, nil
}

func ValidateTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q: %w", from, ErrConflict)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q: %w", from, ErrNotValid)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition: %q → %q: %w", from, to, ErrConflict)
	}
	return nil
}

type Category string

const (
	CategoryBuild    Category = "build"
	CategoryTest     Category = "test"
	CategoryFix      Category = "fix"
	CategoryRefactor Category = "refactor"
	CategoryDocs     Category = "docs"
	CategoryResearch Category = "research"
)

var knownCategories = map[Category]bool{
	CategoryBuild:    true,
	CategoryTest:     true,
	CategoryFix:      true,
	CategoryRefactor: true,
	CategoryDocs:     true,
	CategoryResearch: true,
}

// ParseCategory accepts any casing ("BUILD" in legacy queue files).
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !knownCategories[c] {
		return "", fmt.Errorf("unknown category %q: %w", s, ErrNotValid)
	}
	return c, nil
}

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

func ParseComplexity(s string) (Complexity, error) {
	switch c := Complexity(strings.ToLower(strings.TrimSpace(s))); c {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return c, nil
	default:
		return "", fmt.Errorf("unknown complexity %q: %w", s, ErrNotValid)
	}
}
