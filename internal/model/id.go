package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	DefaultTaskPrefix = "TASK"
	IssuePrefix       = "ISSUE"
)

var (
	// TASK-001, BUILD-012, retry tasks carry a suffix: TASK-001-2.
	taskIDRegex  = regexp.MustCompile(`^([A-Z]+)-([0-9]+)(?:-([0-9]+))?$`)
	issueIDRegex = regexp.MustCompile(`^ISSUE-([0-9]+)$`)
	prefixRegex  = regexp.MustCompile(`^[A-Z]+$`)

	// TaskIDPattern finds task ids embedded in free text such as agent transcripts.
	TaskIDPattern = regexp.MustCompile(`\b[A-Z]+-[0-9]+(?:-[0-9]+)?\b`)
)

func ValidateTaskID(id string) bool {
	m := taskIDRegex.FindStringSubmatch(id)
	return m != nil && m[1] != IssuePrefix
}

func ValidateIssueID(id string) bool {
	return issueIDRegex.MatchString(id)
}

func ValidateTaskPrefix(prefix string) bool {
	return prefixRegex.MatchString(prefix) && prefix != IssuePrefix
}

// BaseTaskID strips the retry suffix: TASK-001-2 → TASK-001.
func BaseTaskID(id string) string {
	m := taskIDRegex.FindStringSubmatch(id)
	if m == nil || m[3] == "" {
		return id
	}
	return m[1] + "-" + m[2]
}

// RetryNumber returns the retry suffix of a task id, 0 for original tasks.
func RetryNumber(id string) int {
	m := taskIDRegex.FindStringSubmatch(id)
	if m == nil || m[3] == "" {
		return 0
	}
	n, _ := strconv.Atoi(m[3])
	return n
}

func RetryTaskID(base string, n int) string {
	return fmt.Sprintf("%s-%d", BaseTaskID(base), n)
}

// NextTaskID returns the next free sequential id for prefix, zero padded to
// three digits like the queue files written by hand.
func NextTaskID(prefix string, existing []string) (string, error) {
	if !ValidateTaskPrefix(prefix) {
		return "", fmt.Errorf("task id prefix %q: %w", prefix, ErrNotValid)
	}
	max := 0
	for _, id := range existing {
		m := taskIDRegex.FindStringSubmatch(id)
		if m == nil || m[1] != prefix {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s-%03d", prefix, max+1), nil
}

func NextIssueID(existing []string) string {
	max := 0
	for _, id := range existing {
		m := issueIDRegex.FindStringSubmatch(id)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s-%03d", IssuePrefix, max+1)
}

// NewRecordID returns a sortable unique id for reports, evidence and ledger events.
func NewRecordID() string {
	return strings.ToLower(ulid.Make().String())
}
