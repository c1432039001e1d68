package queuefile

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/orchestrator/internal/model"
)

// ParseTasks decodes task_queue.md. Both the hybrid and the legacy layout are accepted.
func ParseTasks(src []byte) ([]model.Task, Format, error) {
	entries, format, err := parseEntries(src)
	if err != nil {
		return nil, "", err
	}
	tasks := make([]model.Task, 0, len(entries))
	for _, e := range entries {
		t, err := e.task()
		if err != nil {
			return nil, "", err
		}
		tasks = append(tasks, t)
	}
	return tasks, format, nil
}

// ParseIssues decodes issue_queue.md.
func ParseIssues(src []byte) ([]model.Issue, Format, error) {
	entries, format, err := parseEntries(src)
	if err != nil {
		return nil, "", err
	}
	issues := make([]model.Issue, 0, len(entries))
	for _, e := range entries {
		is, err := e.issue()
		if err != nil {
			return nil, "", err
		}
		issues = append(issues, is)
	}
	return issues, format, nil
}

func (e *entry) errorf(format string, args ...any) error {
	return &ParseError{Line: e.line, Msg: e.id + ": " + fmt.Sprintf(format, args...)}
}

func (e *entry) task() (model.Task, error) {
	if !model.ValidateTaskID(e.id) {
		return model.Task{}, e.errorf("not a task id")
	}
	t := model.Task{
		ID:                 e.id,
		Title:              e.title,
		Objective:          e.fields["objective"],
		AcceptanceCriteria: e.fields["acceptance criteria"],
		Steps:              e.steps,
		ClaimedBy:          optional(e.fields["claimed by"]),
		IssueID:            optional(e.fields["issue"]),
	}

	var err error
	if t.Status, err = e.status(); err != nil {
		return model.Task{}, err
	}
	if t.Category, err = e.category(); err != nil {
		return model.Task{}, err
	}
	if t.Complexity, err = e.complexity(); err != nil {
		return model.Task{}, err
	}
	if t.Priority, err = e.priority(); err != nil {
		return model.Task{}, err
	}
	if t.DependsOn, err = e.ids("depends on"); err != nil {
		return model.Task{}, err
	}
	if t.Attempts, err = e.integer("attempts", 0); err != nil {
		return model.Task{}, err
	}
	if t.MaxAttempts, err = e.integer("max attempts", 0); err != nil {
		return model.Task{}, err
	}
	if t.LeaseExpiresAt, err = e.timestamp("lease expires"); err != nil {
		return model.Task{}, err
	}
	if t.UpdatedAt, err = e.timestamp("updated"); err != nil {
		return model.Task{}, err
	}
	if t.IssueID != "" && !model.ValidateIssueID(t.IssueID) {
		return model.Task{}, e.errorf("issue %q is not an issue id", t.IssueID)
	}
	if err := t.Validate(); err != nil {
		return model.Task{}, e.errorf("%v", err)
	}
	return t, nil
}

func (e *entry) issue() (model.Issue, error) {
	if !model.ValidateIssueID(e.id) {
		return model.Issue{}, e.errorf("not an issue id")
	}
	is := model.Issue{
		ID:                 e.id,
		Title:              e.title,
		Objective:          e.fields["objective"],
		AcceptanceCriteria: e.fields["acceptance criteria"],
		SourceTaskID:       optional(e.fields["source task"]),
		RetryTaskID:        optional(e.fields["retry task"]),
		LastError:          e.fields["last error"],
	}

	var err error
	if is.Status, err = e.status(); err != nil {
		return model.Issue{}, err
	}
	if is.Category, err = e.category(); err != nil {
		return model.Issue{}, err
	}
	if is.Complexity, err = e.complexity(); err != nil {
		return model.Issue{}, err
	}
	if is.RetryCount, err = e.integer("retry count", 0); err != nil {
		return model.Issue{}, err
	}
	if is.MaxRetries, err = e.integer("max retries", model.DefaultMaxIssueRetries); err != nil {
		return model.Issue{}, err
	}
	if is.UpdatedAt, err = e.timestamp("updated"); err != nil {
		return model.Issue{}, err
	}
	switch v := strings.ToLower(optional(e.fields["blocking"])); v {
	case "yes", "true":
		is.Blocking = true
	case "", "no", "false":
	default:
		return model.Issue{}, e.errorf("blocking %q must be yes or no", v)
	}
	if is.RetryTaskID != "" && !model.ValidateTaskID(is.RetryTaskID) {
		return model.Issue{}, e.errorf("retry task %q is not a task id", is.RetryTaskID)
	}
	if err := is.Validate(); err != nil {
		return model.Issue{}, e.errorf("%v", err)
	}
	return is, nil
}

func (e *entry) status() (model.Status, error) {
	v := strings.ToLower(optional(e.fields["status"]))
	if v == "" {
		return model.StatusPending, nil
	}
	v = strings.NewReplacer("-", "_", " ", "_").Replace(v)
	st, err := model.ParseStatus(v)
	if err != nil {
		return "", e.errorf("%v", err)
	}
	return st, nil
}

// category defaults to the id prefix for legacy BUILD-/TEST- entries.
func (e *entry) category() (model.Category, error) {
	v := optional(e.fields["category"])
	if v == "" {
		prefix, _, _ := strings.Cut(e.id, "-")
		if c, err := model.ParseCategory(prefix); err == nil {
			return c, nil
		}
		return model.CategoryBuild, nil
	}
	c, err := model.ParseCategory(v)
	if err != nil {
		return "", e.errorf("%v", err)
	}
	return c, nil
}

func (e *entry) complexity() (model.Complexity, error) {
	v := optional(e.fields["complexity"])
	if v == "" {
		return model.ComplexityMedium, nil
	}
	c, err := model.ParseComplexity(v)
	if err != nil {
		return "", e.errorf("%v", err)
	}
	return c, nil
}

// priority accepts 2, P2 and the high/medium/low words of hand-written queues.
func (e *entry) priority() (int, error) {
	v := strings.ToLower(optional(e.fields["priority"]))
	switch v {
	case "", "critical":
		return 0, nil
	case "high":
		return 1, nil
	case "medium":
		return 2, nil
	case "low":
		return 3, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(v, "p"))
	if err != nil || n < 0 {
		return 0, e.errorf("priority %q is not a non-negative number", v)
	}
	return n, nil
}

func (e *entry) integer(field string, def int) (int, error) {
	v := optional(e.fields[field])
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, e.errorf("%s %q is not a non-negative number", field, v)
	}
	return n, nil
}

func (e *entry) timestamp(field string) (time.Time, error) {
	v := optional(e.fields[field])
	if v == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, e.errorf("%s %q is not an RFC 3339 time", field, v)
	}
	return ts, nil
}

func (e *entry) ids(field string) ([]string, error) {
	v := optional(e.fields[field])
	if v == "" {
		return nil, nil
	}
	var out []string
	for _, id := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
		if !model.ValidateTaskID(id) {
			return nil, e.errorf("%s: %q is not a task id", field, id)
		}
		out = append(out, id)
	}
	return out, nil
}

// optional maps the placeholders written for absent values to "".
func optional(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "-", "none", "n/a":
		return ""
	}
	return v
}
