package queuefile

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/orchestrator/internal/model"
)

const (
	taskQueueTitle  = "Task Queue"
	issueQueueTitle = "Issue Queue"
	managedNotice   = "<!-- Managed by the orchestrator. Status columns are rewritten on every transition. -->"
)

var cellEscaper = strings.NewReplacer("|", `\|`, "\n", " ")

// RenderTasks writes tasks in the hybrid TABLE+BOLD layout, in slice order.
func RenderTasks(tasks []model.Task) []byte {
	var sb strings.Builder
	header(&sb, taskQueueTitle)
	for i := range tasks {
		t := &tasks[i]
		fmt.Fprintf(&sb, "### %s: %s\n\n", t.ID, t.Title)
		table(&sb, [][2]string{
			{"Status", string(t.Status)},
			{"Category", string(t.Category)},
			{"Complexity", string(t.Complexity)},
			{"Priority", strconv.Itoa(t.Priority)},
			{"Depends On", placeholder(strings.Join(t.DependsOn, ", "))},
			{"Attempts", strconv.Itoa(t.Attempts)},
			{"Max Attempts", strconv.Itoa(t.MaxAttempts)},
			{"Claimed By", placeholder(t.ClaimedBy)},
			{"Lease Expires", timestamp(t.LeaseExpiresAt)},
			{"Issue", placeholder(t.IssueID)},
			{"Updated", timestamp(t.UpdatedAt)},
		})
		prose(&sb, "Objective", t.Objective)
		if len(t.Steps) > 0 {
			sb.WriteString("**Steps:**\n\n")
			for n, step := range t.Steps {
				fmt.Fprintf(&sb, "%d. %s\n", n+1, step)
			}
			sb.WriteString("\n")
		}
		prose(&sb, "Acceptance Criteria", t.AcceptanceCriteria)
	}
	return []byte(sb.String())
}

// RenderIssues writes issues in the hybrid TABLE+BOLD layout, in slice order.
func RenderIssues(issues []model.Issue) []byte {
	var sb strings.Builder
	header(&sb, issueQueueTitle)
	for i := range issues {
		is := &issues[i]
		fmt.Fprintf(&sb, "### %s: %s\n\n", is.ID, is.Title)
		blocking := "no"
		if is.Blocking {
			blocking = "yes"
		}
		table(&sb, [][2]string{
			{"Status", string(is.Status)},
			{"Category", string(is.Category)},
			{"Complexity", string(is.Complexity)},
			{"Source Task", placeholder(is.SourceTaskID)},
			{"Retry Task", placeholder(is.RetryTaskID)},
			{"Retry Count", strconv.Itoa(is.RetryCount)},
			{"Max Retries", strconv.Itoa(is.MaxRetries)},
			{"Blocking", blocking},
			{"Updated", timestamp(is.UpdatedAt)},
		})
		prose(&sb, "Objective", is.Objective)
		prose(&sb, "Acceptance Criteria", is.AcceptanceCriteria)
		prose(&sb, "Last Error", is.LastError)
	}
	return []byte(sb.String())
}

func header(sb *strings.Builder, title string) {
	fmt.Fprintf(sb, "# %s\n\n%s\n\n", title, managedNotice)
}

func table(sb *strings.Builder, rows [][2]string) {
	sb.WriteString("| Field | Value |\n|-------|-------|\n")
	for _, r := range rows {
		fmt.Fprintf(sb, "| %s | %s |\n", r[0], cellEscaper.Replace(r[1]))
	}
	sb.WriteString("\n---\n\n")
}

// verbatimInfo marks a fenced block that holds a whole prose value.
const verbatimInfo = "verbatim"

// prose writes value after its bold marker when it reads back unchanged, and
// fences it otherwise: code, headings and thematic breaks in agent written
// text would end the entry or vanish.
func prose(sb *strings.Builder, field, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if inlineSafe(field, value) {
		fmt.Fprintf(sb, "**%s:** %s\n\n", field, value)
		return
	}
	fence := fenceFor(value)
	fmt.Fprintf(sb, "**%s:**\n\n%s%s\n%s\n%s\n\n", field, fence, verbatimInfo, value, fence)
}

func inlineSafe(field, value string) bool {
	if !strings.ContainsAny(value, "\r\n") {
		return true
	}
	entries, _, err := parseEntries([]byte(fmt.Sprintf("### X-1: x\n\n**%s:** %s\n", field, value)))
	if err != nil || len(entries) != 1 {
		return false
	}
	e := entries[0]
	canon, _ := canonicalField(field)
	return len(e.steps) == 0 && len(e.fields) == 1 && e.fields[canon] == value
}

// fenceFor returns a backtick fence longer than any backtick run in body.
func fenceFor(body string) string {
	longest, run := 0, 0
	for _, r := range body {
		if r != '`' {
			run = 0
			continue
		}
		run++
		longest = max(longest, run)
	}
	return strings.Repeat("`", max(3, longest+1))
}

func placeholder(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
