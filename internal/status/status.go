// Package status summarizes the queues and the daemon for `orchestrator status`.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/msageha/orchestrator/internal/lifecycle"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/uds"
)

type Summary struct {
	Daemon     DaemonStatus  `json:"daemon"`
	Tasks      Counts        `json:"tasks"`
	Issues     Counts        `json:"issues"`
	Running    []TaskStatus  `json:"running,omitempty"`
	Blocked    []TaskStatus  `json:"blocked,omitempty"`
	OpenIssues []IssueStatus `json:"open_issues,omitempty"`
	Ready      []string      `json:"ready,omitempty"`
}

// DaemonStatus is what the daemon reports about itself over the socket.
type DaemonStatus struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Active    []string  `json:"active,omitempty"`
}

type Counts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (c *Counts) add(s model.Status) {
	switch s {
	case model.StatusPending:
		c.Pending++
	case model.StatusInProgress:
		c.InProgress++
	case model.StatusCompleted:
		c.Completed++
	case model.StatusFailed:
		c.Failed++
	}
}

func (c Counts) Total() int { return c.Pending + c.InProgress + c.Completed + c.Failed }

type TaskStatus struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	ClaimedBy      string    `json:"claimed_by,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitzero"`
	WaitingOn      []string  `json:"waiting_on,omitempty"`
}

type IssueStatus struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Status       model.Status `json:"status"`
	SourceTaskID string       `json:"source_task_id,omitempty"`
	RetryTaskID  string       `json:"retry_task_id,omitempty"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	Blocking     bool         `json:"blocking"`
}

// Summarize builds the queue part of a summary from a snapshot.
func Summarize(snap lifecycle.Snapshot) Summary {
	var s Summary
	failed := map[string]bool{}
	for _, t := range snap.Tasks {
		s.Tasks.add(t.Status)
		if t.Status == model.StatusFailed {
			failed[t.ID] = true
		}
		if t.Status == model.StatusInProgress {
			s.Running = append(s.Running, taskStatus(t))
		}
	}
	for _, t := range lifecycle.BlockedTasks(snap.Tasks) {
		ts := taskStatus(t)
		for _, dep := range t.DependsOn {
			if failed[dep] {
				ts.WaitingOn = append(ts.WaitingOn, dep)
			}
		}
		s.Blocked = append(s.Blocked, ts)
	}
	for _, t := range lifecycle.ReadyTasks(snap.Tasks) {
		s.Ready = append(s.Ready, t.ID)
	}
	for _, is := range snap.Issues {
		s.Issues.add(is.Status)
		if model.IsTerminal(is.Status) {
			continue
		}
		s.OpenIssues = append(s.OpenIssues, IssueStatus{
			ID:           is.ID,
			Title:        is.Title,
			Status:       is.Status,
			SourceTaskID: is.SourceTaskID,
			RetryTaskID:  is.RetryTaskID,
			RetryCount:   is.RetryCount,
			MaxRetries:   is.MaxRetries,
			Blocking:     is.Blocking,
		})
	}
	// Blocking issues first: they hold up other work.
	sort.SliceStable(s.OpenIssues, func(i, j int) bool {
		return s.OpenIssues[i].Blocking && !s.OpenIssues[j].Blocking
	})
	return s
}

func taskStatus(t model.Task) TaskStatus {
	return TaskStatus{
		ID:             t.ID,
		Title:          t.Title,
		Attempts:       t.Attempts,
		MaxAttempts:    t.MaxAttempts,
		ClaimedBy:      t.ClaimedBy,
		LeaseExpiresAt: t.LeaseExpiresAt,
	}
}

// CheckDaemon asks the daemon for its status; an unreachable daemon is reported as stopped.
func CheckDaemon(ctx context.Context, client *uds.Client) DaemonStatus {
	var ds DaemonStatus
	if err := client.Call(ctx, uds.CommandPing, nil, &ds); err != nil {
		return DaemonStatus{}
	}
	ds.Running = true
	return ds
}

func PrintJSON(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func PrintTable(w io.Writer, s Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	if s.Daemon.Running {
		fmt.Fprintf(tw, "Daemon:\trunning (pid %d)\n", s.Daemon.PID)
		if len(s.Daemon.Active) > 0 {
			fmt.Fprintf(tw, "Agents:\t%s\n", strings.Join(s.Daemon.Active, ", "))
		}
	} else {
		fmt.Fprintln(tw, "Daemon:\tstopped")
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "QUEUE\tPENDING\tIN_PROGRESS\tCOMPLETED\tFAILED")
	fmt.Fprintf(tw, "tasks\t%d\t%d\t%d\t%d\n", s.Tasks.Pending, s.Tasks.InProgress, s.Tasks.Completed, s.Tasks.Failed)
	fmt.Fprintf(tw, "issues\t%d\t%d\t%d\t%d\n", s.Issues.Pending, s.Issues.InProgress, s.Issues.Completed, s.Issues.Failed)

	if len(s.Running) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "RUNNING\tATTEMPT\tOWNER\tLEASE\tTITLE")
		for _, t := range s.Running {
			lease := "-"
			if !t.LeaseExpiresAt.IsZero() {
				lease = t.LeaseExpiresAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%d/%d\t%s\t%s\t%s\n", t.ID, t.Attempts, t.MaxAttempts, dash(t.ClaimedBy), lease, t.Title)
		}
	}

	if len(s.Blocked) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "BLOCKED\tWAITING ON\tTITLE")
		for _, t := range s.Blocked {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, strings.Join(t.WaitingOn, ","), t.Title)
		}
	}

	if len(s.OpenIssues) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "ISSUE\tSTATUS\tSOURCE\tRETRY\tRETRIES\tBLOCKING\tTITLE")
		for _, is := range s.OpenIssues {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%t\t%s\n",
				is.ID, is.Status, dash(is.SourceTaskID), dash(is.RetryTaskID), is.RetryCount, is.MaxRetries, is.Blocking, is.Title)
		}
	}

	if len(s.Ready) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintf(tw, "Ready:\t%s\n", strings.Join(s.Ready, ", "))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
