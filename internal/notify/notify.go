// Package notify raises desktop notifications for lifecycle events that need
// a human: a task that ran out of attempts, an issue that ran out of retries,
// a resolved issue.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/msageha/orchestrator/internal/events"
	"github.com/msageha/orchestrator/internal/log"
)

const sendTimeout = 5 * time.Second

// Sender shows one notification.
type Sender interface {
	Send(ctx context.Context, title, message string) error
}

// Desktop sends through osascript on macOS and notify-send elsewhere.
type Desktop struct{}

func (Desktop) Send(ctx context.Context, title, message string) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf(`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title))
		cmd = exec.CommandContext(ctx, "osascript", "-e", script)
	} else {
		cmd = exec.CommandContext(ctx, "notify-send", "--app-name=orchestrator", title, message)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

var notified = []events.EventType{
	events.EventTaskFailed,
	events.EventIssueFailed,
	events.EventIssueResolved,
}

// Subscribe sends a notification for every notable event published on bus
// until the returned function is called. A failed send is logged, never retried.
func Subscribe(bus *events.Bus, sender Sender, project string, logger log.Logger) func() {
	if logger == nil {
		logger = log.Noop
	}
	logger = logger.WithValues(log.Kv{"svc": "notify"})

	var unsubs []func()
	for _, typ := range notified {
		unsubs = append(unsubs, bus.Subscribe(typ, func(e events.Event) {
			title, msg := Message(project, e)
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := sender.Send(ctx, title, msg); err != nil {
				logger.Warningf("notification failed event=%s error=%v", e.Type, err)
			}
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Message renders the title and body for e.
func Message(project string, e events.Event) (string, string) {
	title := "orchestrator"
	if project != "" {
		title += ": " + project
	}

	switch e.Type {
	case events.EventTaskFailed:
		return title, fmt.Sprintf("%v failed after %v attempts: %v", e.Data["task_id"], e.Data["attempts"], e.Data["reason"])
	case events.EventIssueFailed:
		return title, fmt.Sprintf("%v gave up after %v retries", e.Data["issue_id"], e.Data["retries"])
	case events.EventIssueResolved:
		return title, fmt.Sprintf("%v resolved by %v", e.Data["issue_id"], e.Data["task_id"])
	}
	return title, string(e.Type)
}
