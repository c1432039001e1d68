package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orchestrator/internal/agent"
	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/status"
)

type cli struct {
	t   *testing.T
	dir string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv(agent.EnvTaskID, "")
	t.Setenv(agent.EnvRole, "")
	t.Setenv("ORCHESTRATOR_DIR", "")
	c := &cli{t: t, dir: t.TempDir()}
	c.ok("", "init", c.dir, "--name", "demo")
	return c
}

func (c *cli) run(stdin string, args ...string) (string, error) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"orchestrator", "--no-log", "--dir", c.dir}, args...)
	err := Run(context.Background(), full, strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), err
}

func (c *cli) ok(stdin string, args ...string) string {
	c.t.Helper()
	out, err := c.run(stdin, args...)
	require.NoError(c.t, err, "orchestrator %s", strings.Join(args, " "))
	return out
}

func TestRunInit(t *testing.T) {
	c := newCLI(t)
	layout := conventions.New(c.dir)

	assert.FileExists(t, layout.ConfigPath())
	assert.FileExists(t, layout.TaskQueuePath())
	assert.FileExists(t, layout.IssueQueuePath())

	_, err := c.run("", "init", c.dir)
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestRunTaskWorkflow(t *testing.T) {
	c := newCLI(t)

	out := c.ok("", "task", "add", "--title", "Schema", "--objective", "Create the schema")
	assert.Equal(t, "TASK-001\tSchema\n", out)
	c.ok("", "task", "add", "--objective", "Write the handlers", "--depends-on", "TASK-001")

	var tasks []model.Task
	require.NoError(t, json.Unmarshal([]byte(c.ok("", "task", "list", "--format", "json")), &tasks))
	require.Len(t, tasks, 2)
	assert.Equal(t, "Write the handlers", tasks[1].Title)
	assert.Equal(t, []string{"TASK-001"}, tasks[1].DependsOn)

	_, err := c.run("", "task", "claim", "TASK-002")
	assert.ErrorIs(t, err, model.ErrBlocked)

	out = c.ok("", "task", "claim")
	assert.True(t, strings.HasPrefix(out, "TASK-001\tattempt 1/3"), out)

	c.ok("", "marker", "done", "TASK-001")
	c.ok("", "task", "complete", "TASK-001")

	var summary status.Summary
	require.NoError(t, json.Unmarshal([]byte(c.ok("", "status", "--format", "json")), &summary))
	assert.Equal(t, 1, summary.Tasks.Completed)
	assert.Equal(t, 1, summary.Tasks.Pending)
	assert.Equal(t, []string{"TASK-002"}, summary.Ready)
	assert.False(t, summary.Daemon.Running)

	table := c.ok("", "status")
	assert.Contains(t, table, "TASK-002")
}

func TestRunTaskAddFromFile(t *testing.T) {
	c := newCLI(t)
	src := `# Tasks

### TASK-010: Schema

| Field | Value |
|-------|-------|
| Status | pending |
| Category | build |
| Complexity | low |

---

**Objective:** Create the schema.
`
	out := c.ok(src, "task", "add", "--file", "-")
	assert.Equal(t, "TASK-010\tSchema\n", out)

	_, err := c.run("# Tasks\n", "task", "add", "--file", "-")
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestRunTaskFailOpensIssue(t *testing.T) {
	c := newCLI(t)
	c.ok("", "task", "add", "--objective", "Create the schema")

	for range 3 {
		c.ok("", "task", "claim", "TASK-001")
		c.ok("", "task", "fail", "TASK-001", "--error", "migrations do not apply", "--approach", "reran them")
	}

	var issues []model.Issue
	require.NoError(t, json.Unmarshal([]byte(c.ok("", "issue", "list", "--format", "json")), &issues))
	require.Len(t, issues, 1)
	assert.Equal(t, "TASK-001", issues[0].SourceTaskID)

	var diag model.FailureDiagnostic
	require.NoError(t, json.Unmarshal([]byte(c.ok("", "report", "show", "TASK-001", "--failure")), &diag))
	assert.Equal(t, 3, diag.Attempts)
	assert.Equal(t, "migrations do not apply", diag.Error)

	out := c.ok("", "issue", "ingest")
	assert.Contains(t, out, "retry task TASK-001-1")
}

func TestRunMarkerFailedWritesDiagnostic(t *testing.T) {
	c := newCLI(t)
	c.ok("", "task", "add", "--objective", "Create the schema")
	c.ok("", "task", "claim")

	out := c.ok("", "marker", "failed", "TASK-001", "--error", "database unreachable", "--root-cause", "no docker")
	layout := conventions.New(c.dir)
	assert.Equal(t, layout.FailedPath("TASK-001")+"\n", out)

	var diag model.FailureDiagnostic
	require.NoError(t, json.Unmarshal([]byte(c.ok("", "report", "show", "TASK-001", "--failure")), &diag))
	assert.Equal(t, 1, diag.Attempts)
	assert.Equal(t, "no docker", diag.SuspectedRootCause)
}

func TestRunMarkerWait(t *testing.T) {
	tests := map[string]struct {
		setup  func(c *cli)
		expErr bool
		expOut string
	}{
		"A done marker returns at once.": {
			setup:  func(c *cli) { c.ok("", "marker", "done", "TASK-001") },
			expOut: "TASK-001\tdone\n",
		},
		"A failed marker is an error.": {
			setup:  func(c *cli) { c.ok("", "marker", "failed", "TASK-001", "--error", "gave up") },
			expErr: true,
		},
		"No marker times out.": {
			setup:  func(*cli) {},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			c := newCLI(t)
			test.setup(c)

			out, err := c.run("", "marker", "wait", "TASK-001", "--timeout", "100ms")
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expOut, out)
		})
	}
}

func TestRunReport(t *testing.T) {
	c := newCLI(t)

	out := c.ok(`{"task_id":"TASK-001","build_passed":true,"tests_run":4,"files_created":["db.go"]}`, "report", "write")
	assert.Equal(t, "TASK-001-loop-1.json", filepath.Base(strings.TrimSpace(out)))
	out = c.ok(`{"build_passed":false}`, "report", "write", "TASK-001")
	assert.Equal(t, "TASK-001-loop-2.json", filepath.Base(strings.TrimSpace(out)))

	var latest model.LoopReport
	require.NoError(t, json.Unmarshal([]byte(c.ok("", "report", "show", "TASK-001")), &latest))
	assert.Equal(t, 2, latest.Loop)

	var first model.LoopReport
	require.NoError(t, json.Unmarshal([]byte(c.ok("", "report", "show", "TASK-001", "--loop", "1")), &first))
	assert.Equal(t, 4, first.TestsRun)

	_, err := c.run(`{"task_id":"TASK-001","unknown":1}`, "report", "write")
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestRunHookCheckMarker(t *testing.T) {
	c := newCLI(t)
	c.ok("", "task", "add", "--objective", "Create the schema")
	c.ok("", "task", "add", "--objective", "Write the handlers")
	c.ok("", "task", "claim", "TASK-002")

	transcript := filepath.Join(t.TempDir(), "t.jsonl")
	require.NoError(t, os.WriteFile(transcript, []byte(`{"content":"after TASK-001 create .orchestrator/complete/TASK-002.done"}`+"\n"), 0644))
	input := `{"transcript_path":"` + transcript + `","cwd":"` + c.dir + `","stop_hook_active":false}`

	var decision map[string]string
	require.NoError(t, json.Unmarshal([]byte(c.ok(input, "hook", "check-marker")), &decision))
	assert.Equal(t, "block", decision["decision"])
	assert.Contains(t, decision["reason"], "TASK-002")

	c.ok("", "marker", "done", "TASK-002")
	assert.Empty(t, c.ok(input, "hook", "check-marker"))
}

func TestRunQueueMaintenance(t *testing.T) {
	c := newCLI(t)
	layout := conventions.New(c.dir)

	out := c.ok("", "queue", "migrate")
	assert.Contains(t, out, "task_queue.md\talready current")

	require.NoError(t, os.WriteFile(layout.TaskQueuePath(), []byte("### TASK-001: broken\n\n| Field | Value |\n|-------|-------|\n| Status | exploded |\n"), 0644))
	out = c.ok("", "queue", "repair")
	assert.Contains(t, out, "task_queue.md\t")
	assert.NotContains(t, out, "task_queue.md\tok")
	assert.Contains(t, out, "issue_queue.md\tok")

	c.ok("", "task", "list")
}

func TestRunVerifyWithoutCommandsFails(t *testing.T) {
	c := newCLI(t)

	out, err := c.run("", "verify", "TASK-001", "--no-claim")
	require.Error(t, err)
	assert.Contains(t, out, "no verify commands configured")
}

func TestRunVersion(t *testing.T) {
	var stdout bytes.Buffer
	err := Run(context.Background(), []string{"orchestrator", "version"}, strings.NewReader(""), &stdout, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "orchestrator dev\n", stdout.String())
}

func TestRunInvalidCommand(t *testing.T) {
	err := Run(context.Background(), []string{"orchestrator", "launch"}, strings.NewReader(""), io.Discard, io.Discard)
	assert.Error(t, err)
}
