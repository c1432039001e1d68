package agent_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orchestrator/internal/agent"
	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/model"
)

func newRunner(t *testing.T, cfg model.AgentConfig) (*agent.Runner, conventions.Layout) {
	t.Helper()
	layout := conventions.New(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	r, err := agent.NewRunner(agent.Config{Agent: cfg, Layout: layout})
	require.NoError(t, err)
	return r, layout
}

func sampleTask() model.Task {
	return model.Task{
		ID:                 "TASK-007",
		Title:              "Add login endpoint",
		Category:           model.CategoryBuild,
		Complexity:         model.ComplexityMedium,
		Objective:          "POST /login returns a session token.",
		Steps:              []string{"Add handler", "Wire route"},
		AcceptanceCriteria: "Handler tests pass.",
		DependsOn:          []string{"TASK-001", "TASK-002"},
		Attempts:           2,
		MaxAttempts:        3,
	}
}

func TestPrompt(t *testing.T) {
	tests := map[string]struct {
		task     func() model.Task
		contains []string
	}{
		"Implementation prompts carry the task and marker paths.": {
			task: sampleTask,
			contains: []string{
				"implementation agent for task TASK-007 (attempt 2 of 3)",
				"POST /login returns a session token.",
				"1. Add handler",
				"2. Wire route",
				"Depends on (already completed): TASK-001, TASK-002",
				".orchestrator/complete/TASK-007.done",
				".orchestrator/complete/TASK-007.failed",
				".orchestrator/reports/TASK-007-loop-2.json",
				".orchestrator/reports/TASK-007-failure.json",
			},
		},
		"Test tasks get the testing prompt.": {
			task: func() model.Task {
				t := sampleTask()
				t.Category = model.CategoryTest
				return t
			},
			contains: []string{"testing agent for task TASK-007", "Never swallow errors"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			r, _ := newRunner(t, model.AgentConfig{})
			got, err := r.Prompt(test.task())
			require.NoError(t, err)
			for _, c := range test.contains {
				assert.Contains(t, got, c)
			}
		})
	}
}

func TestPromptOverride(t *testing.T) {
	r, layout := newRunner(t, model.AgentConfig{})
	override := "custom {{.Task.ID}} -> {{.DoneMarker}}"
	require.NoError(t, os.WriteFile(filepath.Join(layout.PromptsDir(), "implement.md.tmpl"), []byte(override), 0644))

	got, err := r.Prompt(sampleTask())
	require.NoError(t, err)
	assert.Equal(t, "custom TASK-007 -> .orchestrator/complete/TASK-007.done", got)
}

func TestPromptBadOverride(t *testing.T) {
	r, layout := newRunner(t, model.AgentConfig{})
	require.NoError(t, os.WriteFile(filepath.Join(layout.PromptsDir(), "implement.md.tmpl"), []byte("{{.Nope}}"), 0644))

	_, err := r.Prompt(sampleTask())
	assert.Error(t, err)
}

func TestCopyDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.md.tmpl"), []byte("mine"), 0644))

	require.NoError(t, agent.CopyDefaults(dir))
	for _, name := range []string{"decompose.md.tmpl", "implement.md.tmpl", "test.md.tmpl"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	// Existing files are kept.
	b, err := os.ReadFile(filepath.Join(dir, "test.md.tmpl"))
	require.NoError(t, err)
	assert.Equal(t, "mine", string(b))
}

func TestRun(t *testing.T) {
	script := `cat > prompt.txt; echo "$ORCHESTRATOR_TASK_ID $ORCHESTRATOR_ROLE $ORCHESTRATOR_ATTEMPT"; exit 3`
	r, layout := newRunner(t, model.AgentConfig{Command: []string{"sh", "-c", script}, TimeoutSec: 30})

	res, err := r.Run(context.Background(), sampleTask())
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, layout.AgentLogPath("TASK-007", 2), res.LogPath)

	prompt, err := os.ReadFile(filepath.Join(layout.ProjectDir(), "prompt.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(prompt), "TASK-007")

	log, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "TASK-007 implement 2\n")
	assert.Contains(t, string(log), "=== exit=3")
}

func TestRunTimeout(t *testing.T) {
	r, _ := newRunner(t, model.AgentConfig{Command: []string{"sh", "-c", "sleep 5"}, TimeoutSec: 1})

	res, err := r.Run(context.Background(), sampleTask())
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
}

func TestRunWithoutCommand(t *testing.T) {
	r, _ := newRunner(t, model.AgentConfig{})
	_, err := r.Run(context.Background(), sampleTask())
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestDecompose(t *testing.T) {
	r, layout := newRunner(t, model.AgentConfig{Command: []string{"sh", "-c", "cat > plan.txt"}, TimeoutSec: 30})
	issues := []model.Issue{{ID: "ISSUE-001", SourceTaskID: "TASK-003", Title: "db setup", LastError: "connection refused"}}

	res, err := r.Decompose(context.Background(), "Build a todo API", issues)
	require.NoError(t, err)
	assert.Zero(t, res.ExitCode)

	b, err := os.ReadFile(filepath.Join(layout.ProjectDir(), "plan.txt"))
	require.NoError(t, err)
	plan := string(b)
	assert.Contains(t, plan, "Build a todo API")
	assert.Contains(t, plan, "### TASK-001: Short title")
	assert.Contains(t, plan, "ISSUE-001 (TASK-003): db setup - last error: connection refused")
	assert.True(t, strings.HasSuffix(res.LogPath, "decompose-attempt-1.log"))
}
