package report_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/report"
)

func newStore(t *testing.T) (*report.Store, conventions.Layout) {
	t.Helper()
	layout := conventions.New(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	return report.NewStore(layout), layout
}

func TestWriteLoopNumbering(t *testing.T) {
	s, layout := newStore(t)
	start := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	n, err := s.WriteLoop(model.LoopReport{TaskID: "TASK-001", StartedAt: start, FinishedAt: start.Add(90 * time.Second), TestsRun: 4})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.WriteLoop(model.LoopReport{TaskID: "TASK-001", BuildPassed: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Explicit loop numbers are honoured.
	n, err = s.WriteLoop(model.LoopReport{TaskID: "TASK-001", Loop: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// Retry tasks keep separate numbering.
	n, err = s.WriteLoop(model.LoopReport{TaskID: "TASK-001-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(layout.Path("reports/TASK-001-loop-2.json"))
	require.NoError(t, err)

	loops, err := s.ListLoops("TASK-001")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 5}, loops)

	first, err := s.ReadLoop("TASK-001", 1)
	require.NoError(t, err)
	assert.Equal(t, 90.0, first.DurationSeconds)
	assert.Equal(t, 4, first.TestsRun)

	latest, err := s.Latest("TASK-001")
	require.NoError(t, err)
	assert.Equal(t, 5, latest.Loop)
}

func TestLatestNotFound(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Latest("TASK-009")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestWriteLoopInvalid(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.WriteLoop(model.LoopReport{TaskID: "task one"})
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestReadLoopCorrupt(t *testing.T) {
	s, layout := newStore(t)
	require.NoError(t, os.WriteFile(layout.LoopReportPath("TASK-001", 1), []byte("{not json"), 0644))

	_, err := s.ReadLoop("TASK-001", 1)
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestFailureDiagnostic(t *testing.T) {
	s, _ := newStore(t)
	d := model.FailureDiagnostic{
		TaskID:              "TASK-003",
		Attempts:            3,
		AttemptedApproaches: []string{"pin dependency", "vendor module"},
		Error:               "exit status 1",
		SuspectedRootCause:  "network sandbox",
		CreatedAt:           time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.WriteFailure(d))

	got, err := s.ReadFailure("TASK-003")
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = s.ReadFailure("TASK-004")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEvidence(t *testing.T) {
	s, _ := newStore(t)

	first, err := s.WriteEvidence(model.Evidence{TaskID: "TASK-001", Passed: false})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	time.Sleep(2 * time.Millisecond)
	second, err := s.WriteEvidence(model.Evidence{TaskID: "TASK-001", Passed: true, Checks: []model.CheckResult{{Name: "go test", Kind: "test", Passed: true}}})
	require.NoError(t, err)
	_, err = s.WriteEvidence(model.Evidence{TaskID: "TASK-001-1", Passed: true})
	require.NoError(t, err)

	got, err := s.ListEvidence("TASK-001")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
	assert.True(t, got[1].Passed)
}
