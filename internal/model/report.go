package model

import "time"

// LoopReport is what an agent claims to have done during one loop over a task.
// Nothing enforces its truthfulness; the verification gate re-runs the claims.
type LoopReport struct {
	TaskID          string    `json:"task_id"`
	Loop            int       `json:"loop"`
	Agent           string    `json:"agent,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	FilesCreated    []string  `json:"files_created"`
	FilesModified   []string  `json:"files_modified"`
	BuildPassed     bool      `json:"build_passed"`
	TestsPassed     bool      `json:"tests_passed"`
	TestsRun        int       `json:"tests_run"`
	TestsFailed     int       `json:"tests_failed"`
	Recommendations []string  `json:"recommendations"`
}

// FilesTouched returns created and modified files.
func (r *LoopReport) FilesTouched() []string {
	out := make([]string, 0, len(r.FilesCreated)+len(r.FilesModified))
	out = append(out, r.FilesCreated...)
	out = append(out, r.FilesModified...)
	return out
}

// FailureDiagnostic accompanies a {task_id}.failed marker.
type FailureDiagnostic struct {
	TaskID              string    `json:"task_id"`
	Attempts            int       `json:"attempts"`
	AttemptedApproaches []string  `json:"attempted_approaches"`
	Error               string    `json:"error"`
	SuspectedRootCause  string    `json:"suspected_root_cause"`
	CreatedAt           time.Time `json:"created_at"`
}

// CheckResult is the outcome of one preflight check, lint scan or re-executed command.
type CheckResult struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Command    string   `json:"command,omitempty"`
	ExitCode   int      `json:"exit_code"`
	Passed     bool     `json:"passed"`
	DurationMs int64    `json:"duration_ms"`
	Output     string   `json:"output,omitempty"`
	Error      string   `json:"error,omitempty"`
	Findings   []string `json:"findings,omitempty"`
}

// Evidence is the record the verification gate writes for every run.
type Evidence struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	IssueID    string        `json:"issue_id,omitempty"`
	Passed     bool          `json:"passed"`
	Checks     []CheckResult `json:"checks"`
	Mismatches []string      `json:"mismatches,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}
