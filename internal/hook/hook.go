// Package hook implements the stop hook installed into agent sessions. The
// agent runtime runs it when the agent wants to stop; the hook keeps the agent
// going until the completion marker for its task exists.
package hook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/msageha/orchestrator/internal/agent"
	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/marker"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/queuefile"
)

const DecisionBlock = "block"

// Input is the JSON document the agent runtime writes to the hook's stdin.
type Input struct {
	SessionID      string `json:"session_id,omitempty"`
	TranscriptPath string `json:"transcript_path"`
	Cwd            string `json:"cwd"`
	StopHookActive bool   `json:"stop_hook_active"`
}

// Decision is written to stdout. The zero value lets the agent stop.
type Decision struct {
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (d Decision) Blocked() bool { return d.Decision == DecisionBlock }

func ReadInput(r io.Reader) (Input, error) {
	var in Input
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return Input{}, fmt.Errorf("decode hook input: %w: %w", model.ErrNotValid, err)
	}
	return in, nil
}

func WriteDecision(w io.Writer, d Decision) error {
	if !d.Blocked() {
		return nil
	}
	return json.NewEncoder(w).Encode(d)
}

var markerPathRegex = regexp.MustCompile(`\.orchestrator/complete/([A-Z]+-[0-9]+(?:-[0-9]+)?)\.(?:done|failed)`)

// CheckMarker blocks the stop while the task the agent works on has neither
// marker. A re-entered hook always allows the stop so an agent that cannot
// write the marker is not held forever; the daemon fails that attempt.
func CheckMarker(in Input, layout conventions.Layout) (Decision, error) {
	if in.StopHookActive {
		return Decision{}, nil
	}

	taskID, err := findTask(in, layout)
	if err != nil {
		return Decision{}, err
	}
	if taskID == "" {
		return Decision{}, nil
	}

	outcome, err := marker.NewStore(layout).State(taskID)
	if err != nil {
		return Decision{}, err
	}
	if outcome != marker.None {
		return Decision{}, nil
	}
	return Decision{Decision: DecisionBlock, Reason: blockReason(taskID)}, nil
}

// findTask prefers the id the agent was launched with. Without one it takes
// the marker path the prompt asked for, then any task id in the transcript,
// accepting only tasks the queue has in progress. Decompose sessions own no
// task and may always stop.
func findTask(in Input, layout conventions.Layout) (string, error) {
	role := agent.Role(os.Getenv(agent.EnvRole))
	id := os.Getenv(agent.EnvTaskID)
	if role == agent.RoleDecompose || id == string(agent.RoleDecompose) {
		return "", nil
	}
	if model.ValidateTaskID(id) {
		return id, nil
	}
	if in.TranscriptPath == "" {
		return "", nil
	}

	data, err := os.ReadFile(in.TranscriptPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}

	var candidates []string
	for _, m := range markerPathRegex.FindAllSubmatch(data, -1) {
		candidates = append(candidates, string(m[1]))
	}
	for _, m := range model.TaskIDPattern.FindAll(data, -1) {
		candidates = append(candidates, string(m))
	}
	if len(candidates) == 0 {
		return "", nil
	}

	tasks, err := queuefile.ReadTasks(layout.TaskQueuePath())
	if err != nil {
		return "", fmt.Errorf("read task queue: %w", err)
	}
	running := make(map[string]bool)
	for _, t := range tasks {
		if t.Status == model.StatusInProgress {
			running[t.ID] = true
		}
	}
	for _, c := range candidates {
		if running[c] {
			return c, nil
		}
	}
	return "", nil
}

func blockReason(taskID string) string {
	done := conventions.RelMarkerPath(taskID, conventions.DoneSuffix)
	return fmt.Sprintf(`You have not created the completion marker for %s.

The orchestrator is waiting for %s.

If the task is finished, run:
  orchestrator marker done %s

If you cannot finish it, record why:
  orchestrator marker failed %s --error "<what went wrong>"`, taskID, done, taskID, taskID)
}
