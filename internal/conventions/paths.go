// Package conventions holds the on-disk layout shared by the orchestrator and the agents it launches.
package conventions

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	// Dir is the orchestrator directory name inside a project.
	Dir = ".orchestrator"

	CompleteDir   = "complete"
	ReportsDir    = "reports"
	EvidenceDir   = "evidence"
	LocksDir      = "locks"
	LogsDir       = "logs"
	AgentLogsDir  = "logs/agents"
	QuarantineDir = "quarantine"
	PromptsDir    = "prompts"
	StateDir      = "state"

	TaskQueueFile  = "task_queue.md"
	IssueQueueFile = "issue_queue.md"
	ConfigFile     = "config.yaml"
	LedgerFile     = "state/ledger.db"
	SocketFile     = "daemon.sock"
	DaemonLockFile = "locks/daemon.lock"
	QueueLockFile  = "locks/queue.lock"
	MarkerLockFile = "locks/marker.lock"
	DaemonLogFile  = "logs/daemon.log"

	DoneSuffix   = ".done"
	FailedSuffix = ".failed"
)

// Layout resolves every path below one .orchestrator directory.
type Layout struct {
	Root string
}

// New returns the layout for a project directory.
func New(projectDir string) Layout {
	return Layout{Root: filepath.Join(projectDir, Dir)}
}

// ProjectDir is the directory that contains .orchestrator/.
func (l Layout) ProjectDir() string { return filepath.Dir(l.Root) }

func (l Layout) Path(rel string) string { return filepath.Join(l.Root, filepath.FromSlash(rel)) }

func (l Layout) TaskQueuePath() string  { return l.Path(TaskQueueFile) }
func (l Layout) IssueQueuePath() string { return l.Path(IssueQueueFile) }
func (l Layout) ConfigPath() string     { return l.Path(ConfigFile) }
func (l Layout) CompleteDir() string    { return l.Path(CompleteDir) }
func (l Layout) ReportsDir() string     { return l.Path(ReportsDir) }
func (l Layout) EvidenceDir() string    { return l.Path(EvidenceDir) }
func (l Layout) QuarantineDir() string  { return l.Path(QuarantineDir) }
func (l Layout) PromptsDir() string     { return l.Path(PromptsDir) }
func (l Layout) SocketPath() string     { return l.Path(SocketFile) }

// DonePath is the success marker: complete/{task_id}.done.
func (l Layout) DonePath(taskID string) string {
	return filepath.Join(l.CompleteDir(), taskID+DoneSuffix)
}

// FailedPath is the failure marker: complete/{task_id}.failed.
func (l Layout) FailedPath(taskID string) string {
	return filepath.Join(l.CompleteDir(), taskID+FailedSuffix)
}

// LoopReportPath is reports/{task_id}-loop-{n}.json.
func (l Layout) LoopReportPath(taskID string, loop int) string {
	return filepath.Join(l.ReportsDir(), taskID+"-loop-"+strconv.Itoa(loop)+".json")
}

// FailureReportPath is the JSON diagnostic written next to a .failed marker.
func (l Layout) FailureReportPath(taskID string) string {
	return filepath.Join(l.ReportsDir(), taskID+"-failure.json")
}

func (l Layout) EvidencePath(taskID, recordID string) string {
	return filepath.Join(l.EvidenceDir(), taskID+"-"+recordID+".json")
}

func (l Layout) AgentLogPath(taskID string, attempt int) string {
	return filepath.Join(l.Path(AgentLogsDir), fmt.Sprintf("%s-attempt-%d.log", taskID, attempt))
}

// RelMarkerPath is the marker path relative to the project, as written into prompts.
func RelMarkerPath(taskID, suffix string) string {
	return Dir + "/" + CompleteDir + "/" + taskID + suffix
}

// Dirs lists every directory Init creates.
func Dirs() []string {
	return []string{CompleteDir, ReportsDir, EvidenceDir, LocksDir, LogsDir, AgentLogsDir, QuarantineDir, PromptsDir, StateDir}
}

// EnsureDirs creates the layout directories.
func (l Layout) EnsureDirs() error {
	for _, d := range Dirs() {
		if err := os.MkdirAll(l.Path(d), 0755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// Find walks up from start until a directory containing .orchestrator/ is found.
func Find(start string) (Layout, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve %s: %w", start, err)
	}
	for {
		info, err := os.Stat(filepath.Join(dir, Dir))
		if err == nil && info.IsDir() {
			return New(dir), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Layout{}, fmt.Errorf("%s not found above %s", Dir, start)
		}
		dir = parent
	}
}
