package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/log"
	"github.com/msageha/orchestrator/internal/model"
)

// Environment passed to every agent process.
const (
	EnvDir     = "ORCHESTRATOR_DIR"
	EnvTaskID  = "ORCHESTRATOR_TASK_ID"
	EnvRole    = "ORCHESTRATOR_ROLE"
	EnvAttempt = "ORCHESTRATOR_ATTEMPT"
)

type Config struct {
	Agent    model.AgentConfig
	Layout   conventions.Layout
	IDPrefix string
	Logger   log.Logger
}

func (c *Config) defaults() error {
	if c.Layout.Root == "" {
		return fmt.Errorf("layout is required")
	}
	if c.Agent.TimeoutSec <= 0 {
		c.Agent.TimeoutSec = 1800
	}
	if c.IDPrefix == "" {
		c.IDPrefix = model.DefaultTaskPrefix
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "agent.Runner"})
	return nil
}

// Runner launches one agent process per task attempt.
type Runner struct {
	cfg     Config
	prompts *Prompts
}

func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	dir := cfg.Agent.PromptsDir
	switch {
	case dir == "":
		dir = cfg.Layout.PromptsDir()
	case !filepath.IsAbs(dir):
		dir = cfg.Layout.Path(dir)
	}
	return &Runner{cfg: cfg, prompts: NewPrompts(dir)}, nil
}

// Result describes a finished agent process. A non-zero exit is not an error:
// the completion marker decides the outcome.
type Result struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	LogPath  string
}

// Prompt renders the prompt an agent gets for the current attempt of t.
func (r *Runner) Prompt(t model.Task) (string, error) {
	return r.prompts.Render(newPromptData(r.cfg.Layout, RoleFor(t), t))
}

// Run executes the agent for the current attempt of t and blocks until the
// process exits, the timeout passes or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, t model.Task) (Result, error) {
	prompt, err := r.Prompt(t)
	if err != nil {
		return Result{}, err
	}
	return r.run(ctx, RoleFor(t), t.ID, max(t.Attempts, 1), prompt)
}

// Decompose runs the decomposition agent on a goal. Open issues are listed
// in the prompt so the plan accounts for earlier failures.
func (r *Runner) Decompose(ctx context.Context, goal string, issues []model.Issue) (Result, error) {
	data := newPromptData(r.cfg.Layout, RoleDecompose, model.Task{})
	data.Goal = goal
	data.Issues = issues
	data.IDPrefix = r.cfg.IDPrefix
	prompt, err := r.prompts.Render(data)
	if err != nil {
		return Result{}, err
	}
	return r.run(ctx, RoleDecompose, string(RoleDecompose), 1, prompt)
}

func (r *Runner) run(ctx context.Context, role Role, id string, attempt int, prompt string) (Result, error) {
	argv := r.cfg.Agent.Command
	if len(argv) == 0 || argv[0] == "" {
		return Result{}, fmt.Errorf("agent.command is not configured: %w", model.ErrNotValid)
	}

	logPath := r.cfg.Layout.AgentLogPath(id, attempt)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return Result{}, fmt.Errorf("create agent log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return Result{}, fmt.Errorf("open agent log %s: %w", logPath, err)
	}
	defer logFile.Close()

	timeout := time.Duration(r.cfg.Agent.TimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	fmt.Fprintf(logFile, "=== %s role=%s id=%s attempt=%d command=%q\n", start.UTC().Format(time.RFC3339), role, id, attempt, strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.cfg.Layout.ProjectDir()
	cmd.Env = buildEnv(os.Environ(), map[string]string{
		EnvDir:     r.cfg.Layout.Root,
		EnvTaskID:  id,
		EnvRole:    string(role),
		EnvAttempt: strconv.Itoa(attempt),
	})
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = 5 * time.Second

	r.cfg.Logger.Infof("agent start role=%s id=%s attempt=%d", role, id, attempt)
	err = cmd.Run()
	res := Result{ExitCode: 0, Duration: time.Since(start), LogPath: logPath}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.TimedOut = true
	case errors.Is(ctx.Err(), context.Canceled):
		res.ExitCode = -1
		writeFooter(logFile, res)
		return res, fmt.Errorf("agent %s: %w", id, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("start agent %s: %w", id, err)
	}
	writeFooter(logFile, res)

	if res.TimedOut {
		r.cfg.Logger.Warningf("agent timeout role=%s id=%s attempt=%d after=%s", role, id, attempt, timeout)
	} else {
		r.cfg.Logger.Infof("agent exit role=%s id=%s attempt=%d code=%d duration=%s", role, id, attempt, res.ExitCode, res.Duration.Round(time.Second))
	}
	return res, nil
}

func writeFooter(w io.Writer, res Result) {
	fmt.Fprintf(w, "=== exit=%d timed_out=%t duration=%s\n", res.ExitCode, res.TimedOut, res.Duration.Round(time.Millisecond))
}

// buildEnv returns environ with the given variables set, dropping inherited
// values of the same names.
func buildEnv(environ []string, set map[string]string) []string {
	out := make([]string, 0, len(environ)+len(set))
	for _, e := range environ {
		name, _, _ := strings.Cut(e, "=")
		if _, ok := set[name]; ok {
			continue
		}
		out = append(out, e)
	}
	for name, v := range set {
		out = append(out, name+"="+v)
	}
	return out
}
