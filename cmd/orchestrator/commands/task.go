package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/msageha/orchestrator/internal/agent"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/queuefile"
)

// NewTaskCommand returns the parent of the task subcommands.
func NewTaskCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("task", "Manage the task queue.")
}

type TaskAddCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	file       string
	id         string
	title      string
	objective  string
	category   string
	complexity string
	priority   int
	dependsOn  []string
	steps      []string
	acceptance string
}

// NewTaskAddCommand returns the task add command.
func NewTaskAddCommand(rootCmd *RootCommand, taskCmd *kingpin.CmdClause) *TaskAddCommand {
	c := &TaskAddCommand{rootCmd: rootCmd}

	c.Cmd = taskCmd.Command("add", "Append tasks to the queue, from a Markdown file or from flags.")
	c.Cmd.Flag("file", "Markdown file with task entries in the queue format (- for stdin).").Short('f').StringVar(&c.file)
	c.Cmd.Flag("id", "Task id (assigned from the configured prefix when empty).").StringVar(&c.id)
	c.Cmd.Flag("title", "Task title.").StringVar(&c.title)
	c.Cmd.Flag("objective", "What the task must achieve.").StringVar(&c.objective)
	c.Cmd.Flag("category", "Task category.").Default(string(model.CategoryBuild)).StringVar(&c.category)
	c.Cmd.Flag("complexity", "Task complexity (low, medium, high).").Default(string(model.ComplexityMedium)).StringVar(&c.complexity)
	c.Cmd.Flag("priority", "Priority, lower runs first.").Default("0").IntVar(&c.priority)
	c.Cmd.Flag("depends-on", "Task this one depends on (repeatable).").StringsVar(&c.dependsOn)
	c.Cmd.Flag("step", "Implementation step (repeatable).").StringsVar(&c.steps)
	c.Cmd.Flag("acceptance", "Acceptance criteria.").StringVar(&c.acceptance)

	return c
}

func (c TaskAddCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskAddCommand) Run(ctx context.Context) error {
	tasks, err := c.tasks()
	if err != nil {
		return err
	}

	p, err := c.rootCmd.openProject(ctx, projectOptions{})
	if err != nil {
		return err
	}
	defer p.Close()

	added, err := p.manager.AddTasks(ctx, tasks)
	if err != nil {
		return fmt.Errorf("could not add tasks: %w", err)
	}
	for _, t := range added {
		fmt.Fprintf(c.rootCmd.Stdout, "%s\t%s\n", t.ID, t.Title)
	}
	return nil
}

func (c TaskAddCommand) tasks() ([]model.Task, error) {
	if c.file != "" {
		src, err := c.rootCmd.readInput(c.file)
		if err != nil {
			return nil, fmt.Errorf("could not read tasks: %w", err)
		}
		tasks, _, err := queuefile.ParseTasks(src)
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			return nil, fmt.Errorf("no task entries in %s: %w", c.file, model.ErrNotValid)
		}
		return tasks, nil
	}

	if strings.TrimSpace(c.objective) == "" {
		return nil, fmt.Errorf("--objective or --file is required: %w", model.ErrNotValid)
	}
	category, err := model.ParseCategory(c.category)
	if err != nil {
		return nil, err
	}
	complexity, err := model.ParseComplexity(c.complexity)
	if err != nil {
		return nil, err
	}
	title := c.title
	if title == "" {
		title = firstLine(c.objective)
	}
	return []model.Task{{
		ID:                 c.id,
		Title:              title,
		Category:           category,
		Complexity:         complexity,
		Priority:           c.priority,
		DependsOn:          c.dependsOn,
		Objective:          c.objective,
		Steps:              c.steps,
		AcceptanceCriteria: c.acceptance,
	}}, nil
}

type TaskListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	status string
	format string
}

// NewTaskListCommand returns the task list command.
func NewTaskListCommand(rootCmd *RootCommand, taskCmd *kingpin.CmdClause) *TaskListCommand {
	c := &TaskListCommand{rootCmd: rootCmd}

	c.Cmd = taskCmd.Command("list", "List tasks.")
	c.Cmd.Flag("status", "Only tasks with this status.").EnumVar(&c.status,
		string(model.StatusPending), string(model.StatusInProgress), string(model.StatusCompleted), string(model.StatusFailed))
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c TaskListCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskListCommand) Run(ctx context.Context) error {
	p, err := c.rootCmd.openProject(ctx, projectOptions{})
	if err != nil {
		return err
	}
	defer p.Close()

	snap, err := p.manager.Snapshot(ctx)
	if err != nil {
		return err
	}

	tasks := snap.Tasks
	if c.status != "" {
		tasks = tasks[:0:0]
		for _, t := range snap.Tasks {
			if string(t.Status) == c.status {
				tasks = append(tasks, t)
			}
		}
	}

	if c.format == formatJSON {
		return printJSON(c.rootCmd.Stdout, tasks)
	}
	return printTasks(c.rootCmd.Stdout, tasks)
}

type TaskClaimCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id     string
	owner  string
	prompt bool
}

// NewTaskClaimCommand returns the task claim command.
func NewTaskClaimCommand(rootCmd *RootCommand, taskCmd *kingpin.CmdClause) *TaskClaimCommand {
	c := &TaskClaimCommand{rootCmd: rootCmd}

	c.Cmd = taskCmd.Command("claim", "Claim a ready task: the given one, or the most urgent.")
	c.Cmd.Arg("task-id", "Task to claim.").StringVar(&c.id)
	c.Cmd.Flag("owner", "Recorded as the claimant.").Default("cli").StringVar(&c.owner)
	c.Cmd.Flag("prompt", "Print the agent prompt for the claimed attempt.").BoolVar(&c.prompt)

	return c
}

func (c TaskClaimCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskClaimCommand) Run(ctx context.Context) error {
	p, err := c.rootCmd.openProject(ctx, projectOptions{})
	if err != nil {
		return err
	}
	defer p.Close()

	var t model.Task
	if c.id != "" {
		t, err = p.manager.ClaimTask(ctx, c.id, c.owner)
	} else {
		t, err = p.manager.Claim(ctx, c.owner)
	}
	if errors.Is(err, model.ErrNotFound) && c.id == "" {
		fmt.Fprintln(c.rootCmd.Stdout, "No task is ready.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not claim task: %w", err)
	}

	if !c.prompt {
		fmt.Fprintf(c.rootCmd.Stdout, "%s\tattempt %d/%d\tlease until %s\n", t.ID, t.Attempts, t.MaxAttempts, t.LeaseExpiresAt.Format("15:04:05"))
		return nil
	}

	runner, err := agent.NewRunner(agent.Config{Agent: p.config.Agent, Layout: p.layout, IDPrefix: p.config.Lifecycle.IDPrefix, Logger: c.rootCmd.Logger})
	if err != nil {
		return err
	}
	prompt, err := runner.Prompt(t)
	if err != nil {
		return fmt.Errorf("could not render prompt: %w", err)
	}
	_, err = fmt.Fprint(c.rootCmd.Stdout, prompt)
	return err
}

type TaskCompleteCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id string
}

// NewTaskCompleteCommand returns the task complete command.
func NewTaskCompleteCommand(rootCmd *RootCommand, taskCmd *kingpin.CmdClause) *TaskCompleteCommand {
	c := &TaskCompleteCommand{rootCmd: rootCmd}

	c.Cmd = taskCmd.Command("complete", "Mark an in-progress task completed and write its done marker.")
	c.Cmd.Arg("task-id", "Task to complete.").Required().StringVar(&c.id)

	return c
}

func (c TaskCompleteCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskCompleteCommand) Run(ctx context.Context) error {
	p, err := c.rootCmd.openProject(ctx, projectOptions{})
	if err != nil {
		return err
	}
	defer p.Close()

	t, err := p.manager.Complete(ctx, c.id)
	if err != nil {
		return fmt.Errorf("could not complete task: %w", err)
	}
	fmt.Fprintf(c.rootCmd.Stdout, "%s\t%s\n", t.ID, t.Status)
	return nil
}

type TaskFailCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id   string
	diag diagnosticFlags
}

// NewTaskFailCommand returns the task fail command.
func NewTaskFailCommand(rootCmd *RootCommand, taskCmd *kingpin.CmdClause) *TaskFailCommand {
	c := &TaskFailCommand{rootCmd: rootCmd}

	c.Cmd = taskCmd.Command("fail", "Record a failed attempt of an in-progress task.")
	c.Cmd.Arg("task-id", "Task that failed.").Required().StringVar(&c.id)
	c.diag.register(c.Cmd)

	return c
}

func (c TaskFailCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskFailCommand) Run(ctx context.Context) error {
	p, err := c.rootCmd.openProject(ctx, projectOptions{})
	if err != nil {
		return err
	}
	defer p.Close()

	t, err := p.manager.Fail(ctx, c.id, c.diag.diagnostic(c.id, 0))
	if err != nil {
		return fmt.Errorf("could not fail task: %w", err)
	}
	switch t.Status {
	case model.StatusFailed:
		fmt.Fprintf(c.rootCmd.Stdout, "%s\tfailed after %d attempts; an issue was recorded\n", t.ID, t.Attempts)
	default:
		fmt.Fprintf(c.rootCmd.Stdout, "%s\t%s\tattempt %d/%d used\n", t.ID, t.Status, t.Attempts, t.MaxAttempts)
	}
	return nil
}

type TaskDecomposeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	goal     string
	goalFile string
}

// NewTaskDecomposeCommand returns the task decompose command.
func NewTaskDecomposeCommand(rootCmd *RootCommand, taskCmd *kingpin.CmdClause) *TaskDecomposeCommand {
	c := &TaskDecomposeCommand{rootCmd: rootCmd}

	c.Cmd = taskCmd.Command("decompose", "Run the decomposition agent on a goal; it adds the tasks itself.")
	c.Cmd.Arg("goal", "What to build.").StringVar(&c.goal)
	c.Cmd.Flag("goal-file", "Read the goal from a file (- for stdin).").StringVar(&c.goalFile)

	return c
}

func (c TaskDecomposeCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskDecomposeCommand) Run(ctx context.Context) error {
	goal := c.goal
	if c.goalFile != "" {
		src, err := c.rootCmd.readInput(c.goalFile)
		if err != nil {
			return fmt.Errorf("could not read goal: %w", err)
		}
		goal = string(src)
	}
	if strings.TrimSpace(goal) == "" {
		return fmt.Errorf("a goal or --goal-file is required: %w", model.ErrNotValid)
	}

	p, err := c.rootCmd.openProject(ctx, projectOptions{})
	if err != nil {
		return err
	}
	defer p.Close()

	snap, err := p.manager.Snapshot(ctx)
	if err != nil {
		return err
	}
	var open []model.Issue
	for _, is := range snap.Issues {
		if !model.IsTerminal(is.Status) {
			open = append(open, is)
		}
	}
	before := len(snap.Tasks)

	runner, err := agent.NewRunner(agent.Config{Agent: p.config.Agent, Layout: p.layout, IDPrefix: p.config.Lifecycle.IDPrefix, Logger: c.rootCmd.Logger})
	if err != nil {
		return err
	}
	res, err := runner.Decompose(ctx, goal, open)
	if err != nil {
		return fmt.Errorf("decomposition agent: %w", err)
	}

	after, err := p.manager.Snapshot(ctx)
	if err != nil {
		return err
	}
	added := after.Tasks[min(before, len(after.Tasks)):]
	if err := printTasks(c.rootCmd.Stdout, added); err != nil {
		return err
	}
	if res.ExitCode != 0 || res.TimedOut {
		return fmt.Errorf("decomposition agent exited with code %d (timed out: %t), see %s", res.ExitCode, res.TimedOut, res.LogPath)
	}
	if len(added) == 0 {
		return fmt.Errorf("decomposition agent added no tasks, see %s", res.LogPath)
	}
	return nil
}

// diagnosticFlags collect a failure diagnostic on the command line.
type diagnosticFlags struct {
	err        string
	approaches []string
	rootCause  string
}

func (d *diagnosticFlags) register(cmd *kingpin.CmdClause) {
	cmd.Flag("error", "What went wrong.").Required().StringVar(&d.err)
	cmd.Flag("approach", "An approach that was tried (repeatable).").StringsVar(&d.approaches)
	cmd.Flag("root-cause", "Suspected root cause.").StringVar(&d.rootCause)
}

func (d diagnosticFlags) diagnostic(taskID string, attempts int) model.FailureDiagnostic {
	return model.FailureDiagnostic{
		TaskID:              taskID,
		Attempts:            attempts,
		AttemptedApproaches: d.approaches,
		Error:               d.err,
		SuspectedRootCause:  d.rootCause,
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
