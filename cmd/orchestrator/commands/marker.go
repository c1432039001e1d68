package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/msageha/orchestrator/internal/marker"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/report"
	"github.com/msageha/orchestrator/internal/setup"
)

// NewMarkerCommand returns the parent of the marker subcommands.
func NewMarkerCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("marker", "Write or wait for completion markers.")
}

// MarkerDoneCommand only writes the marker; the daemon applies it to the
// queue on its next scan.
type MarkerDoneCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id string
}

// NewMarkerDoneCommand returns the marker done command.
func NewMarkerDoneCommand(rootCmd *RootCommand, markerCmd *kingpin.CmdClause) *MarkerDoneCommand {
	c := &MarkerDoneCommand{rootCmd: rootCmd}

	c.Cmd = markerCmd.Command("done", "Signal that a task is finished.")
	c.Cmd.Arg("task-id", "Finished task.").Required().StringVar(&c.id)

	return c
}

func (c MarkerDoneCommand) Name() string { return c.Cmd.FullCommand() }

func (c MarkerDoneCommand) Run(_ context.Context) error {
	if !model.ValidateTaskID(c.id) {
		return fmt.Errorf("task id %q: %w", c.id, model.ErrNotValid)
	}
	layout, err := c.rootCmd.Layout()
	if err != nil {
		return err
	}

	if err := marker.NewStore(layout).MarkDone(c.id); err != nil {
		return err
	}
	c.rootCmd.Logger.Infof("marker written task=%s outcome=done", c.id)
	fmt.Fprintln(c.rootCmd.Stdout, layout.DonePath(c.id))
	return nil
}

// MarkerFailedCommand writes the failure diagnostic and then the failed
// marker, so the diagnostic is in place when the marker is seen.
type MarkerFailedCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id   string
	diag diagnosticFlags
}

// NewMarkerFailedCommand returns the marker failed command.
func NewMarkerFailedCommand(rootCmd *RootCommand, markerCmd *kingpin.CmdClause) *MarkerFailedCommand {
	c := &MarkerFailedCommand{rootCmd: rootCmd}

	c.Cmd = markerCmd.Command("failed", "Give up on a task and record why.")
	c.Cmd.Arg("task-id", "Failed task.").Required().StringVar(&c.id)
	c.diag.register(c.Cmd)

	return c
}

func (c MarkerFailedCommand) Name() string { return c.Cmd.FullCommand() }

func (c MarkerFailedCommand) Run(ctx context.Context) error {
	if !model.ValidateTaskID(c.id) {
		return fmt.Errorf("task id %q: %w", c.id, model.ErrNotValid)
	}
	p, err := c.rootCmd.openProject(ctx, projectOptions{})
	if err != nil {
		return err
	}
	defer p.Close()

	attempts := 0
	if t, err := p.manager.Task(ctx, c.id); err == nil {
		attempts = t.Attempts
	}

	if err := report.NewStore(p.layout).WriteFailure(c.diag.diagnostic(c.id, attempts)); err != nil {
		return err
	}
	if err := marker.NewStore(p.layout).MarkFailed(c.id); err != nil {
		return err
	}
	c.rootCmd.Logger.Infof("marker written task=%s outcome=failed", c.id)
	fmt.Fprintln(c.rootCmd.Stdout, p.layout.FailedPath(c.id))
	return nil
}

type MarkerWaitCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id      string
	timeout time.Duration
}

// NewMarkerWaitCommand returns the marker wait command.
func NewMarkerWaitCommand(rootCmd *RootCommand, markerCmd *kingpin.CmdClause) *MarkerWaitCommand {
	c := &MarkerWaitCommand{rootCmd: rootCmd}

	c.Cmd = markerCmd.Command("wait", "Block until a task has a marker. Exits non-zero on failure or timeout.")
	c.Cmd.Arg("task-id", "Task to wait for.").Required().StringVar(&c.id)
	c.Cmd.Flag("timeout", "Give up after this long (0 waits forever).").Default("0").DurationVar(&c.timeout)

	return c
}

func (c MarkerWaitCommand) Name() string { return c.Cmd.FullCommand() }

func (c MarkerWaitCommand) Run(ctx context.Context) error {
	if !model.ValidateTaskID(c.id) {
		return fmt.Errorf("task id %q: %w", c.id, model.ErrNotValid)
	}
	layout, err := c.rootCmd.Layout()
	if err != nil {
		return err
	}
	cfg, err := setup.LoadConfig(layout)
	if err != nil {
		return err
	}

	poll := time.Duration(cfg.Watcher.MarkerPollMs) * time.Millisecond
	waiter := marker.NewWaiter(marker.NewStore(layout), poll, c.rootCmd.Logger)
	outcome, err := waiter.Wait(ctx, c.id, c.timeout)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.rootCmd.Stdout, "%s\t%s\n", c.id, outcome)
	if outcome == marker.Failed {
		return fmt.Errorf("task %s failed", c.id)
	}
	return nil
}
