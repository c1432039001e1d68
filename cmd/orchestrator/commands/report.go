package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/report"
)

// NewReportCommand returns the parent of the report subcommands.
func NewReportCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("report", "Write and read loop reports.")
}

type ReportWriteCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id   string
	file string
}

// NewReportWriteCommand returns the report write command.
func NewReportWriteCommand(rootCmd *RootCommand, reportCmd *kingpin.CmdClause) *ReportWriteCommand {
	c := &ReportWriteCommand{rootCmd: rootCmd}

	c.Cmd = reportCmd.Command("write", "Store a JSON loop report as the next loop of its task.")
	c.Cmd.Arg("task-id", "Task the report belongs to (overrides task_id in the JSON).").StringVar(&c.id)
	c.Cmd.Flag("file", "JSON report (- for stdin).").Short('f').Default("-").StringVar(&c.file)

	return c
}

func (c ReportWriteCommand) Name() string { return c.Cmd.FullCommand() }

func (c ReportWriteCommand) Run(_ context.Context) error {
	src, err := c.rootCmd.readInput(c.file)
	if err != nil {
		return fmt.Errorf("could not read report: %w", err)
	}

	var r model.LoopReport
	dec := json.NewDecoder(bytes.NewReader(src))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return fmt.Errorf("decode loop report: %w: %w", model.ErrNotValid, err)
	}
	if c.id != "" {
		r.TaskID = c.id
	}

	layout, err := c.rootCmd.Layout()
	if err != nil {
		return err
	}
	loop, err := report.NewStore(layout).WriteLoop(r)
	if err != nil {
		return err
	}
	c.rootCmd.Logger.Infof("loop report written task=%s loop=%d", r.TaskID, loop)
	fmt.Fprintln(c.rootCmd.Stdout, layout.LoopReportPath(r.TaskID, loop))
	return nil
}

type ReportShowCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id       string
	loop     int
	failure  bool
	evidence bool
}

// NewReportShowCommand returns the report show command.
func NewReportShowCommand(rootCmd *RootCommand, reportCmd *kingpin.CmdClause) *ReportShowCommand {
	c := &ReportShowCommand{rootCmd: rootCmd}

	c.Cmd = reportCmd.Command("show", "Print a task's latest loop report, a given loop, its failure diagnostic or its evidence.")
	c.Cmd.Arg("task-id", "Task to show.").Required().StringVar(&c.id)
	c.Cmd.Flag("loop", "Loop number (latest when 0).").IntVar(&c.loop)
	c.Cmd.Flag("failure", "Show the failure diagnostic instead.").BoolVar(&c.failure)
	c.Cmd.Flag("evidence", "Show the verification evidence instead.").BoolVar(&c.evidence)

	return c
}

func (c ReportShowCommand) Name() string { return c.Cmd.FullCommand() }

func (c ReportShowCommand) Run(_ context.Context) error {
	layout, err := c.rootCmd.Layout()
	if err != nil {
		return err
	}
	store := report.NewStore(layout)

	var v any
	switch {
	case c.failure:
		v, err = store.ReadFailure(c.id)
	case c.evidence:
		v, err = store.ListEvidence(c.id)
	case c.loop > 0:
		v, err = store.ReadLoop(c.id, c.loop)
	default:
		v, err = store.Latest(c.id)
	}
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("nothing recorded for %s: %w", c.id, err)
	}
	if err != nil {
		return err
	}
	return printJSON(c.rootCmd.Stdout, v)
}
