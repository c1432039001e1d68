package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/report"
	"github.com/msageha/orchestrator/internal/setup"
	"github.com/msageha/orchestrator/internal/verify"
)

type VerifyCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id        string
	issueID   string
	files     []string
	noClaim   bool
	preflight bool
	format    string
}

// NewVerifyCommand returns the verify command.
func NewVerifyCommand(rootCmd *RootCommand, app *kingpin.Application) *VerifyCommand {
	c := &VerifyCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("verify", "Re-run the configured checks for a task and record the evidence.")
	c.Cmd.Arg("task-id", "Task to verify.").StringVar(&c.id)
	c.Cmd.Flag("issue", "Issue the verification is for.").StringVar(&c.issueID)
	c.Cmd.Flag("file", "File to lint (repeatable; defaults to the files in the latest loop report).").StringsVar(&c.files)
	c.Cmd.Flag("no-claim", "Do not compare against the latest loop report.").BoolVar(&c.noClaim)
	c.Cmd.Flag("preflight", "Only run the preflight dependency checks.").BoolVar(&c.preflight)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c VerifyCommand) Name() string { return c.Cmd.FullCommand() }

func (c VerifyCommand) Run(ctx context.Context) error {
	layout, err := c.rootCmd.Layout()
	if err != nil {
		return err
	}
	cfg, err := setup.LoadConfig(layout)
	if err != nil {
		return err
	}
	reports := report.NewStore(layout)
	gate, err := verify.NewGate(verify.Config{Verify: cfg.Verify, Layout: layout, Reports: reports, Logger: c.rootCmd.Logger})
	if err != nil {
		return fmt.Errorf("could not create verification gate: %w", err)
	}

	if c.preflight {
		checks, err := gate.Preflight(ctx)
		if perr := c.print(model.Evidence{Checks: checks, Passed: err == nil}); perr != nil {
			return perr
		}
		return err
	}

	if !model.ValidateTaskID(c.id) {
		return fmt.Errorf("task id %q: %w", c.id, model.ErrNotValid)
	}
	req := verify.Request{TaskID: c.id, IssueID: c.issueID, Files: c.files}
	if !c.noClaim {
		claim, err := reports.Latest(c.id)
		switch {
		case err == nil:
			req.Claim = &claim
		case errors.Is(err, model.ErrNotFound):
			c.rootCmd.Logger.Warningf("no loop report to compare task=%s", c.id)
		default:
			return err
		}
	}

	ev, err := gate.Run(ctx, req)
	if perr := c.print(ev); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if !ev.Passed {
		return fmt.Errorf("verification of %s failed", c.id)
	}
	return nil
}

func (c VerifyCommand) print(ev model.Evidence) error {
	if c.format == formatJSON {
		return printJSON(c.rootCmd.Stdout, ev)
	}
	return printEvidence(c.rootCmd.Stdout, ev)
}
