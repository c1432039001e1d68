package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/alecthomas/kingpin/v2"

	"github.com/msageha/orchestrator/internal/lifecycle"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/report"
	"github.com/msageha/orchestrator/internal/verify"
)

// NewIssueCommand returns the parent of the issue subcommands.
func NewIssueCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("issue", "Manage the issue queue.")
}

type IssueListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	all    bool
	format string
}

// NewIssueListCommand returns the issue list command.
func NewIssueListCommand(rootCmd *RootCommand, issueCmd *kingpin.CmdClause) *IssueListCommand {
	c := &IssueListCommand{rootCmd: rootCmd}

	c.Cmd = issueCmd.Command("list", "List open issues.")
	c.Cmd.Flag("all", "Include resolved and exhausted issues.").BoolVar(&c.all)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c IssueListCommand) Name() string { return c.Cmd.FullCommand() }

func (c IssueListCommand) Run(ctx context.Context) error {
	p, err := c.rootCmd.openProject(ctx, projectOptions{})
	if err != nil {
		return err
	}
	defer p.Close()

	snap, err := p.manager.Snapshot(ctx)
	if err != nil {
		return err
	}

	issues := make([]model.Issue, 0, len(snap.Issues))
	for _, is := range snap.Issues {
		if c.all || !model.IsTerminal(is.Status) {
			issues = append(issues, is)
		}
	}

	if c.format == formatJSON {
		return printJSON(c.rootCmd.Stdout, issues)
	}
	return printIssues(c.rootCmd.Stdout, issues)
}

type IssueIngestCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewIssueIngestCommand returns the issue ingest command.
func NewIssueIngestCommand(rootCmd *RootCommand, issueCmd *kingpin.CmdClause) *IssueIngestCommand {
	c := &IssueIngestCommand{rootCmd: rootCmd}
	c.Cmd = issueCmd.Command("ingest", "Turn pending issues into retry tasks.")
	return c
}

func (c IssueIngestCommand) Name() string { return c.Cmd.FullCommand() }

func (c IssueIngestCommand) Run(ctx context.Context) error {
	p, err := c.rootCmd.openProject(ctx, projectOptions{})
	if err != nil {
		return err
	}
	defer p.Close()

	res, err := p.manager.IngestIssues(ctx)
	if err != nil {
		return fmt.Errorf("could not ingest issues: %w", err)
	}

	ids := make([]string, 0, len(res.Spawned))
	for id := range res.Spawned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(c.rootCmd.Stdout, "%s\tretry task %s\n", id, res.Spawned[id])
	}
	for _, id := range res.Exhausted {
		fmt.Fprintf(c.rootCmd.Stdout, "%s\tretries exhausted\n", id)
	}
	if len(ids)+len(res.Exhausted) == 0 {
		fmt.Fprintln(c.rootCmd.Stdout, "No pending issues.")
	}
	return nil
}

type IssueResolveCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id string
}

// NewIssueResolveCommand returns the issue resolve command.
func NewIssueResolveCommand(rootCmd *RootCommand, issueCmd *kingpin.CmdClause) *IssueResolveCommand {
	c := &IssueResolveCommand{rootCmd: rootCmd}

	c.Cmd = issueCmd.Command("resolve", "Verify an issue's completed retry task and close the issue if it passes.")
	c.Cmd.Arg("issue-id", "Issue to resolve.").Required().StringVar(&c.id)

	return c
}

func (c IssueResolveCommand) Name() string { return c.Cmd.FullCommand() }

func (c IssueResolveCommand) Run(ctx context.Context) error {
	p, err := c.rootCmd.openProject(ctx, projectOptions{})
	if err != nil {
		return err
	}
	defer p.Close()

	gate, err := verify.NewGate(verify.Config{
		Verify:  p.config.Verify,
		Layout:  p.layout,
		Reports: report.NewStore(p.layout),
		Logger:  c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create verification gate: %w", err)
	}

	ev, err := p.manager.ResolveIssue(ctx, c.id, gate)
	if ev.ID != "" {
		if perr := printEvidence(c.rootCmd.Stdout, ev); perr != nil {
			return perr
		}
	}
	if errors.Is(err, lifecycle.ErrVerificationFailed) {
		return fmt.Errorf("issue %s not resolved: %w", c.id, err)
	}
	if err != nil {
		return fmt.Errorf("could not resolve issue: %w", err)
	}
	fmt.Fprintf(c.rootCmd.Stdout, "%s resolved\n", c.id)
	return nil
}
