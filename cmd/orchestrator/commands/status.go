package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/msageha/orchestrator/internal/daemon"
	"github.com/msageha/orchestrator/internal/status"
	"github.com/msageha/orchestrator/internal/uds"
)

const pingTimeout = 2 * time.Second

type StatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	format string
}

// NewStatusCommand returns the status command.
func NewStatusCommand(rootCmd *RootCommand, app *kingpin.Application) *StatusCommand {
	c := &StatusCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("status", "Show queue counts, blocked tasks, open issues and daemon liveness.")
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c StatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c StatusCommand) Run(ctx context.Context) error {
	p, err := c.rootCmd.openProject(ctx, projectOptions{})
	if err != nil {
		return err
	}
	defer p.Close()

	snap, err := p.manager.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("could not read queues: %w", err)
	}

	client := uds.NewClient(p.layout.SocketPath())
	client.SetTimeout(pingTimeout)

	summary := status.Summarize(snap)
	summary.Daemon = status.CheckDaemon(ctx, client)

	if c.format == formatJSON {
		return status.PrintJSON(c.rootCmd.Stdout, summary)
	}
	return status.PrintTable(c.rootCmd.Stdout, summary)
}

type ScanCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	timeout time.Duration
}

// NewScanCommand returns the scan command.
func NewScanCommand(rootCmd *RootCommand, app *kingpin.Application) *ScanCommand {
	c := &ScanCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("scan", "Ask the running daemon to reconcile markers and dispatch ready tasks now.")
	c.Cmd.Flag("timeout", "How long to wait for the scan.").Default("1m").DurationVar(&c.timeout)

	return c
}

func (c ScanCommand) Name() string { return c.Cmd.FullCommand() }

func (c ScanCommand) Run(ctx context.Context) error {
	layout, err := c.rootCmd.Layout()
	if err != nil {
		return err
	}

	client := uds.NewClient(layout.SocketPath())
	client.SetTimeout(c.timeout)

	var res daemon.ScanResult
	if err := client.Call(ctx, uds.CommandScan, nil, &res); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	enc := json.NewEncoder(c.rootCmd.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
