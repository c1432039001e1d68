package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/msageha/orchestrator/internal/agent"
	"github.com/msageha/orchestrator/internal/daemon"
	"github.com/msageha/orchestrator/internal/events"
	"github.com/msageha/orchestrator/internal/notify"
	"github.com/msageha/orchestrator/internal/uds"
)

const eventBufferSize = 256

type DaemonCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	maxParallel int
	notify      bool
}

// NewDaemonCommand returns the daemon command.
func NewDaemonCommand(rootCmd *RootCommand, app *kingpin.Application) *DaemonCommand {
	c := &DaemonCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("daemon", "Run the supervisor that dispatches ready tasks to agents.")
	c.Cmd.Flag("max-parallel", "Override agent.max_parallel from config.yaml.").IntVar(&c.maxParallel)
	c.Cmd.Flag("notify", "Raise desktop notifications for failed tasks and issues (daemon.notify in config.yaml).").BoolVar(&c.notify)
	c.Cmd.Flag("log-file", "Also append logs to this file (defaults to .orchestrator/logs/daemon.log).").StringVar(&rootCmd.LogFile)

	return c
}

func (c DaemonCommand) Name() string { return c.Cmd.FullCommand() }

func (c DaemonCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	bus := events.NewBus(eventBufferSize, logger)
	defer bus.Close()

	p, err := c.rootCmd.openProject(ctx, projectOptions{events: bus})
	if err != nil {
		return err
	}
	defer p.Close()

	cfg := p.config
	if c.maxParallel > 0 {
		cfg.Agent.MaxParallel = c.maxParallel
	}
	if len(cfg.Agent.Command) == 0 {
		return fmt.Errorf("agent.command is not set in %s", p.layout.ConfigPath())
	}

	if c.notify || cfg.Daemon.Notify {
		unsubscribe := notify.Subscribe(bus, notify.Desktop{}, cfg.Project.Name, logger)
		defer unsubscribe()
	}

	runner, err := agent.NewRunner(agent.Config{
		Agent:    cfg.Agent,
		Layout:   p.layout,
		IDPrefix: cfg.Lifecycle.IDPrefix,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("could not create agent runner: %w", err)
	}

	d, err := daemon.New(daemon.Config{
		Layout:  p.layout,
		Config:  cfg,
		Manager: p.manager,
		Runner:  runner,
		Bus:     bus,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("could not create daemon: %w", err)
	}

	return d.Run(ctx)
}

type StopCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	timeout time.Duration
}

// NewStopCommand returns the stop command.
func NewStopCommand(rootCmd *RootCommand, app *kingpin.Application) *StopCommand {
	c := &StopCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("stop", "Ask the running daemon to shut down.")
	c.Cmd.Flag("timeout", "How long to wait for the daemon to answer.").Default("5s").DurationVar(&c.timeout)

	return c
}

func (c StopCommand) Name() string { return c.Cmd.FullCommand() }

func (c StopCommand) Run(ctx context.Context) error {
	layout, err := c.rootCmd.Layout()
	if err != nil {
		return err
	}

	client := uds.NewClient(layout.SocketPath())
	client.SetTimeout(c.timeout)
	if err := client.Call(ctx, uds.CommandShutdown, nil, nil); err != nil {
		return fmt.Errorf("could not stop daemon: %w", err)
	}

	fmt.Fprintln(c.rootCmd.Stdout, "Shutdown requested; running agents get the configured grace period.")
	return nil
}
