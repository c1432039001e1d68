package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/hook"
)

// NewHookCommand returns the parent of the agent hook subcommands.
func NewHookCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("hook", "Hooks run by the agent runtime.")
}

type HookCheckMarkerCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewHookCheckMarkerCommand returns the hook check-marker command.
func NewHookCheckMarkerCommand(rootCmd *RootCommand, hookCmd *kingpin.CmdClause) *HookCheckMarkerCommand {
	c := &HookCheckMarkerCommand{rootCmd: rootCmd}
	c.Cmd = hookCmd.Command("check-marker", "Stop hook: keep the agent running until its completion marker exists.")
	return c
}

func (c HookCheckMarkerCommand) Name() string { return c.Cmd.FullCommand() }

func (c HookCheckMarkerCommand) Run(_ context.Context) error {
	in, err := hook.ReadInput(c.rootCmd.Stdin)
	if err != nil {
		return err
	}

	start := c.rootCmd.Dir
	if start == "" {
		start = in.Cwd
	}
	if start == "" {
		start = "."
	}
	layout, err := conventions.Find(start)
	if err != nil {
		// Not an orchestrated session.
		c.rootCmd.Logger.Debugf("hook outside a project dir=%s", start)
		return nil
	}

	d, err := hook.CheckMarker(in, layout)
	if err != nil {
		return fmt.Errorf("check marker: %w", err)
	}
	if d.Blocked() {
		c.rootCmd.Logger.Infof("agent stop blocked dir=%s", layout.Root)
	}
	return hook.WriteDecision(c.rootCmd.Stdout, d)
}
