package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/msageha/orchestrator/internal/setup"
)

type InitCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	projectDir  string
	projectName string
}

// NewInitCommand returns the init command.
func NewInitCommand(rootCmd *RootCommand, app *kingpin.Application) *InitCommand {
	c := &InitCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("init", "Create the .orchestrator directory in a project.")
	c.Cmd.Arg("project-dir", "Project directory (defaults to --dir or the current directory).").StringVar(&c.projectDir)
	c.Cmd.Flag("name", "Project name (defaults to the directory name).").StringVar(&c.projectName)

	return c
}

func (c InitCommand) Name() string { return c.Cmd.FullCommand() }

func (c InitCommand) Run(_ context.Context) error {
	dir := c.projectDir
	if dir == "" {
		dir = c.rootCmd.Dir
	}
	if dir == "" {
		dir = "."
	}

	layout, err := setup.Init(dir, c.projectName)
	if err != nil {
		return fmt.Errorf("could not initialize project: %w", err)
	}
	c.rootCmd.Logger.Infof("project initialized dir=%s", layout.Root)

	fmt.Fprintf(c.rootCmd.Stdout, "Initialized %s\n", layout.Root)
	fmt.Fprintf(c.rootCmd.Stdout, "  Config:       %s\n", layout.ConfigPath())
	fmt.Fprintf(c.rootCmd.Stdout, "  Task queue:   %s\n", layout.TaskQueuePath())
	fmt.Fprintf(c.rootCmd.Stdout, "  Issue queue:  %s\n", layout.IssueQueuePath())
	fmt.Fprintf(c.rootCmd.Stdout, "  Prompts:      %s\n", layout.PromptsDir())
	return nil
}
