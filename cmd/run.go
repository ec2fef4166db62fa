package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskcrew/taskcrew/internal/artifact"
	"github.com/taskcrew/taskcrew/internal/logger"
	"github.com/taskcrew/taskcrew/internal/team"
	"github.com/taskcrew/taskcrew/internal/teamfile"
	"github.com/taskcrew/taskcrew/internal/worker"
)

var (
	artifactDir string

	runCmd = &cobra.Command{
		Use:   "run <team-file>",
		Short: "Run the team described in a YAML file",
		Long: `Run loads a team file, starts the worker pool, and executes every task
as its dependencies complete. Task output is written to the artifact store
and a manifest of final task states is printed when the team terminates.

A SIGINT or SIGTERM aborts the run: pending tasks are skipped, running
tasks are cancelled, and the manifest still reports every task.`,
		Args: cobra.ExactArgs(1),
		RunE: runTeam,
	}
)

func init() {
	runCmd.Flags().StringVar(&artifactDir, "artifact-dir", "", "Directory for task artifacts (in-memory store when empty)")
}

func runTeam(cmd *cobra.Command, args []string) error {
	file, err := teamfile.Load(args[0])
	if err != nil {
		return err
	}

	var store artifact.Store
	if artifactDir != "" {
		store, err = artifact.NewDirStore(artifactDir)
		if err != nil {
			return err
		}
	} else {
		store = artifact.NewMemoryStore()
	}

	exec := worker.NewShellExecutor()
	coord, err := team.New(team.Config{
		Name: file.Team,
		Pool: file.PoolConfig(),
	}, store, exec)
	if err != nil {
		return err
	}

	if _, err := file.Build(coord, exec); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manifest, err := coord.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), manifest.Render())
	if !manifest.Succeeded() {
		logger.User.Errorf("Team %s finished with failures: %s", manifest.Team.ID, manifest.Counts())
		os.Exit(1)
	}
	return nil
}
