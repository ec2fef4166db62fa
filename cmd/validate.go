package cmd

import (
	"github.com/spf13/cobra"

	"github.com/taskcrew/taskcrew/internal/logger"
	"github.com/taskcrew/taskcrew/internal/teamfile"
)

var validateCmd = &cobra.Command{
	Use:   "validate <team-file>",
	Short: "Validate a team file without running it",
	Long: `Validate parses a team file and checks it for duplicate task names,
unknown or repeated dependencies, invalid dependency kinds, and cycles.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := teamfile.Load(args[0])
		if err != nil {
			return err
		}
		logger.User.Successf("Team file %s is valid: team %q with %d tasks", args[0], file.Team, len(file.Tasks))
		return nil
	},
}
