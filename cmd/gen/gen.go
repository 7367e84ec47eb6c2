package gen

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate relay documentation",
	Long:  `Generate documentation for the relay CLI, see the subcommands`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
