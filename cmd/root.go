package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foilen/relay/cmd/gen"
	"github.com/foilen/relay/internal/meta"
)

var RootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Exchange commands between peers over long lived connections",
	Long: `relay runs a peer of the relay command bus.

Peers dial each other, announce the port they listen on, then push
commands to each other for as long as the connection lives. Failed
connections are redialed with backoff.`,
	SilenceUsage: true,
}

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), meta.GetInfo().String())
	},
}

func init() {
	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(SendCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
