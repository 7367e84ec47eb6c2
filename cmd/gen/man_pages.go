package gen

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/foilen/relay/internal/meta"
)

var (
	manDir     string
	manSection string
)

var ManPagesCmd = &cobra.Command{
	Use:   "man",
	Short: "Generate man pages for relay",
	Long: `Generates up-to-date man pages for every relay command, one file per
command, in the "man" directory under the current directory unless --dir
says otherwise.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		if err := os.MkdirAll(manDir, 0750); err != nil {
			return fmt.Errorf("Failed to create %s: %w", manDir, err)
		}

		header := &doc.GenManHeader{
			Section: manSection,
			Manual:  "relay Manual",
			Source:  "relay " + meta.GetInfo().Version,
		}

		root := cmd.Root()
		root.DisableAutoGenTag = true

		fmt.Fprintln(out, "Generating relay man pages in", manDir, "...")

		if err := doc.GenManTree(root, header, manDir); err != nil {
			return err
		}

		fmt.Fprintln(out, "Done.")
		return nil
	},
}

func init() {
	flags := ManPagesCmd.PersistentFlags()

	flags.StringVar(&manDir, "dir", "man", "the directory to write the man pages to")
	flags.StringVar(&manSection, "section", "1", "the man section the pages belong to")

	// For bash-completion
	if err := flags.SetAnnotation("dir", cobra.BashCompSubdirsInDir, []string{}); err != nil {
		panic(err)
	}
}
