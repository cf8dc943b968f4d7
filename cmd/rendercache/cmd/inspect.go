package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/velora/rendercache"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <snapshot-file>",
	Short: "Print a hibernation snapshot's header and content references",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		info, err := rendercache.InspectSnapshot(data)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", args[0], err)
		}

		fmt.Printf("format version: %d\n", info.FormatVersion)
		fmt.Printf("context:        %d\n", info.ContextID)
		fmt.Printf("created:        %s\n", info.CreatedAt.Format("2006-01-02 15:04:05.000"))
		fmt.Printf("state blob:     %d bytes (%d uncompressed)\n", info.StateBytes, info.StateOriginal)
		fmt.Printf("references:     %d\n", len(info.Refs))
		for _, ref := range info.Refs {
			fmt.Printf("  %s x%d\n", ref.Digest, ref.Count)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
