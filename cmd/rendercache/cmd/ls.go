package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/velora/rendercache/internal/coldstore"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cold-tier objects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := coldstore.New(getColdDir(), coldstore.DefaultCacheSize)
		if err != nil {
			return err
		}

		var count int
		var total int64
		for digest, size := range store.Objects() {
			fmt.Printf("%s\t%d\n", digest, size)
			count++
			total += size
		}
		fmt.Printf("%d object(s), %d bytes\n", count, total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
}
