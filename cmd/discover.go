package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var discoverCmd = &cobra.Command{
	Use:   "discover <files...>",
	Short: "Discover tests in the given files and print the tree as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(_ *cobra.Command, args []string) error {
	cleanup, err := initLogging("pestle-discover")
	if err != nil {
		return err
	}
	defer cleanup()

	b, err := newBridge(nil)
	if err != nil {
		return err
	}
	defer b.close()

	if err := b.controller.DiscoverFiles(context.Background(), args...); err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	return printJSON(treeJSON(b.controller.Tree()))
}
