package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/pestle/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit pestle configuration",
}

var setInterpreterCmd = &cobra.Command{
	Use:   "set-interpreter <path>",
	Short: "Set the PowerShell executable used for invocations",
	Long: `Write powershell_path into the config file. Comments and formatting in
the rest of the file are preserved. The running daemon picks the new
interpreter up on its next fresh-process invocation.`,
	Args: cobra.ExactArgs(1),
	RunE: runSetInterpreter,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(setInterpreterCmd)
}

func runSetInterpreter(_ *cobra.Command, args []string) error {
	path := configFilePath()
	if err := config.SaveInterpreterPath(path, args[0]); err != nil {
		return fmt.Errorf("saving interpreter path: %w", err)
	}
	fmt.Printf("powershell_path set to %s in %s\n", args[0], path)
	return nil
}
