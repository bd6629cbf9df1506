package cmd

import (
	"github.com/spf13/cobra"

	"fire/container"
)

var initCmd = &cobra.Command{
	Use:    "init",
	Short:  "Initialize the container (internal use)",
	Long:   `Internal command called inside the container namespace to complete setup.`,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	return container.InitContainer()
}
