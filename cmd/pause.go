package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"fire/container"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <container-id>",
	Short: "Pause a running container",
	Long:  `Suspend all processes inside the container via the cgroup freezer.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPause,
}

func init() {
	rootCmd.AddCommand(pauseCmd)
}

func runPause(cmd *cobra.Command, args []string) error {
	ctx := GetContext()
	containerID := args[0]

	if err := container.Pause(ctx, containerID, GetStateRoot()); err != nil {
		return fmt.Errorf("pause container: %w", err)
	}
	return nil
}
