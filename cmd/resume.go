package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"fire/container"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <container-id>",
	Short: "Resume a paused container",
	Long:  `Thaw all processes inside a previously paused container.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx := GetContext()
	containerID := args[0]

	if err := container.Resume(ctx, containerID, GetStateRoot()); err != nil {
		return fmt.Errorf("resume container: %w", err)
	}
	return nil
}
