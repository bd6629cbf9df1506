// Package container implements the pause operation.
package container

import (
	"context"
	"fmt"

	cerrors "fire/errors"
	"fire/linux"
	"fire/spec"
)

// Pause freezes all processes in the container via the cgroup freezer,
// leaving them resident in memory but unscheduled.
func Pause(ctx context.Context, id, stateRoot string) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return fmt.Errorf("load container: %w", err)
	}

	c.RefreshStatus()
	if c.State.Status != spec.StatusRunning {
		return cerrors.WrapWithContainer(nil, cerrors.ErrInvalidState, "pause", id)
	}

	cgroupPath := c.CgroupPath
	if cgroupPath == "" {
		cgroupPath = linux.GetCgroupPath(c.ID, "")
	}
	cgroup, err := linux.NewCgroup(cgroupPath)
	if err != nil {
		return fmt.Errorf("open cgroup: %w", err)
	}

	if err := cgroup.Freeze(); err != nil {
		return fmt.Errorf("freeze cgroup: %w", err)
	}

	return c.UpdateStatus(spec.StatusPaused)
}
