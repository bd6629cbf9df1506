// Package container implements the resume operation.
package container

import (
	"context"
	"fmt"

	cerrors "fire/errors"
	"fire/linux"
	"fire/spec"
)

// Resume thaws a previously paused container, allowing its processes to be
// scheduled again.
func Resume(ctx context.Context, id, stateRoot string) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return fmt.Errorf("load container: %w", err)
	}

	c.RefreshStatus()
	if c.State.Status != spec.StatusPaused {
		return cerrors.WrapWithContainer(nil, cerrors.ErrInvalidState, "resume", id)
	}

	cgroupPath := c.CgroupPath
	if cgroupPath == "" {
		cgroupPath = linux.GetCgroupPath(c.ID, "")
	}
	cgroup, err := linux.NewCgroup(cgroupPath)
	if err != nil {
		return fmt.Errorf("open cgroup: %w", err)
	}

	if err := cgroup.Thaw(); err != nil {
		return fmt.Errorf("thaw cgroup: %w", err)
	}

	return c.UpdateStatus(spec.StatusRunning)
}
