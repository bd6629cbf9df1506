package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"fire/spec"
)

// newLoadableContainer writes a state file to disk and returns the id/stateRoot
// needed to Load it back, mirroring how Pause/Resume/Kill all operate purely
// against persisted state rather than an in-memory Container.
func newLoadableContainer(t *testing.T, id string, status spec.ContainerStatus) (string, string) {
	t.Helper()

	tmpDir := t.TempDir()
	bundleDir := filepath.Join(tmpDir, "bundle")
	if err := os.MkdirAll(filepath.Join(bundleDir, "rootfs"), 0755); err != nil {
		t.Fatalf("failed to create bundle dirs: %v", err)
	}

	s := spec.DefaultSpec()
	if err := s.Save(filepath.Join(bundleDir, "config.json")); err != nil {
		t.Fatalf("failed to write config.json: %v", err)
	}

	stateRoot := filepath.Join(tmpDir, "state")
	ctx := context.Background()

	c, err := New(ctx, id, bundleDir, stateRoot)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.State.Status = status
	c.InitProcess = os.Getpid() // a real, running PID so RefreshStatus doesn't flip to stopped
	c.State.Pid = c.InitProcess
	if err := c.SaveState(); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	return id, stateRoot
}

func TestPause_RequiresRunningState(t *testing.T) {
	for _, status := range []spec.ContainerStatus{spec.StatusCreated, spec.StatusStopped, spec.StatusPaused} {
		id, stateRoot := newLoadableContainer(t, "pause-"+string(status), status)

		if err := Pause(context.Background(), id, stateRoot); err == nil {
			t.Errorf("expected error pausing a container in state %q", status)
		}
	}
}

func TestResume_RequiresPausedState(t *testing.T) {
	for _, status := range []spec.ContainerStatus{spec.StatusCreated, spec.StatusStopped, spec.StatusRunning} {
		id, stateRoot := newLoadableContainer(t, "resume-"+string(status), status)

		if err := Resume(context.Background(), id, stateRoot); err == nil {
			t.Errorf("expected error resuming a container in state %q", status)
		}
	}
}
