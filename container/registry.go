// Package container implements the runtime registry.
package container

import (
	"context"
	"sync"
	"syscall"

	cerrors "fire/errors"
	"fire/linux"
	"fire/logging"
)

// Registry is a process-wide mapping from container id to Container,
// guarded by a single mutex. It is the one point of shared mutation across
// an in-process set of containers: every mutating registry operation holds
// the lock for the duration of its map read/modify/write, while callers
// that only need a point-in-time view clone the Container list out of the
// lock before using it.
//
// The on-disk state directory, not the registry, is the source of truth
// across separate invocations of the CLI; the registry exists for
// in-process callers (the "run" command, batch cleanup, embedders) that
// track more than one Container across a single process lifetime.
type Registry struct {
	mu         sync.Mutex
	containers map[string]*Container
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{containers: make(map[string]*Container)}
}

// defaultRegistry backs the package-level Register/Unregister/Lookup
// helpers used by New and Delete.
var defaultRegistry = NewRegistry()

// Register adds c to the registry. It fails if a container with the same
// id is already registered in this process.
func (r *Registry) Register(c *Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.containers[c.ID]; exists {
		return cerrors.WrapWithContainer(nil, cerrors.ErrAlreadyExists, "register", c.ID)
	}
	r.containers[c.ID] = c
	return nil
}

// Unregister removes a container from the registry. It is a no-op if the
// id is not present.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
}

// Lookup returns the registered Container for id, if any.
func (r *Registry) Lookup(id string) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	return c, ok
}

// Snapshot returns a copy of the currently registered containers. The
// returned slice may be used without holding the registry lock.
func (r *Registry) Snapshot() []*Container {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c)
	}
	return out
}

// CleanupAll tears down every registered container (killing it if still
// running, destroying its cgroup, removing its state directory), logging
// a warning per-container failure rather than aborting, and empties the
// registry once every entry has been attempted.
func (r *Registry) CleanupAll(ctx context.Context) error {
	for _, c := range r.Snapshot() {
		c.RefreshStatus()

		if c.IsRunning() {
			if err := c.Signal(syscall.SIGKILL); err != nil {
				logging.WarnContext(ctx, "cleanup: signal container", "container_id", c.ID, "error", err)
			}
		}

		cgroupPath := c.CgroupPath
		if cgroupPath == "" {
			cgroupPath = linux.GetCgroupPath(c.ID, "")
		}
		if cgroup, err := linux.NewCgroup(cgroupPath); err == nil {
			if err := cgroup.Destroy(); err != nil {
				logging.WarnContext(ctx, "cleanup: destroy cgroup", "container_id", c.ID, "error", err)
			}
		}

		if err := c.Destroy(); err != nil {
			logging.WarnContext(ctx, "cleanup: remove state", "container_id", c.ID, "error", err)
		}
	}

	r.mu.Lock()
	r.containers = make(map[string]*Container)
	r.mu.Unlock()

	return nil
}

// Register adds c to the process-wide default registry.
func Register(c *Container) error {
	return defaultRegistry.Register(c)
}

// Unregister removes id from the process-wide default registry.
func Unregister(id string) {
	defaultRegistry.Unregister(id)
}

// Lookup looks up id in the process-wide default registry.
func Lookup(id string) (*Container, bool) {
	return defaultRegistry.Lookup(id)
}

// CleanupAll tears down and empties the process-wide default registry.
func CleanupAll(ctx context.Context) error {
	return defaultRegistry.CleanupAll(ctx)
}
