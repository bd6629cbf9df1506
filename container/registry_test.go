package container

import (
	"testing"

	"fire/spec"
)

func newTestContainer(id string) *Container {
	return &Container{
		ID: id,
		State: &spec.ContainerState{
			State: spec.State{ID: id, Status: spec.StatusCreated},
		},
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(newTestContainer("dup")); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if err := r.Register(newTestContainer("dup")); err == nil {
		t.Error("expected error registering duplicate id")
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	c := newTestContainer("lookup-test")

	if _, ok := r.Lookup("lookup-test"); ok {
		t.Error("expected no container before registration")
	}

	if err := r.Register(c); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	got, ok := r.Lookup("lookup-test")
	if !ok {
		t.Fatal("expected container to be found")
	}
	if got.ID != c.ID {
		t.Errorf("expected id %s, got %s", c.ID, got.ID)
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	c := newTestContainer("unregister-test")

	if err := r.Register(c); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	r.Unregister(c.ID)

	if _, ok := r.Lookup(c.ID); ok {
		t.Error("expected container to be gone after unregister")
	}

	// Unregistering an absent id must not panic or error.
	r.Unregister("never-registered")
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		if err := r.Register(newTestContainer(id)); err != nil {
			t.Fatalf("register %s failed: %v", id, err)
		}
	}

	snap := r.Snapshot()
	if len(snap) != len(ids) {
		t.Fatalf("expected %d containers, got %d", len(ids), len(snap))
	}

	seen := make(map[string]bool)
	for _, c := range snap {
		seen[c.ID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			t.Errorf("expected snapshot to contain %s", id)
		}
	}
}

func TestDefaultRegisterUnregister(t *testing.T) {
	c := newTestContainer("default-registry-test")

	if err := Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer Unregister(c.ID)

	if _, ok := Lookup(c.ID); !ok {
		t.Error("expected default registry to contain the container")
	}

	if err := Register(newTestContainer(c.ID)); err == nil {
		t.Error("expected duplicate registration against the default registry to fail")
	}
}
