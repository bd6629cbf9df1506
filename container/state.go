// Package container implements the state operation.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"fire/spec"
)

// toOCIState converts our internal state representation to the canonical
// specs-go type, so the "state" command's output is defined by the same
// struct consumers like containerd and Docker validate their own runtimes
// against, rather than by a hand-rolled lookalike.
func toOCIState(s *spec.State) *specs.State {
	return &specs.State{
		Version:     s.Version,
		ID:          s.ID,
		Status:      specs.ContainerState(s.Status),
		Pid:         s.Pid,
		Bundle:      s.Bundle,
		Annotations: s.Annotations,
	}
}

// State returns the OCI-compliant state and prints it to stdout.
func State(ctx context.Context, id, stateRoot string) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return fmt.Errorf("load container: %w", err)
	}

	// Refresh status based on actual process state
	c.RefreshStatus()

	// Get OCI state, rendered through the specs-go boundary type
	state := toOCIState(c.GetState())

	// Encode as JSON
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(state)
}

// StateJSON returns the container state as a JSON string.
func StateJSON(ctx context.Context, id, stateRoot string) (string, error) {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return "", fmt.Errorf("load container: %w", err)
	}

	c.RefreshStatus()
	data, err := c.StateJSON()
	if err != nil {
		return "", err
	}

	return string(data), nil
}
