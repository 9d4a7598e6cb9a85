package orchestrator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

var (
	// ErrArtifactNotFound is returned when an artifact key has not been set
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrConnectorNotFound is returned when a connector name is not registered
	ErrConnectorNotFound = errors.New("connector not found")
)

// RunContext is the shared state threaded through one run.
//
// Steps run one at a time, so the runner and step actions read and write it
// without locking. It must not be shared between concurrent runs.
type RunContext struct {
	WorkflowID       string
	WorkflowMetadata map[string]any
	Persona          map[string]any
	Connectors       map[string]any

	artifacts map[string]any
}

// NewRunContext creates a context, generating a workflow id when empty
func NewRunContext(workflowID string, metadata map[string]any) *RunContext {
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &RunContext{
		WorkflowID:       workflowID,
		WorkflowMetadata: metadata,
		Persona:          make(map[string]any),
		Connectors:       make(map[string]any),
		artifacts:        make(map[string]any),
	}
}

// SetArtifact stores value under key, replacing any previous value
func (rc *RunContext) SetArtifact(key string, value any) {
	if rc.artifacts == nil {
		rc.artifacts = make(map[string]any)
	}
	rc.artifacts[key] = value
}

// Artifact returns the value stored under key
func (rc *RunContext) Artifact(key string) (any, error) {
	v, ok := rc.artifacts[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
	}
	return v, nil
}

// HasArtifact reports whether key has been set
func (rc *RunContext) HasArtifact(key string) bool {
	_, ok := rc.artifacts[key]
	return ok
}

// ArtifactKeys returns the artifact keys in sorted order
func (rc *RunContext) ArtifactKeys() []string {
	keys := make([]string, 0, len(rc.artifacts))
	for k := range rc.artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ArtifactAs returns the artifact under key converted to T
func ArtifactAs[T any](rc *RunContext, key string) (T, error) {
	var zero T
	v, err := rc.Artifact(key)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("artifact %s has type %T, want %T", key, v, zero)
	}
	return typed, nil
}

// WithArtifact returns a copy of the context holding one more artifact.
// Maps are copied one level deep; connector handles are shared.
func (rc *RunContext) WithArtifact(key string, value any) *RunContext {
	cp := &RunContext{
		WorkflowID:       rc.WorkflowID,
		WorkflowMetadata: copyMap(rc.WorkflowMetadata),
		Persona:          copyMap(rc.Persona),
		Connectors:       copyMap(rc.Connectors),
		artifacts:        copyMap(rc.artifacts),
	}
	cp.artifacts[key] = value
	return cp
}

// Connector returns the handle registered under name
func (rc *RunContext) Connector(name string) (any, error) {
	c, ok := rc.Connectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotFound, name)
	}
	return c, nil
}

// Snapshot returns an unredacted view of the context suitable for Redact.
// Connector handles are represented by their names only.
func (rc *RunContext) Snapshot() map[string]any {
	connectors := make([]string, 0, len(rc.Connectors))
	for name := range rc.Connectors {
		connectors = append(connectors, name)
	}
	sort.Strings(connectors)

	return map[string]any{
		"workflow_id":         rc.WorkflowID,
		"workflow_metadata":   copyMap(rc.WorkflowMetadata),
		"persona":             copyMap(rc.Persona),
		"connectors":          connectors,
		"transient_artifacts": copyMap(rc.artifacts),
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
