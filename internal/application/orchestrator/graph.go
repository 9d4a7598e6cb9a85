package orchestrator

import (
	"context"
	"fmt"

	"github.com/aescanero/stepflow/pkg/domain"
)

// Metadata keys read by the runner
const (
	MetadataPlanArtifact = "plan_artifact"
	MetadataPolicyTags   = "policy_tags"
)

// Action is the work performed by a step.
// It may block; it must return when ctx is done.
type Action func(ctx context.Context, rc *RunContext) (any, error)

// Step is one node in a StepGraph
type Step struct {
	ID           string
	Name         string
	Action       Action
	ApprovalType domain.ApprovalType
	Summary      string
	Metadata     map[string]any
}

// PlanArtifact returns the plan carried in the step metadata, if any
func (s Step) PlanArtifact() (any, bool) {
	v, ok := s.Metadata[MetadataPlanArtifact]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// ExplicitPolicyTags returns the policy tags listed in the step metadata
func (s Step) ExplicitPolicyTags() []string {
	switch v := s.Metadata[MetadataPolicyTags].(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if str, ok := t.(string); ok {
				tags = append(tags, str)
			}
		}
		return tags
	case string:
		return []string{v}
	default:
		return nil
	}
}

// StepSet is a set of step ids
type StepSet map[string]struct{}

// NewStepSet creates a set holding ids
func NewStepSet(ids ...string) StepSet {
	s := make(StepSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership
func (s StepSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id
func (s StepSet) Add(id string) { s[id] = struct{}{} }

// DuplicateStepError is returned when a step id is added twice
type DuplicateStepError struct {
	StepID string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step: %s", e.StepID)
}

// MissingDependencyError is returned when a dependency is not yet in the graph
type MissingDependencyError struct {
	StepID     string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("step %s depends on unknown step %s", e.StepID, e.Dependency)
}

// CycleError is returned by ValidateAcyclic
type CycleError struct {
	StepID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected at step %s", e.StepID)
}

// StepGraph is a write-once DAG of steps.
//
// A step's dependencies must already be present when it is added, so graphs
// built through AddStep are acyclic by construction. Steps that become ready
// together are returned in the order they were added.
type StepGraph struct {
	steps map[string]Step
	deps  map[string]StepSet
	order []string
}

// NewStepGraph creates an empty graph
func NewStepGraph() *StepGraph {
	return &StepGraph{
		steps: make(map[string]Step),
		deps:  make(map[string]StepSet),
	}
}

// AddStep registers step with its dependencies
func (g *StepGraph) AddStep(step Step, dependencies ...string) error {
	if step.ID == "" {
		return fmt.Errorf("step ID is required")
	}
	if step.Action == nil {
		return fmt.Errorf("step %s has no action", step.ID)
	}
	if _, exists := g.steps[step.ID]; exists {
		return &DuplicateStepError{StepID: step.ID}
	}
	for _, dep := range dependencies {
		if _, ok := g.steps[dep]; !ok {
			return &MissingDependencyError{StepID: step.ID, Dependency: dep}
		}
	}

	if step.Name == "" {
		step.Name = step.ID
	}
	g.steps[step.ID] = step
	g.deps[step.ID] = NewStepSet(dependencies...)
	g.order = append(g.order, step.ID)
	return nil
}

// Len returns the number of steps
func (g *StepGraph) Len() int { return len(g.order) }

// Step looks up a step by id
func (g *StepGraph) Step(id string) (Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Steps returns all steps in insertion order
func (g *StepGraph) Steps() []Step {
	out := make([]Step, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.steps[id])
	}
	return out
}

// Dependencies returns the dependency ids of a step in insertion order
func (g *StepGraph) Dependencies(id string) []string {
	deps := g.deps[id]
	out := make([]string, 0, len(deps))
	for _, candidate := range g.order {
		if deps.Has(candidate) {
			out = append(out, candidate)
		}
	}
	return out
}

// ReadySteps returns every step not in completed whose dependencies are all
// in completed, in insertion order.
func (g *StepGraph) ReadySteps(completed StepSet) []Step {
	var ready []Step
	for _, id := range g.order {
		if completed.Has(id) {
			continue
		}
		if g.dependenciesMet(id, completed) {
			ready = append(ready, g.steps[id])
		}
	}
	return ready
}

func (g *StepGraph) dependenciesMet(id string, completed StepSet) bool {
	for dep := range g.deps[id] {
		if !completed.Has(dep) {
			return false
		}
	}
	return true
}

// ValidateAcyclic runs a depth-first cycle check over the dependency edges
func (g *StepGraph) ValidateAcyclic() error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.order))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range g.Dependencies(id) {
			switch color[dep] {
			case gray:
				return &CycleError{StepID: dep}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
