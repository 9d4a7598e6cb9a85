package orchestrator

import (
	"fmt"

	"github.com/aescanero/stepflow/pkg/domain"
)

// Validator validates step graphs before they are run or submitted
type Validator struct{}

// NewValidator creates a new graph validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a graph structure
func (v *Validator) Validate(g *StepGraph) error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}

	if g.Len() == 0 {
		return fmt.Errorf("graph must have at least one step")
	}

	// Validate steps
	for _, step := range g.Steps() {
		if err := v.validateStep(step); err != nil {
			return fmt.Errorf("invalid step %s: %w", step.ID, err)
		}
	}

	// Validate edges
	for _, step := range g.Steps() {
		for dep := range g.deps[step.ID] {
			if _, exists := g.Step(dep); !exists {
				return &MissingDependencyError{StepID: step.ID, Dependency: dep}
			}
		}
	}

	return g.ValidateAcyclic()
}

// validateStep validates a single step
func (v *Validator) validateStep(step Step) error {
	if step.Action == nil {
		return fmt.Errorf("action is required")
	}

	if _, err := domain.ParseApprovalType(string(step.ApprovalType)); err != nil {
		return err
	}

	return nil
}
