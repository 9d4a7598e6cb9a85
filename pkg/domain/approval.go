package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ApprovalType classifies a gated operation
type ApprovalType string

const (
	ApprovalTypeNone           ApprovalType = ""
	ApprovalTypePlan           ApprovalType = "PLAN"
	ApprovalTypeSQL            ApprovalType = "SQL"
	ApprovalTypeExternalAction ApprovalType = "EXTERNAL_ACTION"
	ApprovalTypeCustom         ApprovalType = "CUSTOM"
)

// Policy tags derived from approval types
const (
	PolicyTagDDLDML         = "ddl_dml"
	PolicyTagExternalAction = "external_action"
	PolicyTagCustom         = "custom"
)

// Actor identifiers filled in when a decision source does not name one
const (
	ActorSystem         = "system"
	ActorPolicyEnforced = "policy-enforced"
)

// ParseApprovalType parses a case-insensitive approval type name.
// An empty string yields ApprovalTypeNone.
func ParseApprovalType(raw string) (ApprovalType, error) {
	t := ApprovalType(strings.ToUpper(strings.TrimSpace(raw)))
	switch t {
	case ApprovalTypeNone, ApprovalTypePlan, ApprovalTypeSQL, ApprovalTypeExternalAction, ApprovalTypeCustom:
		return t, nil
	default:
		return ApprovalTypeNone, fmt.Errorf("unknown approval type: %s", raw)
	}
}

// PolicyTags returns the tags implied by the approval type
func (t ApprovalType) PolicyTags() []string {
	switch t {
	case ApprovalTypeSQL:
		return []string{PolicyTagDDLDML}
	case ApprovalTypeExternalAction:
		return []string{PolicyTagExternalAction}
	case ApprovalTypeCustom:
		return []string{PolicyTagCustom}
	default:
		return nil
	}
}

// ApprovalRequest is a pending gate on a single step
type ApprovalRequest struct {
	ID           string       `json:"id"`
	WorkflowID   string       `json:"workflow_id"`
	StepID       string       `json:"step_id"`
	StepName     string       `json:"step_name"`
	ApprovalType ApprovalType `json:"approval_type"`
	Summary      string       `json:"summary"`
	PolicyTags   []string     `json:"policy_tags"`
}

// HasAnyTag reports whether the request carries at least one of tags
func (r ApprovalRequest) HasAnyTag(tags map[string]struct{}) bool {
	for _, t := range r.PolicyTags {
		if _, ok := tags[t]; ok {
			return true
		}
	}
	return false
}

// ApprovalDecision is the verdict on a pending gate
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	ActorID  string `json:"actor_id"`
}

// ApprovalAuditRecord pairs a request with the decision made on it.
// Records are never modified once appended.
type ApprovalAuditRecord struct {
	Request    ApprovalRequest  `json:"request"`
	Decision   ApprovalDecision `json:"decision"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// MergeTags returns the sorted union of the given tag lists without duplicates
func MergeTags(lists ...[]string) []string {
	set := make(map[string]struct{})
	for _, l := range lists {
		for _, t := range l {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			set[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
