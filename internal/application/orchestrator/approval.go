package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/stepflow/pkg/domain"
	"github.com/aescanero/stepflow/pkg/ports"
	"go.uber.org/zap"
)

// DefaultEnforcedTags are the policy tags whose decisions must name an actor
var DefaultEnforcedTags = []string{domain.PolicyTagDDLDML, domain.PolicyTagExternalAction}

// ApprovalPolicy resolves approval requests and keeps the audit trail.
//
// One policy may serve many concurrent runs; the audit log append is
// guarded by a mutex and the trail is shared across runs. Records carry the
// workflow id so a host can filter per run.
type ApprovalPolicy struct {
	enforced   map[string]struct{}
	maxRecords int
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	audit []domain.ApprovalAuditRecord
}

// PolicyOption configures an ApprovalPolicy
type PolicyOption func(*ApprovalPolicy)

// WithEnforcedTags replaces the enforced tag set
func WithEnforcedTags(tags ...string) PolicyOption {
	return func(p *ApprovalPolicy) {
		p.enforced = make(map[string]struct{}, len(tags))
		for _, t := range tags {
			if t = strings.TrimSpace(t); t != "" {
				p.enforced[t] = struct{}{}
			}
		}
	}
}

// WithMaxAuditRecords bounds the audit log; the oldest records are dropped.
// Zero means unbounded.
func WithMaxAuditRecords(n int) PolicyOption {
	return func(p *ApprovalPolicy) { p.maxRecords = n }
}

// WithPolicyLogger sets the logger
func WithPolicyLogger(logger *zap.Logger) PolicyOption {
	return func(p *ApprovalPolicy) { p.logger = logger }
}

// NewApprovalPolicy creates a policy enforcing DefaultEnforcedTags unless overridden
func NewApprovalPolicy(opts ...PolicyOption) *ApprovalPolicy {
	p := &ApprovalPolicy{
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	WithEnforcedTags(DefaultEnforcedTags...)(p)
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Evaluate asks source for a decision on req, normalises the actor and
// appends an audit record. Denied decisions are returned without error; the
// caller decides what a denial means. An error is returned only when the
// source itself fails, in which case nothing is recorded.
func (p *ApprovalPolicy) Evaluate(ctx context.Context, req domain.ApprovalRequest, source ports.DecisionSource) (domain.ApprovalDecision, error) {
	if source == nil {
		return domain.ApprovalDecision{}, fmt.Errorf("no decision source configured for step %s", req.StepID)
	}

	decision, err := source.Decide(ctx, req)
	if err != nil {
		return domain.ApprovalDecision{}, fmt.Errorf("failed to resolve approval for step %s: %w", req.StepID, err)
	}

	decision.ActorID = strings.TrimSpace(decision.ActorID)
	if req.HasAnyTag(p.enforced) && isUnattributed(decision.ActorID) {
		decision.ActorID = domain.ActorPolicyEnforced
	} else if decision.ActorID == "" {
		decision.ActorID = domain.ActorSystem
	}

	p.record(req, decision)

	p.logger.Info("approval evaluated",
		zap.String("workflow_id", req.WorkflowID),
		zap.String("step_id", req.StepID),
		zap.String("approval_type", string(req.ApprovalType)),
		zap.Strings("policy_tags", req.PolicyTags),
		zap.Bool("approved", decision.Approved),
		zap.String("actor_id", decision.ActorID))

	return decision, nil
}

func isUnattributed(actor string) bool {
	switch strings.ToLower(actor) {
	case "", domain.ActorSystem, "unknown", "anonymous":
		return true
	}
	return false
}

func (p *ApprovalPolicy) record(req domain.ApprovalRequest, decision domain.ApprovalDecision) {
	rec := domain.ApprovalAuditRecord{
		Request:    req,
		Decision:   decision,
		RecordedAt: p.now(),
	}
	rec.Request.PolicyTags = append([]string(nil), req.PolicyTags...)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.audit = append(p.audit, rec)
	if p.maxRecords > 0 && len(p.audit) > p.maxRecords {
		p.audit = append([]domain.ApprovalAuditRecord(nil), p.audit[len(p.audit)-p.maxRecords:]...)
	}
}

// AuditLog returns a copy of the audit trail in append order
func (p *ApprovalPolicy) AuditLog() []domain.ApprovalAuditRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ApprovalAuditRecord(nil), p.audit...)
}

// AuditLogFor returns the records for one workflow
func (p *ApprovalPolicy) AuditLogFor(workflowID string) []domain.ApprovalAuditRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ApprovalAuditRecord
	for _, rec := range p.audit {
		if rec.Request.WorkflowID == workflowID {
			out = append(out, rec)
		}
	}
	return out
}

// Truncate drops all audit records
func (p *ApprovalPolicy) Truncate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audit = nil
}
