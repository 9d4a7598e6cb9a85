package decision

import (
	"context"

	"github.com/aescanero/stepflow/pkg/domain"
)

// Auto returns the same verdict for every request
type Auto struct {
	Approved bool
	ActorID  string
	Reason   string
}

// AutoApprove approves everything on behalf of actor
func AutoApprove(actor string) *Auto {
	return &Auto{Approved: true, ActorID: actor}
}

// AutoDeny denies everything with reason
func AutoDeny(actor, reason string) *Auto {
	return &Auto{ActorID: actor, Reason: reason}
}

// Decide returns the fixed verdict
func (a *Auto) Decide(ctx context.Context, req domain.ApprovalRequest) (domain.ApprovalDecision, error) {
	if err := ctx.Err(); err != nil {
		return domain.ApprovalDecision{}, err
	}
	return domain.ApprovalDecision{
		Approved: a.Approved,
		Reason:   a.Reason,
		ActorID:  a.ActorID,
	}, nil
}
