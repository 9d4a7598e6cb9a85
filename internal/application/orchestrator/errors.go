package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/stepflow/pkg/domain"
)

// OrchestrationError reports a graph that cannot make progress
type OrchestrationError struct {
	Reason string
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration error: %s", e.Reason)
}

// ApprovalDeniedError carries the request and decision that stopped a run
type ApprovalDeniedError struct {
	Request  domain.ApprovalRequest
	Decision domain.ApprovalDecision
}

func (e *ApprovalDeniedError) Error() string {
	msg := fmt.Sprintf("approval denied for step %s by %s", e.Request.StepID, e.Decision.ActorID)
	if e.Decision.Reason != "" {
		msg += ": " + e.Decision.Reason
	}
	return msg
}

// Error kinds used as metrics tags
const (
	ErrorKindApprovalDenied = "approval_denied"
	ErrorKindConnector      = "connector"
	ErrorKindOrchestration  = "orchestration"
	ErrorKindCanceled       = "canceled"
	ErrorKindTimeout        = "timeout"
	ErrorKindAction         = "action"
)

// ErrorKind classifies err for metrics and status reporting
func ErrorKind(err error) string {
	var denied *ApprovalDeniedError
	var orch *OrchestrationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &denied):
		return ErrorKindApprovalDenied
	case errors.As(err, &orch):
		return ErrorKindOrchestration
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrorKindCanceled
	case domain.IsConnectorError(err):
		return ErrorKindConnector
	default:
		return ErrorKindAction
	}
}
