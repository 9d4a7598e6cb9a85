package decision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/stepflow/pkg/domain"
	"go.uber.org/zap"
)

// ErrApprovalNotFound is returned when no pending request has the id
var ErrApprovalNotFound = errors.New("approval not found")

// PendingApproval is a request waiting for a verdict
type PendingApproval struct {
	Request   domain.ApprovalRequest `json:"request"`
	CreatedAt time.Time              `json:"created_at"`
}

// Listener is notified when a request starts waiting
type Listener func(p PendingApproval)

type pending struct {
	info     PendingApproval
	decision chan domain.ApprovalDecision
}

// Queue parks every request until Resolve is called with its id or the
// caller's context ends
type Queue struct {
	mu        sync.Mutex
	pending   map[string]*pending
	listeners []Listener
	logger    *zap.Logger
}

// NewQueue creates an empty queue
func NewQueue(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		pending: make(map[string]*pending),
		logger:  logger,
	}
}

// OnPending registers a listener called for every new request
func (q *Queue) OnPending(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

// Decide blocks until the request is resolved
func (q *Queue) Decide(ctx context.Context, req domain.ApprovalRequest) (domain.ApprovalDecision, error) {
	if req.ID == "" {
		return domain.ApprovalDecision{}, errors.New("approval request has no id")
	}

	p := &pending{
		info:     PendingApproval{Request: req, CreatedAt: time.Now().UTC()},
		decision: make(chan domain.ApprovalDecision, 1),
	}

	q.mu.Lock()
	if _, dup := q.pending[req.ID]; dup {
		q.mu.Unlock()
		return domain.ApprovalDecision{}, fmt.Errorf("approval %s is already pending", req.ID)
	}
	q.pending[req.ID] = p
	listeners := append([]Listener(nil), q.listeners...)
	q.mu.Unlock()

	q.logger.Info("approval pending",
		zap.String("approval_id", req.ID),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("step_id", req.StepID),
		zap.String("approval_type", string(req.ApprovalType)))

	for _, l := range listeners {
		l(p.info)
	}

	select {
	case d := <-p.decision:
		return d, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, req.ID)
		q.mu.Unlock()
		return domain.ApprovalDecision{}, ctx.Err()
	}
}

// Resolve delivers a decision for the pending request id
func (q *Queue) Resolve(id string, decision domain.ApprovalDecision) error {
	q.mu.Lock()
	p, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	p.decision <- decision

	q.logger.Info("approval resolved",
		zap.String("approval_id", id),
		zap.Bool("approved", decision.Approved),
		zap.String("actor_id", decision.ActorID))
	return nil
}

// Get returns the pending request with id
func (q *Queue) Get(id string) (PendingApproval, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		return PendingApproval{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	return p.info, nil
}

// Pending lists waiting requests, oldest first
func (q *Queue) Pending() []PendingApproval {
	q.mu.Lock()
	out := make([]PendingApproval, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p.info)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Request.ID < out[j].Request.ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
