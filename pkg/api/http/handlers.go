package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/stepflow/internal/application/orchestrator"
	"github.com/aescanero/stepflow/pkg/adapters/decision"
	"github.com/aescanero/stepflow/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RunSubmitResponse represents a run submission response
type RunSubmitResponse struct {
	JobID       string           `json:"job_id"`
	WorkflowID  string           `json:"workflow_id"`
	Status      domain.JobStatus `json:"status"`
	SubmittedAt string           `json:"submitted_at"`
}

// DecisionRequest is the body of an approve or deny call
type DecisionRequest struct {
	ActorID string `json:"actor_id" binding:"required"`
	Reason  string `json:"reason"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{"orchestrator": "ok"}
	status := http.StatusOK
	state := "healthy"

	if s.pool != nil {
		if h := s.pool.Health(); h != nil {
			workerStatus := h.GetStatus()
			checks["workers"] = workerStatus
			if !workerStatus.Healthy {
				status = http.StatusServiceUnavailable
				state = "unhealthy"
			}
		}
	}

	c.JSON(status, gin.H{
		"status":    state,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handleSubmitRun loads the YAML plan in the body and submits it
func (s *Server) handleSubmitRun(c *gin.Context) {
	if s.plans == nil {
		abortWithError(c, http.StatusServiceUnavailable, "PLANS_NOT_AVAILABLE", "Plan loading is not configured")
		return
	}

	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "request body must be a YAML plan")
		return
	}

	p, err := s.plans.Load(c.Request.Context(), body)
	if err != nil {
		s.logger.Error("invalid plan", zap.Error(err))
		abortWithError(c, http.StatusBadRequest, "INVALID_PLAN", err.Error())
		return
	}

	jobID, err := s.orchestrator.SubmitRun(c.Request.Context(), p.Graph, p.Context)
	if err != nil {
		_ = p.Close()
		s.logger.Error("failed to submit run", zap.Error(err))
		status := http.StatusUnprocessableEntity
		if errors.Is(err, orchestrator.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		abortWithError(c, status, "SUBMISSION_FAILED", err.Error())
		return
	}

	go func() {
		<-s.orchestrator.Done(jobID)
		if err := p.Close(); err != nil {
			s.logger.Warn("failed to close plan connectors",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	}()

	c.JSON(http.StatusCreated, RunSubmitResponse{
		JobID:       jobID,
		WorkflowID:  p.Context.WorkflowID,
		Status:      domain.JobStatusPending,
		SubmittedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleListRuns handles listing runs
func (s *Server) handleListRuns(c *gin.Context) {
	jobs, err := s.orchestrator.ListJobs(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}

	if status := c.Query("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  jobs,
		"total": len(jobs),
	})
}

// handleGetRun handles getting run status
func (s *Server) handleGetRun(c *gin.Context) {
	jobID := c.Param("id")

	job, err := s.orchestrator.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Run not found")
			return
		}
		abortWithError(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusOK, job)
}

// handleCancelRun handles run cancellation
func (s *Server) handleCancelRun(c *gin.Context) {
	jobID := c.Param("id")

	if err := s.orchestrator.CancelRun(c.Request.Context(), jobID); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Run not found or already finished")
			return
		}
		abortWithError(c, http.StatusConflict, "CANCELLATION_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":       jobID,
		"status":       "cancelling",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleListApprovals lists pending approvals
func (s *Server) handleListApprovals(c *gin.Context) {
	if s.approvals == nil {
		abortWithError(c, http.StatusServiceUnavailable, "APPROVALS_NOT_AVAILABLE", "Approvals are not resolved through the API")
		return
	}

	pending := s.approvals.Pending()
	if wf := c.Query("workflow_id"); wf != "" {
		filtered := pending[:0]
		for _, p := range pending {
			if p.Request.WorkflowID == wf {
				filtered = append(filtered, p)
			}
		}
		pending = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"approvals": pending,
		"total":     len(pending),
	})
}

// handleGetApproval returns one pending approval
func (s *Server) handleGetApproval(c *gin.Context) {
	if s.approvals == nil {
		abortWithError(c, http.StatusServiceUnavailable, "APPROVALS_NOT_AVAILABLE", "Approvals are not resolved through the API")
		return
	}

	p, err := s.approvals.Get(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Approval not found")
		return
	}

	c.JSON(http.StatusOK, p)
}

// handleResolveApproval approves or denies a pending approval
func (s *Server) handleResolveApproval(approved bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.approvals == nil {
			abortWithError(c, http.StatusServiceUnavailable, "APPROVALS_NOT_AVAILABLE", "Approvals are not resolved through the API")
			return
		}

		var req DecisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}

		id := c.Param("id")
		verdict := domain.ApprovalDecision{
			Approved: approved,
			Reason:   req.Reason,
			ActorID:  req.ActorID,
		}
		if err := s.approvals.Resolve(id, verdict); err != nil {
			if errors.Is(err, decision.ErrApprovalNotFound) {
				abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Approval not found")
				return
			}
			abortWithError(c, http.StatusInternalServerError, "RESOLUTION_FAILED", err.Error())
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"approval_id": id,
			"decision":    verdict,
		})
	}
}

// handleAudit returns the approval audit trail
func (s *Server) handleAudit(c *gin.Context) {
	policy := s.orchestrator.Runner().Policy()

	var records []domain.ApprovalAuditRecord
	if wf := c.Query("workflow_id"); wf != "" {
		records = policy.AuditLogFor(wf)
	} else {
		records = policy.AuditLog()
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"total":   len(records),
	})
}

// handleListWorkers reports worker pool state
func (s *Server) handleListWorkers(c *gin.Context) {
	if s.pool == nil {
		abortWithError(c, http.StatusServiceUnavailable, "WORKERS_NOT_AVAILABLE", "Worker pool is not configured")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workers": s.pool.Workers(),
	})
}
