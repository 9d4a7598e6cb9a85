package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Row is one result row keyed by column name
type Row = map[string]any

// WritePolicy states how a connector treats data-mutating statements
type WritePolicy string

const (
	// WritePolicyBlock rejects risky statements outright
	WritePolicyBlock WritePolicy = "block"
	// WritePolicyRequireApproval only runs risky statements behind an approval gate
	WritePolicyRequireApproval WritePolicy = "require_approval"
	// WritePolicyAllow runs risky statements unconditionally
	WritePolicyAllow WritePolicy = "allow"
)

// ParseWritePolicy parses a write policy name, defaulting to block
func ParseWritePolicy(raw string) (WritePolicy, error) {
	switch p := WritePolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return WritePolicyBlock, nil
	case WritePolicyBlock, WritePolicyRequireApproval, WritePolicyAllow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown write policy: %s", raw)
	}
}

// QueryAttempt records one generation/execution try.
// QueryText is empty when the calculator fallback answered instead of a query.
type QueryAttempt struct {
	QueryText string `json:"query_text,omitempty"`
	Rows      []Row  `json:"rows,omitempty"`
	RawRows   []Row  `json:"raw_rows,omitempty"`
	Error     string `json:"error,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
}

// Succeeded reports whether the attempt produced a usable result
func (a QueryAttempt) Succeeded() bool { return a.Error == "" }

// QueryExecutionResult is the final answer plus the full retry history
type QueryExecutionResult struct {
	QueryText string         `json:"query_text,omitempty"`
	Rows      []Row          `json:"rows"`
	RawRows   []Row          `json:"raw_rows,omitempty"`
	Attempts  []QueryAttempt `json:"attempts"`
}

// ConnectorError reports a schema, query or query-generation failure
type ConnectorError struct {
	Op  string
	Err error
}

func (e *ConnectorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connector %s failed", e.Op)
	}
	return fmt.Sprintf("connector %s failed: %v", e.Op, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// NewConnectorError wraps err as a connector-kind error
func NewConnectorError(op string, err error) *ConnectorError {
	return &ConnectorError{Op: op, Err: err}
}

// IsConnectorError reports whether err is or wraps a ConnectorError
func IsConnectorError(err error) bool {
	var ce *ConnectorError
	return errors.As(err, &ce)
}
