package querygen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/aescanero/stepflow/internal/application/orchestrator"
	"github.com/aescanero/stepflow/pkg/domain"
	"github.com/aescanero/stepflow/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockConnector is a query connector without a dialect or write policy
type MockConnector struct {
	mock.Mock
}

func (m *MockConnector) GetSchema(ctx context.Context) (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *MockConnector) RunQuery(ctx context.Context, query string, params ...any) ([]domain.Row, error) {
	args := m.Called(query)
	rows, _ := args.Get(0).([]domain.Row)
	return rows, args.Error(1)
}

// policyConnector adds a dialect and write policy to the mock
type policyConnector struct {
	*MockConnector
	dialect string
	policy  domain.WritePolicy
}

func (c policyConnector) Dialect() string                 { return c.dialect }
func (c policyConnector) WritePolicy() domain.WritePolicy { return c.policy }

const productsSchema = "products(id, name, price)"

func newMockConnector() *MockConnector {
	conn := &MockConnector{}
	conn.On("GetSchema").Return(productsSchema, nil)
	return conn
}

// scripted replies with responses in order, repeating the last one, and
// records every prompt it receives
type scripted struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
}

func script(responses ...string) *scripted {
	return &scripted{responses: responses}
}

func (s *scripted) complete(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	if n >= len(s.responses) {
		n = len(s.responses) - 1
	}
	return s.responses[n], nil
}

func newTestAgent(complete ports.CompletionFunc, mutate ...func(*Options)) *Agent {
	opts := DefaultOptions()
	for _, m := range mutate {
		m(&opts)
	}
	return NewAgent(complete, opts, nil)
}

func TestAgent_SingleAttempt(t *testing.T) {
	conn := newMockConnector()
	rows := []domain.Row{{"name": "desk"}, {"name": "lamp"}}
	conn.On("RunQuery", "SELECT name FROM products").Return(rows, nil).Once()

	s := script("```sql\nSELECT name FROM products;\n```")
	result, err := newTestAgent(s.complete).GenerateAndExecute(context.Background(), conn, "list product names")
	require.NoError(t, err)

	assert.Equal(t, "SELECT name FROM products", result.QueryText)
	assert.Equal(t, rows, result.Rows)
	assert.Nil(t, result.RawRows)
	require.Len(t, result.Attempts, 1)
	assert.True(t, result.Attempts[0].Succeeded())

	require.Len(t, s.prompts, 1)
	assert.Contains(t, s.prompts[0], productsSchema)
	assert.Contains(t, s.prompts[0], "Question: list product names")
	assert.NotContains(t, s.prompts[0], "previous attempt failed")
	conn.AssertExpectations(t)
}

func TestAgent_RetriesWithFeedback(t *testing.T) {
	conn := newMockConnector()
	conn.On("RunQuery", "SELECT nme FROM products").Return(nil, errors.New("no such column: nme")).Once()
	conn.On("RunQuery", "SELECT name FROM products").Return([]domain.Row{{"name": "desk"}}, nil).Once()

	s := script("SELECT nme FROM products", "SELECT name FROM products")
	agent := newTestAgent(s.complete, func(o *Options) { o.MaxAttempts = 3 })

	result, err := agent.GenerateAndExecute(context.Background(), conn, "list product names")
	require.NoError(t, err)
	require.Len(t, result.Attempts, 2)

	first := result.Attempts[0]
	assert.False(t, first.Succeeded())
	assert.NotEmpty(t, first.Feedback)
	assert.Empty(t, first.Rows)
	assert.Contains(t, first.Error, "no such column")

	assert.True(t, result.Attempts[1].Succeeded())
	assert.Equal(t, "SELECT name FROM products", result.QueryText)

	require.Len(t, s.prompts, 2)
	assert.Contains(t, s.prompts[1], "The previous attempt failed")
	assert.Contains(t, s.prompts[1], "no such column: nme")
	conn.AssertExpectations(t)
}

func TestAgent_CalculatorFallback(t *testing.T) {
	conn := newMockConnector()

	result, err := newTestAgent(script("12 * (3 + 4)").complete).GenerateAndExecute(context.Background(), conn, "what is 12 times 7")
	require.NoError(t, err)

	assert.Empty(t, result.QueryText)
	assert.Equal(t, []domain.Row{{"result": int64(84)}}, result.Rows)
	require.Len(t, result.Attempts, 1)
	conn.AssertNotCalled(t, "RunQuery", mock.Anything)
}

func TestAgent_UnsafeArithmeticRejected(t *testing.T) {
	conn := newMockConnector()
	agent := newTestAgent(script("__import__('os')").complete, func(o *Options) { o.MaxAttempts = 1 })

	result, err := agent.GenerateAndExecute(context.Background(), conn, "do something")
	require.Error(t, err)
	assert.True(t, domain.IsConnectorError(err))

	require.Len(t, result.Attempts, 1)
	assert.Contains(t, result.Attempts[0].Error, "unsafe expression")
	assert.Empty(t, result.Rows)
	conn.AssertNotCalled(t, "RunQuery", mock.Anything)
}

func TestAgent_RiskyStatementBlocked(t *testing.T) {
	conn := newMockConnector()
	conn.On("RunQuery", "SELECT name FROM products").Return([]domain.Row{}, nil).Once()

	s := script("DELETE FROM products", "SELECT name FROM products")
	result, err := newTestAgent(s.complete).GenerateAndExecute(context.Background(), conn, "remove all products")
	require.NoError(t, err)

	require.Len(t, result.Attempts, 2)
	assert.Contains(t, result.Attempts[0].Error, "policy violation")
	assert.Equal(t, feedbackReadOnly, result.Attempts[0].Feedback)
	assert.Contains(t, s.prompts[1], feedbackReadOnly)
	conn.AssertNotCalled(t, "RunQuery", "DELETE FROM products")
}

func TestAgent_WritePolicies(t *testing.T) {
	const update = "UPDATE products SET price = 0"

	tests := []struct {
		name        string
		policy      domain.WritePolicy
		allowWrites bool
		approved    bool
		wantRun     bool
		wantErr     string
		attempts    int
	}{
		{"require approval without grant", domain.WritePolicyRequireApproval, true, false, false, "requires approval", 1},
		{"require approval with grant", domain.WritePolicyRequireApproval, false, true, true, "", 1},
		{"allow policy with writes allowed", domain.WritePolicyAllow, true, false, true, "", 1},
		{"allow policy with writes disallowed", domain.WritePolicyAllow, false, false, false, "no valid query after 2 attempts", 2},
		{"block policy ignores grant", domain.WritePolicyBlock, true, true, false, "no valid query after 2 attempts", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := newMockConnector()
			if tt.wantRun {
				mc.On("RunQuery", update).Return([]domain.Row{}, nil).Once()
			}
			conn := policyConnector{MockConnector: mc, policy: tt.policy}

			agent := newTestAgent(script(update).complete, func(o *Options) {
				o.MaxAttempts = 2
				o.AllowWrites = tt.allowWrites
			})
			var opts []CallOption
			if tt.approved {
				opts = append(opts, WithApprovedWrites())
			}

			result, err := agent.GenerateAndExecute(context.Background(), conn, "zero all prices", opts...)
			require.Len(t, result.Attempts, tt.attempts)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, domain.IsConnectorError(err))
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, update, result.QueryText)
			}
			if !tt.wantRun {
				mc.AssertNotCalled(t, "RunQuery", update)
			}
			mc.AssertExpectations(t)
		})
	}
}

func TestAgent_ValidatorRejectionExhaustsAttempts(t *testing.T) {
	conn := newMockConnector()
	conn.On("RunQuery", "SELECT name FROM products").Return([]domain.Row{{"name": "a"}, {"name": "b"}}, nil)

	agent := newTestAgent(script("SELECT name FROM products").complete, func(o *Options) {
		o.MaxAttempts = 3
		o.Validator = MinRows(1)
	})

	result, err := agent.GenerateAndExecute(context.Background(), conn, "names", WithValidator(MinRows(3)))
	require.Error(t, err)

	var ce *domain.ConnectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "generate_query", ce.Op)
	assert.Contains(t, err.Error(), "no valid query after 3 attempts")
	assert.Contains(t, err.Error(), "expected at least 3 rows")

	require.Len(t, result.Attempts, 3)
	for _, a := range result.Attempts {
		assert.Contains(t, a.Error, "validator rejected the result")
	}
	assert.Empty(t, result.Rows)
	conn.AssertNumberOfCalls(t, "RunQuery", 3)
}

func TestAgent_AggregateFetchesRawRows(t *testing.T) {
	const aggregate = "SELECT dept, COUNT(*) AS n FROM emp GROUP BY dept"
	const companion = "SELECT * FROM emp LIMIT 20"

	t.Run("companion rows attached", func(t *testing.T) {
		conn := newMockConnector()
		conn.On("RunQuery", aggregate).Return([]domain.Row{{"dept": "ops", "n": int64(2)}}, nil)
		raw := []domain.Row{{"id": int64(1), "dept": "ops"}, {"id": int64(2), "dept": "ops"}}
		conn.On("RunQuery", companion).Return(raw, nil)

		result, err := newTestAgent(script(aggregate).complete).GenerateAndExecute(context.Background(), conn, "headcount by dept")
		require.NoError(t, err)
		assert.Equal(t, raw, result.RawRows)
		assert.Equal(t, raw, result.Attempts[0].RawRows)
	})

	t.Run("companion failure is ignored", func(t *testing.T) {
		conn := newMockConnector()
		conn.On("RunQuery", aggregate).Return([]domain.Row{{"dept": "ops", "n": int64(2)}}, nil)
		conn.On("RunQuery", companion).Return(nil, errors.New("timeout"))

		result, err := newTestAgent(script(aggregate).complete).GenerateAndExecute(context.Background(), conn, "headcount by dept")
		require.NoError(t, err)
		assert.Nil(t, result.RawRows)
		assert.Len(t, result.Rows, 1)
	})

	t.Run("disabled", func(t *testing.T) {
		conn := newMockConnector()
		conn.On("RunQuery", aggregate).Return([]domain.Row{{"dept": "ops", "n": int64(2)}}, nil)

		agent := newTestAgent(script(aggregate).complete, func(o *Options) { o.FetchRawRows = false })
		result, err := agent.GenerateAndExecute(context.Background(), conn, "headcount by dept")
		require.NoError(t, err)
		assert.Nil(t, result.RawRows)
		conn.AssertNotCalled(t, "RunQuery", companion)
	})
}

func TestAgent_EmptyCompletionIsRetried(t *testing.T) {
	conn := newMockConnector()
	conn.On("RunQuery", "SELECT 1 FROM products").Return([]domain.Row{{"1": int64(1)}}, nil)

	s := script("```\n```", "SELECT 1 FROM products")
	result, err := newTestAgent(s.complete).GenerateAndExecute(context.Background(), conn, "anything")
	require.NoError(t, err)

	require.Len(t, result.Attempts, 2)
	assert.Equal(t, "completion contained no query text", result.Attempts[0].Error)
	assert.Equal(t, feedbackNoQuery, result.Attempts[0].Feedback)
}

func TestAgent_CompletionErrorIsRetried(t *testing.T) {
	conn := newMockConnector()
	conn.On("RunQuery", "SELECT name FROM products").Return([]domain.Row{}, nil)

	calls := 0
	complete := func(ctx context.Context, prompt string) (string, error) {
		calls++
		if calls == 1 {
			return "", fmt.Errorf("rate limited")
		}
		return "SELECT name FROM products", nil
	}

	result, err := newTestAgent(complete).GenerateAndExecute(context.Background(), conn, "names")
	require.NoError(t, err)
	require.Len(t, result.Attempts, 2)
	assert.Contains(t, result.Attempts[0].Error, "rate limited")
	assert.Contains(t, result.Attempts[0].Feedback, "rate limited")
}

func TestAgent_ContextCancelled(t *testing.T) {
	conn := newMockConnector()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := newTestAgent(script("SELECT 1").complete).GenerateAndExecute(ctx, conn, "names")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, result.Attempts)
}

func TestAgent_PromptInputs(t *testing.T) {
	mc := newMockConnector()
	mc.On("RunQuery", mock.Anything).Return([]domain.Row{}, nil)
	conn := policyConnector{MockConnector: mc, dialect: "PostgreSQL"}

	s := script("SELECT name FROM products")
	agent := newTestAgent(s.complete, func(o *Options) { o.MaxExamples = 1 }).WithExamples(
		Example{Question: "how many products", Query: "SELECT COUNT(*) FROM products", Answer: "7"},
		Example{Question: "cheapest product", Query: "SELECT name FROM products ORDER BY price LIMIT 1"},
	)

	_, err := agent.GenerateAndExecute(context.Background(), conn, "names")
	require.NoError(t, err)

	prompt := s.prompts[0]
	assert.Contains(t, prompt, "PostgreSQL queries")
	assert.Contains(t, prompt, "Question: how many products")
	assert.Contains(t, prompt, "Answer: 7")
	assert.NotContains(t, prompt, "cheapest product")
}

func TestAgent_SchemaFailure(t *testing.T) {
	conn := &MockConnector{}
	conn.On("GetSchema").Return("", errors.New("connection refused"))

	_, err := newTestAgent(script("SELECT 1").complete).GenerateAndExecute(context.Background(), conn, "names")
	var ce *domain.ConnectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "get_schema", ce.Op)
}

func TestAgent_MissingCollaborators(t *testing.T) {
	_, err := newTestAgent(script("SELECT 1").complete).GenerateAndExecute(context.Background(), nil, "names")
	assert.True(t, domain.IsConnectorError(err))

	_, err = NewAgent(nil, DefaultOptions(), nil).GenerateAndExecute(context.Background(), newMockConnector(), "names")
	assert.True(t, domain.IsConnectorError(err))
}

func TestAgent_Action(t *testing.T) {
	conn := newMockConnector()
	conn.On("RunQuery", "SELECT name FROM products").Return([]domain.Row{{"name": "desk"}}, nil)
	agent := newTestAgent(script("SELECT name FROM products").complete)

	rc := orchestrator.NewRunContext("wf", nil)
	rc.Connectors["shop"] = conn
	rc.Connectors["broken"] = "not a connector"

	out, err := agent.Action("shop", "names")(context.Background(), rc)
	require.NoError(t, err)
	result, ok := out.(*domain.QueryExecutionResult)
	require.True(t, ok)
	assert.Len(t, result.Rows, 1)

	_, err = agent.Action("missing", "names")(context.Background(), rc)
	assert.ErrorIs(t, err, orchestrator.ErrConnectorNotFound)

	_, err = agent.Action("broken", "names")(context.Background(), rc)
	assert.ErrorContains(t, err, "not a query connector")
}

func TestAgent_ActionInRun(t *testing.T) {
	conn := newMockConnector()
	conn.On("RunQuery", "SELECT nme FROM products").Return(nil, errors.New("no such column")).Once()
	conn.On("RunQuery", "SELECT name FROM products").Return([]domain.Row{{"name": "desk"}}, nil).Once()
	agent := newTestAgent(script("SELECT nme FROM products", "SELECT name FROM products").complete)

	g := orchestrator.NewStepGraph()
	require.NoError(t, g.AddStep(orchestrator.Step{ID: "names", Action: agent.Action("shop", "names")}))
	rc := orchestrator.NewRunContext("wf", nil)
	rc.Connectors["shop"] = conn

	var attempts []int
	out := orchestrator.NewRunner(nil, nil).Execute(context.Background(), g, rc, func(ev domain.Event) error {
		if ev.Type == domain.EventTypeQueryExecution {
			attempts = append(attempts, ev.AttemptNumber)
		}
		return nil
	})
	require.True(t, out.Succeeded())
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestBuildPrompt(t *testing.T) {
	prompt := buildPrompt(promptInput{
		Schema:   "  emp(id, dept)\n",
		Feedback: "The query failed with: boom.",
		Goal:     " headcount ",
	})

	assert.Contains(t, prompt, "into SQL queries")
	assert.Contains(t, prompt, "Schema:\nemp(id, dept)\n")
	assert.Contains(t, prompt, "The previous attempt failed:\nThe query failed with: boom.")
	assert.NotContains(t, prompt, "Examples:")
	assert.True(t, strings.HasSuffix(prompt, "\nQuestion: headcount\n"))
}
