package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aescanero/stepflow/internal/application/orchestrator"
	"github.com/aescanero/stepflow/internal/application/querygen"
	"github.com/aescanero/stepflow/pkg/adapters/connector/sqldb"
	"github.com/aescanero/stepflow/pkg/domain"
	"github.com/aescanero/stepflow/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedAgent(reply string) *querygen.Agent {
	complete := func(ctx context.Context, prompt string) (string, error) { return reply, nil }
	return querygen.NewAgent(complete, querygen.DefaultOptions(), nil)
}

func approveAll() ports.DecisionFunc {
	return func(ctx context.Context, req domain.ApprovalRequest) (domain.ApprovalDecision, error) {
		return domain.ApprovalDecision{Approved: true, ActorID: "tester"}, nil
	}
}

func TestParse(t *testing.T) {
	f, err := Parse([]byte(`
id: wf
steps:
  - id: a
    kind: calculate
    expression: "1 + 1"
  - id: b
    kind: review
    depends_on: [a]
`))
	require.NoError(t, err)
	assert.Equal(t, "wf", f.ID)
	require.Len(t, f.Steps, 2)
	assert.Equal(t, []string{"a"}, f.Steps[1].DependsOn)

	_, err = Parse([]byte("id: wf\n"))
	assert.EqualError(t, err, "plan has no steps")

	_, err = Parse([]byte("steps: [unclosed"))
	assert.ErrorContains(t, err, "error parsing plan")
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile("testdata/missing.yaml")
	assert.ErrorContains(t, err, "error reading plan file")
}

func TestLoader_LoadFileAndRun(t *testing.T) {
	loader := NewLoader(fixedAgent("```sql\nSELECT name, price FROM products ORDER BY price DESC LIMIT 5\n```"), nil)

	p, err := loader.LoadFile(context.Background(), "testdata/top_products.yaml")
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "top-products", p.Context.WorkflowID)
	assert.Equal(t, "concise", p.Context.Persona["tone"])
	assert.Equal(t, 3, p.Graph.Len())
	assert.Equal(t, []string{"top", "margin"}, p.Graph.Dependencies("publish"))

	conn, ok := p.Context.Connectors["shop"].(*sqldb.Connector)
	require.True(t, ok)
	assert.Equal(t, domain.WritePolicyRequireApproval, conn.WritePolicy())

	publish, ok := p.Graph.Step("publish")
	require.True(t, ok)
	assert.Equal(t, domain.ApprovalTypePlan, publish.ApprovalType)
	assert.Equal(t, []string{"external_action"}, publish.ExplicitPolicyTags())
	_, hasPlan := publish.PlanArtifact()
	assert.True(t, hasPlan)

	var types []domain.EventType
	runner := orchestrator.NewRunner(orchestrator.NewApprovalPolicy(), approveAll())
	out := runner.Execute(context.Background(), p.Graph, p.Context, func(ev domain.Event) error {
		types = append(types, ev.Type)
		return nil
	})
	require.True(t, out.Succeeded(), "outcome error: %v", out.Err)
	assert.Contains(t, types, domain.EventTypePlanProposed)
	assert.Contains(t, types, domain.EventTypeApprovalRequired)

	top, err := orchestrator.ArtifactAs[*domain.QueryExecutionResult](p.Context, "top")
	require.NoError(t, err)
	require.Len(t, top.Rows, 3)
	assert.Equal(t, "sofa", top.Rows[0]["name"])

	margin, err := p.Context.Artifact("margin")
	require.NoError(t, err)
	assert.Equal(t, int64(84), margin)

	review, err := p.Context.Artifact("publish")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"steps": []any{"top", "margin"}}, review)
}

func TestLoader_ValidatorRejectsRows(t *testing.T) {
	loader := NewLoader(fixedAgent("SELECT name, price FROM products WHERE price < 0"), nil)
	p, err := loader.Load(context.Background(), []byte(`
id: wf
connectors:
  db:
    dsn: ":memory:"
    init: ["CREATE TABLE products (name TEXT, price REAL)"]
steps:
  - id: q
    kind: query
    connector: db
    goal: negative prices
    min_rows: 1
`))
	require.NoError(t, err)
	defer p.Close()

	out := orchestrator.NewRunner(nil, nil).Execute(context.Background(), p.Graph, p.Context, nil)
	assert.Equal(t, orchestrator.OutcomeFailed, out.Kind)
	assert.Equal(t, "q", out.StepID)
	assert.Contains(t, out.Err.Error(), "expected at least 1 rows")
}

func TestLoader_BuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		plan    string
		agent   *querygen.Agent
		wantErr string
	}{
		{
			name:    "forward reference",
			plan:    "steps:\n  - {id: a, kind: review, depends_on: [b]}\n  - {id: b, kind: review}\n",
			wantErr: "depends on unknown step b",
		},
		{
			name:    "missing id",
			plan:    "steps:\n  - {kind: review}\n",
			wantErr: "invalid step 1 (): id is required",
		},
		{
			name:    "missing kind",
			plan:    "steps:\n  - {id: a}\n",
			wantErr: "kind is required",
		},
		{
			name:    "unknown kind",
			plan:    "steps:\n  - {id: a, kind: shell}\n",
			wantErr: "unknown step kind: shell",
		},
		{
			name:    "bad approval",
			plan:    "steps:\n  - {id: a, kind: review, approval: maybe}\n",
			wantErr: "invalid step 1 (a)",
		},
		{
			name:    "empty expression",
			plan:    "steps:\n  - {id: a, kind: calculate}\n",
			wantErr: "expression is required",
		},
		{
			name:    "query without agent",
			plan:    "steps:\n  - {id: a, kind: query, goal: g, connector: db}\n",
			wantErr: "query steps need a query agent",
		},
		{
			name:    "query without goal",
			plan:    "steps:\n  - {id: a, kind: query, connector: db}\n",
			agent:   fixedAgent("SELECT 1"),
			wantErr: "goal is required",
		},
		{
			name:    "unknown connector",
			plan:    "steps:\n  - {id: a, kind: query, goal: g, connector: db}\n",
			agent:   fixedAgent("SELECT 1"),
			wantErr: "connector not found: db",
		},
		{
			name:    "bad CEL",
			plan:    "connectors:\n  db: {dsn: ':memory:'}\nsteps:\n  - {id: a, kind: query, goal: g, connector: db, validate: 'rows.('}\n",
			agent:   fixedAgent("SELECT 1"),
			wantErr: "error parsing expression",
		},
		{
			name:    "bad write policy",
			plan:    "connectors:\n  db: {dsn: ':memory:', write_policy: sometimes}\nsteps:\n  - {id: a, kind: review}\n",
			wantErr: "unknown write policy",
		},
		{
			name:    "failing init",
			plan:    "connectors:\n  db: {dsn: ':memory:', init: ['NOT SQL']}\nsteps:\n  - {id: a, kind: review}\n",
			wantErr: "failed to initialise connector db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(tt.agent, nil).Load(context.Background(), []byte(tt.plan))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoader_RestrictedConnectors(t *testing.T) {
	shared := filepath.Join(t.TempDir(), "shared.db")
	other := filepath.Join(t.TempDir(), "other.db")

	tests := []struct {
		name       string
		connector  string
		wantReason string
	}{
		{name: "memory with init", connector: "{dsn: ':memory:', init: ['CREATE TABLE t (x INTEGER)']}"},
		{name: "memory uri", connector: "{dsn: 'file::memory:?mode=memory', write_policy: allow}"},
		{name: "listed dsn", connector: "{dsn: '" + shared + "', write_policy: require_approval}"},
		{
			name:       "unlisted dsn",
			connector:  "{dsn: '" + other + "'}",
			wantReason: "dsn is not in the allowed list",
		},
		{
			name:       "shared memory cache",
			connector:  "{dsn: 'file::memory:?cache=shared'}",
			wantReason: "dsn is not in the allowed list",
		},
		{
			name:       "memory dsn on another driver",
			connector:  "{driver: postgres, dsn: ':memory:'}",
			wantReason: "dsn is not in the allowed list",
		},
		{
			name:       "init on listed dsn",
			connector:  "{dsn: '" + shared + "', init: ['DROP TABLE users']}",
			wantReason: "init statements only run against in-memory databases",
		},
		{
			name:       "writes allowed on listed dsn",
			connector:  "{dsn: '" + shared + "', write_policy: allow}",
			wantReason: "write policy allow is not permitted",
		},
	}

	loader := NewLoader(nil, nil, WithAllowedDSNs(shared, " "))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := "connectors:\n  db: " + tt.connector + "\nsteps:\n  - {id: a, kind: review}\n"
			p, err := loader.Load(context.Background(), []byte(doc))
			if tt.wantReason == "" {
				require.NoError(t, err)
				assert.NoError(t, p.Close())
				return
			}

			var policyErr *ConnectorPolicyError
			require.ErrorAs(t, err, &policyErr)
			assert.Equal(t, "db", policyErr.Connector)
			assert.Equal(t, tt.wantReason, policyErr.Reason)
		})
	}

	_, err := os.Stat(other)
	assert.True(t, os.IsNotExist(err), "a refused connector must not be opened")
}

func TestLoader_UnrestrictedRunsInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	doc := "connectors:\n  db: {dsn: '" + path + "', init: ['CREATE TABLE t (x INTEGER)']}\nsteps:\n  - {id: a, kind: review}\n"

	p, err := NewLoader(nil, nil).Load(context.Background(), []byte(doc))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLoader_ForwardReferenceIsTyped(t *testing.T) {
	_, err := NewLoader(nil, nil).Load(context.Background(),
		[]byte("steps:\n  - {id: a, kind: review, depends_on: [b]}\n  - {id: b, kind: review}\n"))

	var missing *orchestrator.MissingDependencyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "a", missing.StepID)
	assert.Equal(t, "b", missing.Dependency)
}

func TestLoader_ReviewFallsBackToSummary(t *testing.T) {
	p, err := NewLoader(nil, nil).Load(context.Background(),
		[]byte("id: wf\nsteps:\n  - {id: r, kind: Review, summary: looks fine}\n"))
	require.NoError(t, err)

	out := orchestrator.NewRunner(nil, nil).Execute(context.Background(), p.Graph, p.Context, nil)
	require.True(t, out.Succeeded())

	v, err := p.Context.Artifact("r")
	require.NoError(t, err)
	assert.Equal(t, "looks fine", v)

	step, _ := p.Graph.Step("r")
	assert.Equal(t, "r", step.Name)
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}
