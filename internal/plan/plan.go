package plan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aescanero/stepflow/internal/application/orchestrator"
	"github.com/aescanero/stepflow/internal/application/querygen"
	"github.com/aescanero/stepflow/pkg/adapters/connector/sqldb"
	"github.com/aescanero/stepflow/pkg/domain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Step kinds
const (
	KindQuery     = "query"
	KindCalculate = "calculate"
	KindReview    = "review"
)

// File is the on-disk plan
type File struct {
	ID         string                  `yaml:"id"`
	Metadata   map[string]any          `yaml:"metadata,omitempty"`
	Persona    map[string]any          `yaml:"persona,omitempty"`
	Connectors map[string]ConnectorDef `yaml:"connectors,omitempty"`
	Steps      []StepDef               `yaml:"steps"`
}

// ConnectorDef describes one data source
type ConnectorDef struct {
	Driver      string `yaml:"driver,omitempty"`
	DSN         string `yaml:"dsn"`
	Dialect     string `yaml:"dialect,omitempty"`
	WritePolicy string `yaml:"write_policy,omitempty"`
	// Schema replaces introspection
	Schema string `yaml:"schema,omitempty"`
	// Init statements run once when the connector is opened
	Init []string `yaml:"init,omitempty"`
}

// StepDef describes one step
type StepDef struct {
	ID         string             `yaml:"id"`
	Name       string             `yaml:"name,omitempty"`
	Kind       string             `yaml:"kind"`
	Goal       string             `yaml:"goal,omitempty"`
	Expression string             `yaml:"expression,omitempty"`
	Connector  string             `yaml:"connector,omitempty"`
	Approval   string             `yaml:"approval,omitempty"`
	Summary    string             `yaml:"summary,omitempty"`
	Plan       any                `yaml:"plan,omitempty"`
	PolicyTags []string           `yaml:"policy_tags,omitempty"`
	DependsOn  []string           `yaml:"depends_on,omitempty"`
	Validate   string             `yaml:"validate,omitempty"`
	Schema     string             `yaml:"schema,omitempty"`
	MinRows    int                `yaml:"min_rows,omitempty"`
	Examples   []querygen.Example `yaml:"examples,omitempty"`
}

// Plan is a loaded plan ready to run
type Plan struct {
	Graph   *orchestrator.StepGraph
	Context *orchestrator.RunContext

	closers []io.Closer
}

// Close releases the plan's connectors
func (p *Plan) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Parse decodes a plan document
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing plan: %w", err)
	}
	if len(f.Steps) == 0 {
		return nil, errors.New("plan has no steps")
	}
	return &f, nil
}

// ReadFile reads and decodes a plan file
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading plan file: %w", err)
	}
	return Parse(data)
}

// ConnectorPolicyError reports a connector a restricted loader refuses to open
type ConnectorPolicyError struct {
	Connector string
	Reason    string
}

func (e *ConnectorPolicyError) Error() string {
	return fmt.Sprintf("connector %s not allowed: %s", e.Connector, e.Reason)
}

// Loader builds runnable plans
type Loader struct {
	agent  *querygen.Agent
	logger *zap.Logger

	restricted  bool
	allowedDSNs map[string]bool
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithAllowedDSNs restricts connectors to private in-memory sqlite databases
// and the listed DSNs. Init statements only run against in-memory databases,
// and a listed DSN may not use the allow write policy.
func WithAllowedDSNs(dsns ...string) LoaderOption {
	return func(l *Loader) {
		l.restricted = true
		l.allowedDSNs = make(map[string]bool, len(dsns))
		for _, dsn := range dsns {
			if dsn = strings.TrimSpace(dsn); dsn != "" {
				l.allowedDSNs[dsn] = true
			}
		}
	}
}

// NewLoader creates a loader. agent may be nil when no plan uses query steps.
func NewLoader(agent *querygen.Agent, logger *zap.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{agent: agent, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load parses data and builds the plan
func (l *Loader) Load(ctx context.Context, data []byte) (*Plan, error) {
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return l.Build(ctx, f)
}

// LoadFile reads path and builds the plan
func (l *Loader) LoadFile(ctx context.Context, path string) (*Plan, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return l.Build(ctx, f)
}

// Build opens the plan's connectors and adds its steps in file order, so a
// step may only depend on steps listed before it
func (l *Loader) Build(ctx context.Context, f *File) (*Plan, error) {
	rc := orchestrator.NewRunContext(f.ID, f.Metadata)
	for k, v := range f.Persona {
		rc.Persona[k] = v
	}

	p := &Plan{Graph: orchestrator.NewStepGraph(), Context: rc}

	for name, def := range f.Connectors {
		if err := l.checkConnector(name, def); err != nil {
			p.Close()
			return nil, err
		}
		conn, err := l.openConnector(ctx, name, def)
		if err != nil {
			p.Close()
			return nil, err
		}
		rc.Connectors[name] = conn
		p.closers = append(p.closers, conn)
	}

	for i, def := range f.Steps {
		step, err := l.buildStep(def, f.Connectors)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("invalid step %d (%s): %w", i+1, def.ID, err)
		}
		if err := p.Graph.AddStep(step, def.DependsOn...); err != nil {
			p.Close()
			return nil, err
		}
	}

	l.logger.Debug("plan loaded",
		zap.String("workflow_id", rc.WorkflowID),
		zap.Int("steps", p.Graph.Len()),
		zap.Int("connectors", len(f.Connectors)))

	return p, nil
}

// checkConnector applies the restricted loader's connector rules
func (l *Loader) checkConnector(name string, def ConnectorDef) error {
	if !l.restricted {
		return nil
	}
	if isMemoryDSN(def.Driver, def.DSN) {
		return nil
	}
	if !l.allowedDSNs[def.DSN] {
		return &ConnectorPolicyError{Connector: name, Reason: "dsn is not in the allowed list"}
	}
	if len(def.Init) > 0 {
		return &ConnectorPolicyError{Connector: name, Reason: "init statements only run against in-memory databases"}
	}
	if policy, _ := domain.ParseWritePolicy(def.WritePolicy); policy == domain.WritePolicyAllow {
		return &ConnectorPolicyError{Connector: name, Reason: "write policy allow is not permitted"}
	}
	return nil
}

// isMemoryDSN reports whether dsn names a private in-memory sqlite database
func isMemoryDSN(driver, dsn string) bool {
	switch driver {
	case "", sqldb.DriverSQLite, "sqlite3":
	default:
		return false
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, ":memory:?") && !strings.HasPrefix(dsn, "file::memory:") {
		return false
	}
	// a shared cache would let plans see each other's data
	return !strings.Contains(dsn, "cache=shared")
}

func (l *Loader) openConnector(ctx context.Context, name string, def ConnectorDef) (*sqldb.Connector, error) {
	policy, err := domain.ParseWritePolicy(def.WritePolicy)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", name, err)
	}

	conn, err := sqldb.Open(sqldb.Config{
		Name:        name,
		Driver:      def.Driver,
		DSN:         def.DSN,
		Dialect:     def.Dialect,
		WritePolicy: policy,
		Schema:      def.Schema,
	}, l.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open connector %s: %w", name, err)
	}

	for _, stmt := range def.Init {
		if _, err := conn.DB().ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to initialise connector %s: %w", name, err)
		}
	}
	return conn, nil
}

func (l *Loader) buildStep(def StepDef, connectors map[string]ConnectorDef) (orchestrator.Step, error) {
	if strings.TrimSpace(def.ID) == "" {
		return orchestrator.Step{}, errors.New("id is required")
	}
	approval, err := domain.ParseApprovalType(def.Approval)
	if err != nil {
		return orchestrator.Step{}, err
	}

	step := orchestrator.Step{
		ID:           def.ID,
		Name:         def.Name,
		ApprovalType: approval,
		Summary:      def.Summary,
		Metadata:     make(map[string]any),
	}
	if step.Name == "" {
		step.Name = def.ID
	}
	if len(def.PolicyTags) > 0 {
		step.Metadata[orchestrator.MetadataPolicyTags] = def.PolicyTags
	}
	if def.Plan != nil {
		step.Metadata[orchestrator.MetadataPlanArtifact] = def.Plan
	}

	switch strings.ToLower(def.Kind) {
	case KindQuery:
		step.Action, err = l.queryAction(def, approval, connectors)
	case KindCalculate:
		step.Action, err = calculateAction(def)
	case KindReview:
		step.Action = reviewAction(def)
	case "":
		err = errors.New("kind is required")
	default:
		err = fmt.Errorf("unknown step kind: %s", def.Kind)
	}
	if err != nil {
		return orchestrator.Step{}, err
	}
	return step, nil
}

func (l *Loader) queryAction(def StepDef, approval domain.ApprovalType, connectors map[string]ConnectorDef) (orchestrator.Action, error) {
	if l.agent == nil {
		return nil, errors.New("query steps need a query agent")
	}
	if def.Goal == "" {
		return nil, errors.New("goal is required")
	}
	if _, ok := connectors[def.Connector]; !ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrConnectorNotFound, def.Connector)
	}

	var validators []querygen.RowValidator
	if def.MinRows > 0 {
		validators = append(validators, querygen.MinRows(def.MinRows))
	}
	if def.Validate != "" {
		v, err := querygen.NewCELValidator(def.Validate)
		if err != nil {
			return nil, err
		}
		validators = append(validators, v)
	}
	if def.Schema != "" {
		v, err := querygen.NewSchemaValidator(def.Schema)
		if err != nil {
			return nil, err
		}
		validators = append(validators, v)
	}

	var opts []querygen.CallOption
	if len(validators) > 0 {
		opts = append(opts, querygen.WithValidator(querygen.AllOf(validators...)))
	}
	if approval == domain.ApprovalTypeSQL {
		// the gate runs before the action, so reaching it means approved
		opts = append(opts, querygen.WithApprovedWrites())
	}

	agent := l.agent
	if len(def.Examples) > 0 {
		agent = agent.WithExamples(def.Examples...)
	}
	return agent.Action(def.Connector, def.Goal, opts...), nil
}

func calculateAction(def StepDef) (orchestrator.Action, error) {
	expr := strings.TrimSpace(def.Expression)
	if expr == "" {
		return nil, errors.New("expression is required")
	}
	return func(ctx context.Context, rc *orchestrator.RunContext) (any, error) {
		return querygen.Calculate(expr)
	}, nil
}

func reviewAction(def StepDef) orchestrator.Action {
	return func(ctx context.Context, rc *orchestrator.RunContext) (any, error) {
		if def.Plan != nil {
			return def.Plan, nil
		}
		return def.Summary, nil
	}
}
