package querygen

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aescanero/stepflow/pkg/domain"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/xeipuuv/gojsonschema"
)

// RowValidator accepts or rejects the rows a query returned
type RowValidator interface {
	Validate(rows []domain.Row) error
}

// ValidatorFunc adapts a function to RowValidator
type ValidatorFunc func(rows []domain.Row) error

// Validate calls f
func (f ValidatorFunc) Validate(rows []domain.Row) error { return f(rows) }

// MinRows rejects results with fewer than n rows
func MinRows(n int) RowValidator {
	return ValidatorFunc(func(rows []domain.Row) error {
		if len(rows) < n {
			return fmt.Errorf("expected at least %d rows, got %d", n, len(rows))
		}
		return nil
	})
}

// AllOf runs validators in order and returns the first rejection
func AllOf(validators ...RowValidator) RowValidator {
	return ValidatorFunc(func(rows []domain.Row) error {
		for _, v := range validators {
			if v == nil {
				continue
			}
			if err := v.Validate(rows); err != nil {
				return err
			}
		}
		return nil
	})
}

// CELValidator checks rows with a boolean CEL expression over the variable
// rows, a list of string-keyed maps, e.g. "size(rows) > 0 && rows.all(r, r.price > 0)"
type CELValidator struct {
	expression string
	program    cel.Program
}

// NewCELValidator compiles expression
func NewCELValidator(expression string) (*CELValidator, error) {
	env, err := cel.NewEnv(
		cel.Variable("rows", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %w", err)
	}

	ast, issues := env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error parsing expression: %w", issues.Err())
	}

	checked, issues := env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error type-checking expression: %w", issues.Err())
	}

	program, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("error compiling expression: %w", err)
	}

	return &CELValidator{expression: expression, program: program}, nil
}

// Validate evaluates the expression against rows
func (v *CELValidator) Validate(rows []domain.Row) error {
	list := make([]any, len(rows))
	for i, r := range rows {
		list[i] = map[string]any(r)
	}

	result, _, err := v.program.Eval(map[string]any{"rows": list})
	if err != nil {
		return fmt.Errorf("error evaluating expression: %w", err)
	}
	if result.Type() != types.BoolType {
		return fmt.Errorf("expression did not evaluate to a boolean")
	}
	if !result.Value().(bool) {
		return fmt.Errorf("rows do not satisfy %q", v.expression)
	}
	return nil
}

// SchemaValidator checks the row list against a JSON schema describing an array
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles a JSON schema document
func NewSchemaValidator(schema string) (*SchemaValidator, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	return &SchemaValidator{schema: compiled}, nil
}

// Validate checks rows against the schema
func (v *SchemaValidator) Validate(rows []domain.Row) error {
	if rows == nil {
		rows = []domain.Row{}
	}
	doc, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("schema validation error: failed to serialize rows: %w", err)
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("rows do not match schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}
