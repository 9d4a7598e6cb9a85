package querygen

import (
	"fmt"
	"strings"
)

// DefaultDialect is used for connectors that do not name one
const DefaultDialect = "SQL"

// Example is a few-shot question/query/answer triple
type Example struct {
	Question string `yaml:"question" json:"question"`
	Query    string `yaml:"query" json:"query"`
	Answer   string `yaml:"answer,omitempty" json:"answer,omitempty"`
}

// promptInput holds everything one attempt's prompt is built from
type promptInput struct {
	Schema   string
	Dialect  string
	Examples []Example
	Feedback string
	Goal     string
}

// buildPrompt renders the prompt for one attempt
func buildPrompt(in promptInput) string {
	dialect := in.Dialect
	if dialect == "" {
		dialect = DefaultDialect
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You translate questions into %s queries for the data source described below.\n", dialect)
	b.WriteString("Only read data unless the question explicitly asks for a change.\n")
	b.WriteString("Reply with the query alone inside a fenced code block. ")
	b.WriteString("If the question is pure arithmetic, reply with the arithmetic expression alone.\n\n")

	b.WriteString("Schema:\n")
	b.WriteString(strings.TrimSpace(in.Schema))
	b.WriteString("\n")

	if len(in.Examples) > 0 {
		b.WriteString("\nExamples:\n")
		for _, ex := range in.Examples {
			fmt.Fprintf(&b, "Question: %s\n", strings.TrimSpace(ex.Question))
			fmt.Fprintf(&b, "Query: %s\n", strings.TrimSpace(ex.Query))
			if ex.Answer != "" {
				fmt.Fprintf(&b, "Answer: %s\n", strings.TrimSpace(ex.Answer))
			}
			b.WriteString("\n")
		}
	}

	if in.Feedback != "" {
		b.WriteString("\nThe previous attempt failed:\n")
		b.WriteString(strings.TrimSpace(in.Feedback))
		b.WriteString("\nCorrect the query accordingly.\n")
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n", strings.TrimSpace(in.Goal))
	return b.String()
}
