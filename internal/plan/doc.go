// Package plan loads declarative YAML plan files.
//
// A plan names the workflow, its metadata and persona, the data connectors
// it may query, and the steps to run. Loading produces a step graph and a
// run context ready for the runner or the manager.
//
// Step kinds:
//   - query: the query agent answers goal against a connector
//   - calculate: evaluates an arithmetic expression
//   - review: returns its summary or plan, normally behind an approval gate
package plan
