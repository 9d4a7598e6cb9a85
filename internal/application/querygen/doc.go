// Package querygen turns a natural-language goal into an executed query.
//
// The Agent prompts a completion function with the connector schema, a few
// examples and feedback from the previous failure, then executes and
// validates the query it gets back, retrying up to a fixed number of
// attempts. Responses that are plain arithmetic are answered by a restricted
// calculator without touching the connector. Aggregate queries get a small
// companion sample of the underlying rows.
package querygen
