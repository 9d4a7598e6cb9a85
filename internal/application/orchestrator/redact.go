package orchestrator

import (
	"reflect"
	"strings"

	"github.com/aescanero/stepflow/pkg/domain"
)

// RedactedValue replaces the value of every sensitive key
const RedactedValue = "***REDACTED***"

var sensitiveKeyParts = []string{"token", "secret", "key", "password", "connection_string"}

// IsSensitiveKey reports whether a mapping key names a credential
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of snapshot with sensitive values replaced.
// Nested maps and slices are walked; other values are kept as is.
func Redact(snapshot map[string]any) map[string]any {
	if snapshot == nil {
		return nil
	}
	return redactMap(snapshot)
}

// redactEvent copies ev with the step result, plan and query rows redacted
func redactEvent(ev domain.Event) domain.Event {
	if ev.Result != nil {
		ev.Result = redactValue(ev.Result)
	}
	if ev.Plan != nil {
		ev.Plan = redactValue(ev.Plan)
	}
	if ev.Attempt != nil {
		attempt := *ev.Attempt
		attempt.Rows = redactRows(attempt.Rows)
		attempt.RawRows = redactRows(attempt.RawRows)
		ev.Attempt = &attempt
	}
	return ev
}

func redactRows(rows []domain.Row) []domain.Row {
	if rows == nil {
		return nil
	}
	out := make([]domain.Row, len(rows))
	for i, row := range rows {
		out[i] = Redact(row)
	}
	return out
}

func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return redactMap(t)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			if IsSensitiveKey(k) {
				out[k] = RedactedValue
			} else {
				out[k] = s
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactMap(e)
		}
		return out
	}

	// Other map and slice kinds (typed rows, string-keyed maps of structs)
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			if IsSensitiveKey(k) {
				out[k] = RedactedValue
				continue
			}
			out[k] = redactValue(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = redactValue(rv.Index(i).Interface())
		}
		return out
	}
	return v
}
