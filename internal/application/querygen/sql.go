package querygen

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*[ \\t]*\\n?(.*?)```")

	queryKeyword = regexp.MustCompile(`(?i)\b(select|with|insert|update|delete|create|drop|alter|truncate|merge|grant|revoke|explain|show|describe|pragma|values)\b`)

	riskyStatement = regexp.MustCompile(`(?i)\b(insert|update|delete|create|drop|alter|truncate|merge|grant|revoke|replace\s+into)\b`)

	aggregateClause = regexp.MustCompile(`(?i)\bgroup\s+by\b|\b(count|sum|avg|min|max)\s*\(`)

	// clauses dropped from the companion query, checked at the start of a word
	trailingClause = regexp.MustCompile(`(?i)^(group\s+by|order\s+by|having|limit|offset|fetch|window|union|intersect|except)\b`)

	fromClause = regexp.MustCompile(`(?i)^from\b`)

	selectStatement = regexp.MustCompile(`(?i)^\s*select\b`)
)

// ExtractQuery pulls the query out of a completion: the first fenced code
// block when present, else the trimmed response. Trailing statement
// terminators are removed.
func ExtractQuery(response string) string {
	text := response
	if m := fencedBlock.FindStringSubmatch(response); m != nil {
		text = m[1]
	}
	text = strings.TrimSpace(text)
	for strings.HasSuffix(text, ";") {
		text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
	}
	return text
}

// LooksLikeQuery reports whether text contains a recognisable query keyword
func LooksLikeQuery(text string) bool {
	return queryKeyword.MatchString(text)
}

// IsRisky reports whether query contains a data-mutating or DDL statement
func IsRisky(query string) bool {
	return riskyStatement.MatchString(stripLiterals(query))
}

// IsAggregate reports whether query groups or aggregates rows
func IsAggregate(query string) bool {
	return aggregateClause.MatchString(stripLiterals(query))
}

// CompanionQuery derives a raw-row query from an aggregate SELECT by keeping
// its FROM, JOIN and WHERE clauses, selecting every column and appending a
// row limit. It returns "" when query is not a plain SELECT with a FROM.
func CompanionQuery(query string, limit int) string {
	query = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if !selectStatement.MatchString(query) {
		return ""
	}

	from := topLevelMatch(query, 0, fromClause)
	if from < 0 {
		return ""
	}
	end := topLevelMatch(query, from, trailingClause)
	if end < 0 {
		end = len(query)
	}

	body := strings.Join(strings.Fields(query[from:end]), " ")
	if limit <= 0 {
		return "SELECT * " + body
	}
	return fmt.Sprintf("SELECT * %s LIMIT %d", body, limit)
}

// topLevelMatch returns the offset of the first match of re at a word start
// at or after start, outside quotes and parentheses, or -1
func topLevelMatch(query string, start int, re *regexp.Regexp) int {
	depth := 0
	var quote byte
	for i := start; i < len(query); i++ {
		c := query[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
			continue
		case '(':
			depth++
			continue
		case ')':
			if depth > 0 {
				depth--
			}
			continue
		}
		if depth != 0 {
			continue
		}
		if i > 0 && isWordByte(query[i-1]) {
			continue
		}
		if re.MatchString(query[i:]) {
			return i
		}
	}
	return -1
}

func isWordByte(c byte) bool {
	return c == '_' || c < 0x80 && (unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c)))
}

// stripLiterals blanks out quoted strings so keywords inside them are ignored
func stripLiterals(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
				b.WriteByte(c)
			} else {
				b.WriteByte(' ')
			}
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
