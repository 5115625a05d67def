package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedQuery signals a condition parse failure. It is the only query
// error surfaced to callers; no partial results accompany it.
var ErrMalformedQuery = errors.New("malformed query")

type op int

const (
	opAny op = iota // bare token, substring search across anyFields
	opSub           // field:value, substring / tag membership
	opEq            // field=value, exact
	opGt            // field>value
	opLt            // field<value
)

// cond is one leaf of the condition tree. The tree is a conjunction: every
// cond must hold for a row to pass.
type cond struct {
	field  string
	op     op
	value  string
	negate bool
}

// virtuals are the named predicates and post-filters a query may request.
type virtuals struct {
	due       bool
	distinct  bool
	duplicate bool
	random    bool
}

// anyFields is the fixed subset searched by bare free-text tokens.
var anyFields = []string{"front", "back", "mnemonic", "deck", "tag"}

// dateFields compare as timestamps rather than strings or numbers.
var dateFields = map[string]bool{
	"nextReview": true,
	"created":    true,
	"modified":   true,
	"sCreated":   true,
}

// knownFields are the recognized condition/projection field names. A
// data.<field> reference addresses one key of the joined note data.
var knownFields = map[string]bool{
	"id": true, "deckId": true, "templateId": true, "noteId": true,
	"front": true, "back": true, "mnemonic": true,
	"srsLevel": true, "nextReview": true, "tag": true,
	"created": true, "modified": true, "stat": true,
	"deck": true, "key": true, "data": true,
	"template": true, "tFront": true, "tBack": true, "css": true, "js": true,
	"source": true, "sCreated": true,
}

// parse turns the textual query into a conjunction of leaf conditions plus
// the set of requested virtual predicates.
func parse(q string) ([]cond, virtuals, error) {
	tokens, err := tokenize(q)
	if err != nil {
		return nil, virtuals{}, err
	}

	var conds []cond
	var virt virtuals

	for _, tok := range tokens {
		negate := false
		if strings.HasPrefix(tok, "-") && len(tok) > 1 {
			negate = true
			tok = tok[1:]
		}

		field, o, value, ok := splitOperator(tok)
		if !ok {
			conds = append(conds, cond{op: opAny, value: tok, negate: negate})
			continue
		}
		if value == "" {
			return nil, virtuals{}, fmt.Errorf("%w: empty value in %q", ErrMalformedQuery, tok)
		}

		if field == "is" {
			if negate {
				return nil, virtuals{}, fmt.Errorf("%w: cannot negate %q", ErrMalformedQuery, tok)
			}
			switch value {
			case "due":
				virt.due = true
			case "distinct":
				virt.distinct = true
			case "duplicate":
				virt.duplicate = true
			case "random":
				virt.random = true
			default:
				return nil, virtuals{}, fmt.Errorf("%w: unknown predicate is:%s", ErrMalformedQuery, value)
			}
			continue
		}

		if !knownFields[field] && !strings.HasPrefix(field, "data.") {
			return nil, virtuals{}, fmt.Errorf("%w: unknown field %q", ErrMalformedQuery, field)
		}
		conds = append(conds, cond{field: field, op: o, value: value, negate: negate})
	}

	return conds, virt, nil
}

// splitOperator splits field:value / field=value / field>value / field<value.
// The first operator character wins so values may contain any of them.
func splitOperator(tok string) (field string, o op, value string, ok bool) {
	i := strings.IndexAny(tok, ":=><")
	if i <= 0 {
		return "", 0, "", false
	}
	field = tok[:i]
	value = tok[i+1:]
	switch tok[i] {
	case ':':
		o = opSub
	case '=':
		o = opEq
	case '>':
		o = opGt
	case '<':
		o = opLt
	}
	return field, o, value, true
}

// tokenize splits on whitespace outside double quotes. Quotes may wrap a
// whole token or just a value ("new york", deck:"my deck").
func tokenize(q string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuote := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, r := range q {
		switch {
		case r == '"':
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("%w: unbalanced quote", ErrMalformedQuery)
	}
	flush()
	return tokens, nil
}

// fields reports the row fields the condition set references, used by the
// join planner.
func condFields(conds []cond) []string {
	var out []string
	for _, c := range conds {
		if c.op == opAny {
			out = append(out, anyFields...)
			continue
		}
		out = append(out, c.field)
	}
	return out
}

// eval applies the condition to one joined row.
func (c cond) eval(row map[string]any) bool {
	ok := c.match(row)
	if c.negate {
		return !ok
	}
	return ok
}

func (c cond) match(row map[string]any) bool {
	if c.op == opAny {
		needle := strings.ToLower(c.value)
		for _, f := range anyFields {
			if valueContains(row[f], needle) {
				return true
			}
		}
		return false
	}

	var v any
	if name, ok := strings.CutPrefix(c.field, "data."); ok {
		if data, ok := row["data"].(map[string]string); ok {
			v = data[name]
		}
	} else {
		v = row[c.field]
	}
	if v == nil {
		return false
	}

	switch c.op {
	case opSub:
		return valueContains(v, strings.ToLower(c.value))
	case opEq:
		return valueEquals(v, c.value)
	case opGt:
		return compareScalar(v, c.value, c.field) > 0
	case opLt:
		return compareScalar(v, c.value, c.field) < 0
	}
	return false
}

func valueContains(v any, lowerNeedle string) bool {
	switch x := v.(type) {
	case string:
		return strings.Contains(strings.ToLower(x), lowerNeedle)
	case []string:
		for _, s := range x {
			if strings.Contains(strings.ToLower(s), lowerNeedle) {
				return true
			}
		}
	case map[string]string:
		for _, s := range x {
			if strings.Contains(strings.ToLower(s), lowerNeedle) {
				return true
			}
		}
	}
	return false
}

func valueEquals(v any, want string) bool {
	switch x := v.(type) {
	case string:
		return x == want
	case int:
		n, err := strconv.Atoi(want)
		return err == nil && x == n
	case float64:
		f, err := strconv.ParseFloat(want, 64)
		return err == nil && x == f
	case []string:
		for _, s := range x {
			if s == want {
				return true
			}
		}
	}
	return false
}

// compareScalar orders a row value against the condition literal. Date
// fields compare as timestamps, numbers numerically, everything else
// lexically. Returns <0, 0 or >0 like strings.Compare; unparseable
// literals never match.
func compareScalar(v any, want, field string) int {
	if dateFields[field] {
		t, ok := v.(time.Time)
		if !ok {
			return 0
		}
		w, err := parseDate(want)
		if err != nil {
			return 0
		}
		switch {
		case t.Before(w):
			return -1
		case t.After(w):
			return 1
		}
		return 0
	}

	if n, ok := toFloat(v); ok {
		w, err := strconv.ParseFloat(want, 64)
		if err != nil {
			return 0
		}
		switch {
		case n < w:
			return -1
		case n > w:
			return 1
		}
		return 0
	}

	if s, ok := v.(string); ok {
		return strings.Compare(s, want)
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// parseDate accepts RFC 3339 or a bare calendar date.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
