package query

import "strings"

// Join targets. The source join resolves through the note or template join,
// so requesting a source field pulls those in for resolution (their columns
// still only appear in rows when requested themselves).
const (
	joinNote     = "note"
	joinDeck     = "deck"
	joinTemplate = "template"
	joinSource   = "source"
)

// joinForField declares which join provides each non-card row field.
// Fields absent here live on the card row itself and never cause a join.
var joinForField = map[string]string{
	"data":     joinNote,
	"key":      joinNote,
	"order":    joinNote,
	"deck":     joinDeck,
	"template": joinTemplate,
	"tFront":   joinTemplate,
	"tBack":    joinTemplate,
	"css":      joinTemplate,
	"js":       joinTemplate,
	"source":   joinSource,
	"sCreated": joinSource,
}

// planJoins computes the join set from the needed-field set. A collection
// whose fields were neither requested nor filtered on is never joined.
func planJoins(fields []string) map[string]bool {
	joins := map[string]bool{}
	for _, f := range fields {
		if strings.HasPrefix(f, "data.") {
			joins[joinNote] = true
			continue
		}
		if j, ok := joinForField[f]; ok {
			joins[j] = true
		}
	}
	if joins[joinSource] {
		// Source rows are reachable only through a note or template.
		joins[joinNote] = true
		joins[joinTemplate] = true
	}
	return joins
}

// neededFields is the union of the explicit projection, every field the
// condition tree references, the sort key, and the note key when is:distinct
// must group rows.
func neededFields(opts Options, conds []cond, virt virtuals) []string {
	set := map[string]bool{}
	for _, f := range opts.Fields {
		set[f] = true
	}
	for _, f := range condFields(conds) {
		set[f] = true
	}
	if opts.SortBy != "" {
		set[opts.SortBy] = true
	}
	if virt.distinct {
		set["key"] = true
	}
	if virt.due {
		set["nextReview"] = true
	}
	if virt.duplicate {
		set["front"] = true
	}

	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	return out
}
