// Package query answers arbitrary field-filtered, sorted, paginated queries
// across the entity collections. Each call is state-free: it parses the
// textual query into a condition tree, plans the joins the needed fields
// require, materializes flat rows, applies virtual post-filters, sorts,
// paginates and projects.
package query

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/patarapolw/r2r-loki/internal/digest"
	"github.com/patarapolw/r2r-loki/internal/domain"
	"github.com/patarapolw/r2r-loki/internal/render"
)

// Options control projection, ordering and pagination. An empty Fields slice
// makes the call a count-only no-op: the query is still parsed (so syntax
// errors surface) but no rows are materialized.
type Options struct {
	Offset int
	Limit  int // 0 means unbounded
	SortBy string
	Desc   bool
	Fields []string
}

// Result is the page of projected rows plus the total row count after
// filtering and virtual filters but before pagination.
type Result struct {
	Data  []map[string]any `json:"data"`
	Count int              `json:"count"`
}

// Store is the slice of the entity store the engine reads from. UpdateCard
// lets materialization rewrite a stale derived-content hash in place.
type Store interface {
	AllCards() ([]domain.Card, error)
	AllDecks() ([]domain.Deck, error)
	AllNotes() ([]domain.Note, error)
	AllTemplates() ([]domain.Template, error)
	AllSources() ([]domain.Source, error)
	UpdateCard(domain.Card) error
}

// Exec runs the query against the store.
func Exec(s Store, q string, opts Options) (Result, error) {
	conds, virt, err := parse(q)
	if err != nil {
		return Result{}, err
	}
	if len(opts.Fields) == 0 {
		return Result{Data: []map[string]any{}}, nil
	}

	joins := planJoins(neededFields(opts, conds, virt))

	rows, err := materialize(s, joins)
	if err != nil {
		return Result{}, err
	}

	// Condition filter.
	filtered := rows[:0]
	for _, row := range rows {
		keep := true
		for _, c := range conds {
			if !c.eval(row) {
				keep = false
				break
			}
		}
		if keep && virt.due && !isDue(row, time.Now()) {
			keep = false
		}
		if keep {
			filtered = append(filtered, row)
		}
	}
	rows = filtered

	// Virtual post-filters, fixed precedence.
	if virt.distinct {
		rows = distinctByKey(rows)
	}
	if virt.duplicate {
		rows = duplicatesByFront(rows)
	}
	if virt.random {
		rand.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
	}

	if opts.SortBy != "" {
		sortRows(rows, opts.SortBy, opts.Desc)
	}

	count := len(rows)

	// Pagination.
	if opts.Offset > len(rows) {
		rows = nil
	} else {
		rows = rows[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(rows) {
		rows = rows[:opts.Limit]
	}

	// Projection.
	data := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		projected := make(map[string]any, len(opts.Fields))
		for _, f := range opts.Fields {
			if v, ok := row[f]; ok {
				projected[f] = v
			}
		}
		data = append(data, projected)
	}

	return Result{Data: data, Count: count}, nil
}

// materialize loads the card collection and left-joins the planned
// collections, renaming joined columns into the flat row. Dangling foreign
// keys resolve as missing: the row simply lacks the joined columns.
func materialize(s Store, joins map[string]bool) ([]map[string]any, error) {
	cards, err := s.AllCards()
	if err != nil {
		return nil, err
	}

	var decks map[string]domain.Deck
	if joins[joinDeck] {
		all, err := s.AllDecks()
		if err != nil {
			return nil, err
		}
		decks = make(map[string]domain.Deck, len(all))
		for _, d := range all {
			decks[d.ID] = d
		}
	}

	var notes map[string]domain.Note
	if joins[joinNote] {
		all, err := s.AllNotes()
		if err != nil {
			return nil, err
		}
		notes = make(map[string]domain.Note, len(all))
		for _, n := range all {
			notes[n.ID] = n
		}
	}

	var templates map[string]domain.Template
	if joins[joinTemplate] {
		all, err := s.AllTemplates()
		if err != nil {
			return nil, err
		}
		templates = make(map[string]domain.Template, len(all))
		for _, t := range all {
			templates[t.ID] = t
		}
	}

	var sources map[string]domain.Source
	if joins[joinSource] {
		all, err := s.AllSources()
		if err != nil {
			return nil, err
		}
		sources = make(map[string]domain.Source, len(all))
		for _, src := range all {
			sources[src.ID] = src
		}
	}

	rows := make([]map[string]any, 0, len(cards))
	for _, c := range cards {
		row := cardRow(c)

		if decks != nil {
			if d, ok := decks[c.DeckID]; ok {
				row["deck"] = d.Name
			}
		}

		var note *domain.Note
		if notes != nil && c.NoteID != nil {
			if n, ok := notes[*c.NoteID]; ok {
				note = &n
				row["key"] = n.ID
				row["data"] = n.Data
				row["order"] = n.Order
			}
		}

		var tpl *domain.Template
		if templates != nil && c.TemplateID != nil {
			if t, ok := templates[*c.TemplateID]; ok {
				tpl = &t
				row["template"] = t.Name
				row["tFront"] = t.Front
				row["tBack"] = t.Back
				row["css"] = t.CSS
				row["js"] = t.JS
			}
		}

		if sources != nil {
			var srcID *string
			if note != nil {
				srcID = note.SourceID
			}
			if srcID == nil && tpl != nil {
				srcID = tpl.SourceID
			}
			if srcID != nil {
				if src, ok := sources[*srcID]; ok {
					row["source"] = src.Name
					row["sCreated"] = src.Created
				}
			}
		}

		if note != nil && tpl != nil {
			if err := derive(s, c, tpl, note, row); err != nil {
				return nil, err
			}
		}

		rows = append(rows, row)
	}
	return rows, nil
}

// derive replaces @md5 content markers with freshly rendered text in the row
// and rewrites the stored marker when the template or note changed since the
// hash was taken. The front renders first; the back may reference it.
func derive(s Store, c domain.Card, tpl *domain.Template, note *domain.Note, row map[string]any) error {
	frontText := c.Front
	changed := false

	if strings.HasPrefix(c.Front, domain.MarkerHash) {
		frontText = render.Render(tpl.Front, note.Data, "")
		row["front"] = frontText
		marker := domain.MarkerHash + digest.Bytes([]byte(frontText))
		if marker != c.Front {
			c.Front = marker
			changed = true
		}
	}

	if strings.HasPrefix(c.Back, domain.MarkerHash) {
		back := render.Render(tpl.Back, note.Data, frontText)
		row["back"] = back
		marker := domain.MarkerHash + digest.Bytes([]byte(back))
		if marker != c.Back {
			c.Back = marker
			changed = true
		}
	}

	if changed {
		if err := s.UpdateCard(c); err != nil {
			return fmt.Errorf("failed to refresh derived content for card %s: %w", c.ID, err)
		}
	}
	return nil
}

// cardRow flattens card columns into a row map. Optional columns appear only
// when present so conditions on them fail cleanly against absent values.
func cardRow(c domain.Card) map[string]any {
	row := map[string]any{
		"id":      c.ID,
		"deckId":  c.DeckID,
		"front":   c.Front,
		"back":    c.Back,
		"created": c.Created,
	}
	if c.TemplateID != nil {
		row["templateId"] = *c.TemplateID
	}
	if c.NoteID != nil {
		row["noteId"] = *c.NoteID
	}
	if c.Mnemonic != "" {
		row["mnemonic"] = c.Mnemonic
	}
	if c.SrsLevel != nil {
		row["srsLevel"] = *c.SrsLevel
	}
	if c.NextReview != nil {
		row["nextReview"] = *c.NextReview
	}
	if len(c.Tag) > 0 {
		row["tag"] = c.Tag
	}
	if c.Modified != nil {
		row["modified"] = *c.Modified
	}
	if c.Stat != nil {
		row["stat"] = *c.Stat
	}
	return row
}

func isDue(row map[string]any, now time.Time) bool {
	t, ok := row["nextReview"].(time.Time)
	return ok && t.Before(now)
}

// distinctByKey collapses rows sharing a note key, first occurrence wins.
// Rows without a key are each kept as their own singleton group.
func distinctByKey(rows []map[string]any) []map[string]any {
	seen := map[string]bool{}
	out := rows[:0]
	for _, row := range rows {
		key, ok := row["key"].(string)
		if ok {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, row)
	}
	return out
}

// duplicatesByFront keeps only rows whose front text occurs more than once,
// flattened in group order with original order preserved within each group.
func duplicatesByFront(rows []map[string]any) []map[string]any {
	groups := map[string][]map[string]any{}
	var order []string
	for _, row := range rows {
		front, _ := row["front"].(string)
		if _, ok := groups[front]; !ok {
			order = append(order, front)
		}
		groups[front] = append(groups[front], row)
	}

	var out []map[string]any
	for _, front := range order {
		if g := groups[front]; len(g) > 1 {
			out = append(out, g...)
		}
	}
	return out
}

// sortRows sorts stably so ties preserve their prior relative order.
func sortRows(rows []map[string]any, field string, desc bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		c := compareRowValues(rows[i][field], rows[j][field])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// compareRowValues orders two row values: absent sorts first, then by type
// (times, numbers, strings), falling back to formatted text.
func compareRowValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		}
		return 1
	}

	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return 1
			}
			return 0
		}
	}

	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			}
			return 0
		}
	}

	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb)
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
