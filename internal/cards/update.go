package cards

import (
	"fmt"
	"strings"
	"time"

	"github.com/patarapolw/r2r-loki/internal/digest"
	"github.com/patarapolw/r2r-loki/internal/domain"
	"github.com/patarapolw/r2r-loki/internal/render"
	"github.com/patarapolw/r2r-loki/internal/srs"
)

// Each updatable logical field maps to exactly one kind of update. The kinds
// are dispatched independently so template text edits, note data patches and
// plain scalar writes never share a code path.
type fieldKind int

const (
	scalarField fieldKind = iota
	deckReference
	templateField
	noteDataPatch
)

var updatableFields = map[string]fieldKind{
	"deck":       deckReference,
	"data":       noteDataPatch,
	"tFront":     templateField,
	"tBack":      templateField,
	"css":        templateField,
	"js":         templateField,
	"front":      scalarField,
	"back":       scalarField,
	"mnemonic":   scalarField,
	"tag":        scalarField,
	"srsLevel":   scalarField,
	"nextReview": scalarField,
}

// applyOrder fixes the sequence in which field kinds take effect: the deck
// reference and note data patch first, template text next, scalars last, so
// a front/back @template request sees the patched note data.
var applyOrder = []string{
	"deck", "data", "tFront", "tBack", "css", "js",
	"front", "back", "mnemonic", "tag", "srsLevel", "nextReview",
}

// Update applies a partial field map to the card and stamps modified.
func (p *Pipeline) Update(id string, fields map[string]any) error {
	card, err := p.db.GetCard(id)
	if err != nil {
		return err
	}

	for f := range fields {
		if _, ok := updatableFields[f]; !ok {
			return fmt.Errorf("unknown updatable field %q", f)
		}
	}

	rederive := false
	for _, f := range applyOrder {
		v, ok := fields[f]
		if !ok {
			continue
		}
		var err error
		switch updatableFields[f] {
		case deckReference:
			err = p.applyDeck(card, v)
		case noteDataPatch:
			err = p.applyNotePatch(card, v)
			rederive = rederive || err == nil
		case templateField:
			err = p.applyTemplateField(card, f, v)
			rederive = rederive || err == nil
		case scalarField:
			err = p.applyScalar(card, f, v)
		}
		if err != nil {
			return err
		}
	}

	if rederive {
		if err := p.rederive(card); err != nil {
			return err
		}
	}

	return p.stampAndSave(card)
}

// applyDeck repoints the card at the named deck, creating it on demand.
func (p *Pipeline) applyDeck(card *domain.Card, v any) error {
	name, ok := v.(string)
	if !ok {
		return fmt.Errorf("deck must be a string, got %T", v)
	}
	deck, _, err := p.db.InsertOrGetDeck(name)
	if err != nil {
		return err
	}
	card.DeckID = deck.ID
	return nil
}

// applyNotePatch merges the patch into the card's note data. Notes are
// content-addressed and effectively immutable, so the patched data becomes a
// new (or existing) note row and the card is repointed at it. Declaration
// order carries over; new fields append after the existing ones.
func (p *Pipeline) applyNotePatch(card *domain.Card, v any) error {
	patch, err := asStringMap(v)
	if err != nil {
		return fmt.Errorf("data patch: %w", err)
	}

	data := map[string]string{}
	order := map[string]int{}
	if card.NoteID != nil {
		note, err := p.db.GetNote(*card.NoteID)
		if err == nil {
			for k, val := range note.Data {
				data[k] = val
			}
			for k, pos := range note.Order {
				order[k] = pos
			}
		}
		// A dangling note reference resolves as missing: start fresh.
	}

	next := len(order)
	for k, val := range patch {
		if _, ok := order[k]; !ok {
			order[k] = next
			next++
		}
		data[k] = val
	}

	n := domain.Note{
		ID:    digest.Map(data),
		Name:  noteName(data, order),
		Data:  data,
		Order: order,
	}
	n, _, err = p.db.InsertOrGetNote(n)
	if err != nil {
		return err
	}
	card.NoteID = &n.ID
	return nil
}

// applyTemplateField rewrites one template text field in place. Every card
// referencing the template picks up the new rendering on its next read.
func (p *Pipeline) applyTemplateField(card *domain.Card, field string, v any) error {
	text, ok := v.(string)
	if !ok {
		return fmt.Errorf("%s must be a string, got %T", field, v)
	}
	if card.TemplateID == nil {
		return fmt.Errorf("card %s has no template to update: %w", card.ID, errNoTemplate)
	}
	tpl, err := p.db.GetTemplate(*card.TemplateID)
	if err != nil {
		return err
	}

	switch field {
	case "tFront":
		tpl.Front = text
	case "tBack":
		tpl.Back = text
	case "css":
		tpl.CSS = text
	case "js":
		tpl.JS = text
	}
	return p.db.UpdateTemplate(*tpl)
}

var errNoTemplate = fmt.Errorf("no linked template")

// applyScalar writes one card-local field. A front/back value carrying the
// @template marker is routed through the same derivation as create: the raw
// text becomes the template's front/back and the card stores a hash marker.
func (p *Pipeline) applyScalar(card *domain.Card, field string, v any) error {
	switch field {
	case "front", "back":
		text, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s must be a string, got %T", field, v)
		}
		if raw, derived := strings.CutPrefix(text, domain.MarkerTemplate); derived {
			return p.applyDerived(card, field, raw)
		}
		if field == "front" {
			card.Front = text
		} else {
			card.Back = text
		}
	case "mnemonic":
		text, ok := v.(string)
		if !ok {
			return fmt.Errorf("mnemonic must be a string, got %T", v)
		}
		card.Mnemonic = text
	case "tag":
		tags, err := asStringSlice(v)
		if err != nil {
			return fmt.Errorf("tag: %w", err)
		}
		card.Tag = tags
	case "srsLevel":
		n, err := asInt(v)
		if err != nil {
			return fmt.Errorf("srsLevel: %w", err)
		}
		card.SrsLevel = &n
	case "nextReview":
		t, err := asTime(v)
		if err != nil {
			return fmt.Errorf("nextReview: %w", err)
		}
		card.NextReview = &t
	}
	return nil
}

// applyDerived records raw template text for one side and stores the hash of
// its rendering. The template row is updated in place; a card without one
// gets a fresh content-addressed template.
func (p *Pipeline) applyDerived(card *domain.Card, field, raw string) error {
	data := p.noteData(card)

	if card.TemplateID == nil {
		t := domain.Template{Front: "", Back: ""}
		if field == "front" {
			t.Front = raw
		} else {
			t.Back = raw
		}
		t.ID = digest.Template(t.Front, t.Back, "", "")
		t.Name = t.ID[:8]
		t, _, err := p.db.InsertOrGetTemplate(t)
		if err != nil {
			return err
		}
		card.TemplateID = &t.ID
	} else {
		tpl, err := p.db.GetTemplate(*card.TemplateID)
		if err != nil {
			return err
		}
		if field == "front" {
			tpl.Front = raw
		} else {
			tpl.Back = raw
		}
		if err := p.db.UpdateTemplate(*tpl); err != nil {
			return err
		}
	}

	if field == "front" {
		rendered := render.Render(raw, data, "")
		card.Front = domain.MarkerHash + digest.Bytes([]byte(rendered))
	} else {
		frontText, err := p.frontText(card, data)
		if err != nil {
			return err
		}
		rendered := render.Render(raw, data, frontText)
		card.Back = domain.MarkerHash + digest.Bytes([]byte(rendered))
	}
	return nil
}

// rederive refreshes both hash markers after a template or note change,
// preserving the one-way front before back ordering.
func (p *Pipeline) rederive(card *domain.Card) error {
	if card.TemplateID == nil {
		return nil
	}
	tpl, err := p.db.GetTemplate(*card.TemplateID)
	if err != nil {
		return err
	}
	data := p.noteData(card)

	frontText := card.Front
	if strings.HasPrefix(card.Front, domain.MarkerHash) {
		frontText = render.Render(tpl.Front, data, "")
		card.Front = domain.MarkerHash + digest.Bytes([]byte(frontText))
	}
	if strings.HasPrefix(card.Back, domain.MarkerHash) {
		rendered := render.Render(tpl.Back, data, frontText)
		card.Back = domain.MarkerHash + digest.Bytes([]byte(rendered))
	}
	return nil
}

// frontText resolves the literal text of the card's front for back
// rendering, re-deriving it first when the front is itself template-derived.
func (p *Pipeline) frontText(card *domain.Card, data map[string]string) (string, error) {
	if !strings.HasPrefix(card.Front, domain.MarkerHash) {
		return card.Front, nil
	}
	if card.TemplateID == nil {
		return "", nil
	}
	tpl, err := p.db.GetTemplate(*card.TemplateID)
	if err != nil {
		return "", err
	}
	return render.Render(tpl.Front, data, ""), nil
}

// noteData fetches the card's note data, substituting empty data when the
// reference is absent or dangling.
func (p *Pipeline) noteData(card *domain.Card) map[string]string {
	if card.NoteID == nil {
		return map[string]string{}
	}
	note, err := p.db.GetNote(*card.NoteID)
	if err != nil {
		return map[string]string{}
	}
	return note.Data
}

// MarkRight persists a correct review outcome through the ordinary update
// path. MarkWrong is its mirror.
func (p *Pipeline) MarkRight(id string) error {
	card, err := p.db.GetCard(id)
	if err != nil {
		return err
	}
	srs.Right(card, p.now())
	return p.stampAndSave(card)
}

// MarkWrong persists an incorrect review outcome.
func (p *Pipeline) MarkWrong(id string) error {
	card, err := p.db.GetCard(id)
	if err != nil {
		return err
	}
	srs.Wrong(card, p.now())
	return p.stampAndSave(card)
}

func asStringMap(v any) (map[string]string, error) {
	switch x := v.(type) {
	case map[string]string:
		return x, nil
	case map[string]any:
		out := make(map[string]string, len(x))
		for k, val := range x {
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("value for %q must be a string, got %T", k, val)
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a string map, got %T", v)
}

func asStringSlice(v any) ([]string, error) {
	switch x := v.(type) {
	case []string:
		return x, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, val := range x {
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("expected string elements, got %T", val)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a string list, got %T", v)
}

func asInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		return int(x), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func asTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			return t, nil
		}
		return time.Parse("2006-01-02", x)
	}
	return time.Time{}, fmt.Errorf("expected a timestamp, got %T", v)
}
