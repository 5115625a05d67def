// Package cards is the transform pipeline every card create/update passes
// through before reaching the store. It decides whether front/back are
// literal text or template-derived, replaces @template requests with @md5
// content fingerprints, stamps timestamps from an injected clock, and keeps
// the owning template/note rows consistent with the card.
package cards

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/patarapolw/r2r-loki/internal/digest"
	"github.com/patarapolw/r2r-loki/internal/domain"
	"github.com/patarapolw/r2r-loki/internal/render"
	"github.com/patarapolw/r2r-loki/internal/store"
)

// Clock supplies the timestamps stamped onto created/modified. Injected so
// tests can pin time.
type Clock func() time.Time

// Pipeline transforms create/update payloads and persists the results.
type Pipeline struct {
	db       *store.DB
	validate *validator.Validate
	now      Clock
}

// New builds a pipeline over the store. A nil clock means wall time.
func New(db *store.DB, now Clock) *Pipeline {
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		db:       db,
		validate: validator.New(),
		now:      now,
	}
}

// InsertPayload describes one card to create. Front and Back may carry the
// @template marker, in which case Data supplies the note fields to render.
type InsertPayload struct {
	Deck       string `validate:"required"`
	Front      string `validate:"required"`
	Back       string
	Mnemonic   string
	Tag        []string
	Data       map[string]string
	Order      map[string]int
	Template   string
	CSS        string
	JS         string
	SourceID   *string
	SrsLevel   *int
	NextReview *time.Time
	Stat       *domain.Stat
}

// Create runs the payload through the transform and inserts the card.
// Callers never set created/modified; the pipeline stamps created here.
func (p *Pipeline) Create(pl InsertPayload) (domain.Card, error) {
	if err := p.validate.Struct(pl); err != nil {
		return domain.Card{}, fmt.Errorf("invalid card payload: %w", err)
	}

	deck, _, err := p.db.InsertOrGetDeck(pl.Deck)
	if err != nil {
		return domain.Card{}, err
	}

	card := domain.Card{
		ID:         uuid.NewString(),
		DeckID:     deck.ID,
		Front:      pl.Front,
		Back:       pl.Back,
		Mnemonic:   pl.Mnemonic,
		Tag:        pl.Tag,
		SrsLevel:   pl.SrsLevel,
		NextReview: pl.NextReview,
		Stat:       pl.Stat,
		Created:    p.now(),
	}

	rawFront, frontDerived := strings.CutPrefix(pl.Front, domain.MarkerTemplate)
	rawBack, backDerived := strings.CutPrefix(pl.Back, domain.MarkerTemplate)

	if frontDerived || backDerived {
		note, err := p.ensureNote(pl)
		if err != nil {
			return domain.Card{}, err
		}
		card.NoteID = &note.ID

		if !frontDerived {
			rawFront = ""
		}
		if !backDerived {
			rawBack = ""
		}
		tpl, err := p.ensureTemplate(pl, rawFront, rawBack)
		if err != nil {
			return domain.Card{}, err
		}
		card.TemplateID = &tpl.ID

		// Front renders first; the back may embed it via {{FrontSide}}.
		frontText := pl.Front
		if frontDerived {
			frontText = render.Render(rawFront, note.Data, "")
			card.Front = domain.MarkerHash + digest.Bytes([]byte(frontText))
		}
		if backDerived {
			backText := render.Render(rawBack, note.Data, frontText)
			card.Back = domain.MarkerHash + digest.Bytes([]byte(backText))
		}
	}

	if err := p.db.InsertCard(card); err != nil {
		return domain.Card{}, err
	}
	return card, nil
}

// ensureNote resolves the payload's inline data to a note row, writing a new
// one when no row with that content hash exists yet.
func (p *Pipeline) ensureNote(pl InsertPayload) (domain.Note, error) {
	data := pl.Data
	if data == nil {
		data = map[string]string{}
	}
	order := pl.Order
	if order == nil {
		order = defaultOrder(data)
	}

	n := domain.Note{
		ID:       digest.Map(data),
		Name:     noteName(data, order),
		SourceID: pl.SourceID,
		Data:     data,
		Order:    order,
	}
	n, _, err := p.db.InsertOrGetNote(n)
	return n, err
}

func (p *Pipeline) ensureTemplate(pl InsertPayload, rawFront, rawBack string) (domain.Template, error) {
	t := domain.Template{
		ID:       digest.Template(rawFront, rawBack, pl.CSS, pl.JS),
		Name:     pl.Template,
		SourceID: pl.SourceID,
		Front:    rawFront,
		Back:     rawBack,
		CSS:      pl.CSS,
		JS:       pl.JS,
	}
	if t.Name == "" {
		t.Name = t.ID[:8]
	}
	t, _, err := p.db.InsertOrGetTemplate(t)
	return t, err
}

// defaultOrder assigns declaration positions for inline data supplied
// without one. Key-sorted, so the same data always gets the same order.
func defaultOrder(data map[string]string) map[string]int {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	order := make(map[string]int, len(keys))
	for i, k := range keys {
		order[k] = i
	}
	return order
}

// noteName picks the first-ordered field value as the display name, falling
// back to the content hash.
func noteName(data map[string]string, order map[string]int) string {
	best := ""
	bestPos := -1
	for k, pos := range order {
		if bestPos == -1 || pos < bestPos {
			best = k
			bestPos = pos
		}
	}
	if best != "" && data[best] != "" {
		return data[best]
	}
	return digest.Map(data)
}

// AddTags appends the given tags to the card, skipping ones already present.
func (p *Pipeline) AddTags(id string, tags []string) error {
	card, err := p.db.GetCard(id)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if !card.HasTag(tag) {
			card.Tag = append(card.Tag, tag)
		}
	}
	return p.stampAndSave(card)
}

// RemoveTags removes the given tags from the card; absent tags are ignored.
func (p *Pipeline) RemoveTags(id string, tags []string) error {
	card, err := p.db.GetCard(id)
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(tags))
	for _, tag := range tags {
		drop[tag] = true
	}
	kept := card.Tag[:0]
	for _, tag := range card.Tag {
		if !drop[tag] {
			kept = append(kept, tag)
		}
	}
	card.Tag = kept
	return p.stampAndSave(card)
}

// Delete removes the card outright.
func (p *Pipeline) Delete(id string) error {
	return p.db.DeleteCard(id)
}

func (p *Pipeline) stampAndSave(card *domain.Card) error {
	mod := p.now()
	card.Modified = &mod
	return p.db.UpdateCard(*card)
}
