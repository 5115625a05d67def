package query

import (
	"strings"
	"testing"
	"time"

	"github.com/patarapolw/r2r-loki/internal/digest"
	"github.com/patarapolw/r2r-loki/internal/domain"
)

// fakeStore records which collections a query touched.
type fakeStore struct {
	cards     []domain.Card
	decks     []domain.Deck
	notes     []domain.Note
	templates []domain.Template
	sources   []domain.Source

	touched map[string]bool
	updated []domain.Card
}

func newFakeStore() *fakeStore {
	return &fakeStore{touched: map[string]bool{}}
}

func (f *fakeStore) AllCards() ([]domain.Card, error) {
	f.touched["cards"] = true
	return f.cards, nil
}
func (f *fakeStore) AllDecks() ([]domain.Deck, error) {
	f.touched["decks"] = true
	return f.decks, nil
}
func (f *fakeStore) AllNotes() ([]domain.Note, error) {
	f.touched["notes"] = true
	return f.notes, nil
}
func (f *fakeStore) AllTemplates() ([]domain.Template, error) {
	f.touched["templates"] = true
	return f.templates, nil
}
func (f *fakeStore) AllSources() ([]domain.Source, error) {
	f.touched["sources"] = true
	return f.sources, nil
}
func (f *fakeStore) UpdateCard(c domain.Card) error {
	f.updated = append(f.updated, c)
	return nil
}

func card(id, front string) domain.Card {
	return domain.Card{ID: id, DeckID: "d1", Front: front, Created: time.Now()}
}

func TestFieldDrivenJoins(t *testing.T) {
	t.Run("front-only query touches no joined collection", func(t *testing.T) {
		s := newFakeStore()
		s.cards = []domain.Card{card("c1", "hello")}

		if _, err := Exec(s, "", Options{Fields: []string{"front"}}); err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		for _, coll := range []string{"decks", "notes", "templates", "sources"} {
			if s.touched[coll] {
				t.Errorf("Expected %s not to be touched for a front-only query", coll)
			}
		}
	})

	t.Run("deck request joins deck name into every row", func(t *testing.T) {
		s := newFakeStore()
		s.decks = []domain.Deck{{ID: "d1", Name: "Default"}}
		s.cards = []domain.Card{card("c1", "a"), card("c2", "b")}

		res, err := Exec(s, "", Options{Fields: []string{"front", "deck"}})
		if err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		if !s.touched["decks"] {
			t.Error("Expected the deck collection to be joined")
		}
		for _, row := range res.Data {
			if row["deck"] != "Default" {
				t.Errorf("Expected deck name in row, got %v", row["deck"])
			}
		}
	})

	t.Run("filter field forces its join even when not projected", func(t *testing.T) {
		s := newFakeStore()
		s.decks = []domain.Deck{{ID: "d1", Name: "Default"}}
		s.cards = []domain.Card{card("c1", "a")}

		res, err := Exec(s, "deck:default", Options{Fields: []string{"front"}})
		if err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		if !s.touched["decks"] {
			t.Error("Expected a deck filter to join decks")
		}
		if len(res.Data) != 1 {
			t.Errorf("Expected the row to match, got %d rows", len(res.Data))
		}
		if _, ok := res.Data[0]["deck"]; ok {
			t.Error("Expected deck to be projected away")
		}
	})
}

func TestCountOnlyNoOp(t *testing.T) {
	s := newFakeStore()
	s.cards = []domain.Card{card("c1", "a")}

	res, err := Exec(s, "front:a", Options{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if len(res.Data) != 0 || res.Count != 0 {
		t.Errorf("Expected empty data and zero count, got %d/%d", len(res.Data), res.Count)
	}
	if s.touched["cards"] {
		t.Error("Expected no collection scan without requested fields")
	}

	t.Run("syntax errors still surface", func(t *testing.T) {
		if _, err := Exec(s, `front:"unbalanced`, Options{}); err == nil {
			t.Error("Expected a malformed query error")
		}
	})
}

func TestMalformedQuery(t *testing.T) {
	s := newFakeStore()
	for _, q := range []string{
		`"unbalanced`,
		"is:nonsense",
		"front>",
		"unknownfield:x",
	} {
		if _, err := Exec(s, q, Options{Fields: []string{"front"}}); err == nil {
			t.Errorf("Expected %q to be rejected", q)
		}
	}
}

func TestDistinct(t *testing.T) {
	s := newFakeStore()
	na, nb := "na", "nb"
	s.notes = []domain.Note{
		{ID: "na", Data: map[string]string{}, Order: map[string]int{}},
		{ID: "nb", Data: map[string]string{}, Order: map[string]int{}},
	}
	c1, c2, c3, c4 := card("c1", "1"), card("c2", "2"), card("c3", "3"), card("c4", "4")
	c1.NoteID = &na
	c2.NoteID = &na
	c3.NoteID = &nb
	s.cards = []domain.Card{c1, c2, c3, c4}

	res, err := Exec(s, "is:distinct", Options{Fields: []string{"id"}})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if res.Count != 3 {
		t.Fatalf("Expected 3 rows, got %d", res.Count)
	}
	want := []string{"c1", "c3", "c4"}
	for i, row := range res.Data {
		if row["id"] != want[i] {
			t.Errorf("Row %d: expected %s, got %v", i, want[i], row["id"])
		}
	}
}

func TestDuplicate(t *testing.T) {
	s := newFakeStore()
	s.cards = []domain.Card{
		card("c1", "x"), card("c2", "y"), card("c3", "x"), card("c4", "z"), card("c5", "y"),
	}

	res, err := Exec(s, "is:duplicate", Options{Fields: []string{"front"}})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	want := []string{"x", "x", "y", "y"}
	if res.Count != len(want) {
		t.Fatalf("Expected %d rows, got %d", len(want), res.Count)
	}
	for i, row := range res.Data {
		if row["front"] != want[i] {
			t.Errorf("Row %d: expected front %q, got %v", i, want[i], row["front"])
		}
	}
}

func TestDue(t *testing.T) {
	s := newFakeStore()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	due := card("due", "a")
	due.NextReview = &past
	later := card("later", "b")
	later.NextReview = &future
	fresh := card("fresh", "c") // never reviewed, no nextReview
	s.cards = []domain.Card{due, later, fresh}

	res, err := Exec(s, "is:due", Options{Fields: []string{"id"}})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if res.Count != 1 || res.Data[0]["id"] != "due" {
		t.Errorf("Expected only the overdue card, got %+v", res.Data)
	}
}

func TestSortAndPaginate(t *testing.T) {
	s := newFakeStore()
	s.cards = []domain.Card{card("c1", "b"), card("c2", "a"), card("c3", "c")}

	res, err := Exec(s, "", Options{Fields: []string{"front"}, SortBy: "front", Offset: 1, Limit: 1})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if res.Count != 3 {
		t.Errorf("Expected count before pagination to be 3, got %d", res.Count)
	}
	if len(res.Data) != 1 || res.Data[0]["front"] != "b" {
		t.Errorf("Expected the middle row after sort+offset, got %+v", res.Data)
	}

	t.Run("descending", func(t *testing.T) {
		res, err := Exec(s, "", Options{Fields: []string{"front"}, SortBy: "front", Desc: true})
		if err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		if res.Data[0]["front"] != "c" {
			t.Errorf("Expected descending sort, got %+v", res.Data)
		}
	})

	t.Run("offset beyond end", func(t *testing.T) {
		res, err := Exec(s, "", Options{Fields: []string{"front"}, Offset: 10})
		if err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		if len(res.Data) != 0 || res.Count != 3 {
			t.Errorf("Expected empty page with full count, got %d/%d", len(res.Data), res.Count)
		}
	})
}

func TestConditionOperators(t *testing.T) {
	s := newFakeStore()
	lvl2, lvl5 := 2, 5
	a := card("a", "alpha")
	a.SrsLevel = &lvl2
	a.Tag = []string{"greek", "letters"}
	b := card("b", "Beta")
	b.SrsLevel = &lvl5
	s.cards = []domain.Card{a, b}

	cases := []struct {
		q    string
		want []string
	}{
		{"front:alpha", []string{"a"}},
		{"front:ALPHA", []string{"a"}}, // substring match is case-insensitive
		{"front=Beta", []string{"b"}},
		{"srsLevel>3", []string{"b"}},
		{"srsLevel<3", []string{"a"}},
		{"tag:greek", []string{"a"}},
		{"-front:alpha", []string{"b"}},
		{"beta", []string{"b"}}, // free text across the any-of subset
		{"srsLevel>1 srsLevel<3", []string{"a"}},
	}
	for _, tc := range cases {
		res, err := Exec(s, tc.q, Options{Fields: []string{"id"}})
		if err != nil {
			t.Fatalf("Exec(%q) failed: %v", tc.q, err)
		}
		var got []string
		for _, row := range res.Data {
			got = append(got, row["id"].(string))
		}
		if len(got) != len(tc.want) {
			t.Errorf("Query %q: expected %v, got %v", tc.q, tc.want, got)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("Query %q: expected %v, got %v", tc.q, tc.want, got)
			}
		}
	}
}

func TestNoteDataConditions(t *testing.T) {
	s := newFakeStore()
	n := "n1"
	s.notes = []domain.Note{{
		ID:    "n1",
		Data:  map[string]string{"Country": "France", "Capital": "Paris"},
		Order: map[string]int{"Country": 0, "Capital": 1},
	}}
	c := card("c1", "q")
	c.NoteID = &n
	s.cards = []domain.Card{c, card("c2", "q2")}

	res, err := Exec(s, "data.Capital:paris", Options{Fields: []string{"id", "data"}})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if res.Count != 1 || res.Data[0]["id"] != "c1" {
		t.Errorf("Expected the noted card only, got %+v", res.Data)
	}
	if !s.touched["notes"] {
		t.Error("Expected a data condition to join notes")
	}
}

func TestDerivedContentRefresh(t *testing.T) {
	s := newFakeStore()
	noteID, tplID := "n1", "t1"
	s.notes = []domain.Note{{
		ID:    noteID,
		Data:  map[string]string{"name": "World"},
		Order: map[string]int{"name": 0},
	}}
	s.templates = []domain.Template{{
		ID:    tplID,
		Name:  "basic",
		Front: "Hello {{name}}",
		Back:  "{{FrontSide}}!",
	}}

	rendered := "Hello World"
	c := card("c1", domain.MarkerHash+digest.Bytes([]byte(rendered)))
	c.Back = domain.MarkerHash + digest.Bytes([]byte("stale"))
	c.NoteID = &noteID
	c.TemplateID = &tplID
	s.cards = []domain.Card{c}

	// data and tFront pull in the note and template joins the derivation needs.
	res, err := Exec(s, "", Options{Fields: []string{"front", "back", "data", "tFront"}})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if res.Data[0]["front"] != "Hello World" {
		t.Errorf("Expected the rendered front, got %v", res.Data[0]["front"])
	}
	if res.Data[0]["back"] != "Hello World!" {
		t.Errorf("Expected the back to embed the rendered front, got %v", res.Data[0]["back"])
	}

	// The stale back hash must have been rewritten in place.
	if len(s.updated) != 1 {
		t.Fatalf("Expected exactly one invalidation update, got %d", len(s.updated))
	}
	wantBack := domain.MarkerHash + digest.Bytes([]byte("Hello World!"))
	if s.updated[0].Back != wantBack {
		t.Errorf("Expected the refreshed back marker, got %q", s.updated[0].Back)
	}
	if !strings.HasPrefix(s.updated[0].Front, domain.MarkerHash) {
		t.Errorf("Expected the stored front to stay a marker, got %q", s.updated[0].Front)
	}
}
