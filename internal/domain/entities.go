package domain

import "time"

// Text markers embedded in a card's front/back fields.
//
// MarkerHash prefixes a hex digest of the last rendered text for a card whose
// content is derived from its template and note. MarkerTemplate prefixes a raw
// template string supplied by a caller who wants the card (re)derived from it
// before storage.
const (
	MarkerHash     = "@md5\n"
	MarkerTemplate = "@template\n"
)

// Deck groups cards under a flat unique name.
type Deck struct {
	ID   string
	Name string
}

// Source is one imported content package, keyed by the hash of its raw bytes.
type Source struct {
	ID      string
	Name    string
	Created time.Time
}

// Template is a pair of renderable text patterns plus optional styling and
// behavior text, keyed by the hash of its rendering content. Two templates
// with identical front/back/css/js collapse to one row regardless of name.
type Template struct {
	ID       string
	Name     string
	SourceID *string
	Front    string
	Back     string
	CSS      string
	JS       string
}

// Note is a field-name-to-value record. Order preserves the declaration order
// of the fields; its key set must always equal that of Data.
type Note struct {
	ID       string
	Name     string
	SourceID *string
	Data     map[string]string
	Order    map[string]int
}

// Media is a named blob, keyed by the hash of its bytes.
type Media struct {
	ID       string
	Name     string
	SourceID *string
	Data     []byte
}

// Streak counts consecutive review outcomes.
type Streak struct {
	Right int `json:"right"`
	Wrong int `json:"wrong"`
}

// Stat holds per-card review statistics.
type Stat struct {
	Streak Streak `json:"streak"`
}

// Card is one schedulable review unit. It is the only entity with a random
// identity: two cards with identical visible content are legitimately
// distinct, e.g. the same note reviewed through two templates.
//
// NoteID and TemplateID may be absent for manually authored cards, and may
// dangle after a hard delete; readers resolve dangling references as missing.
type Card struct {
	ID         string
	DeckID     string
	TemplateID *string
	NoteID     *string
	Front      string
	Back       string
	Mnemonic   string
	SrsLevel   *int
	NextReview *time.Time
	Tag        []string
	Created    time.Time
	Modified   *time.Time
	Stat       *Stat
}

// HasTag reports whether the card carries the given tag.
func (c *Card) HasTag(tag string) bool {
	for _, t := range c.Tag {
		if t == tag {
			return true
		}
	}
	return false
}
