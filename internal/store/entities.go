package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/patarapolw/r2r-loki/internal/domain"
)

// InsertDeck inserts a deck with a fresh surrogate id. Name collisions fail
// with ErrDuplicateKey.
func (db *DB) InsertDeck(name string) (domain.Deck, error) {
	d := domain.Deck{ID: uuid.NewString(), Name: name}
	_, err := db.conn.Exec(`INSERT INTO decks (id, name) VALUES (?, ?)`, d.ID, d.Name)
	if err := mapInsertErr(err); err != nil {
		return domain.Deck{}, err
	}
	return d, nil
}

// InsertOrGetDeck inserts the deck, or returns the existing row on a name
// collision. The bool reports whether the row already existed.
func (db *DB) InsertOrGetDeck(name string) (domain.Deck, bool, error) {
	d, err := db.InsertDeck(name)
	if err == nil {
		return d, false, nil
	}
	if err != ErrDuplicateKey {
		return domain.Deck{}, false, fmt.Errorf("failed to insert deck %s: %w", name, err)
	}
	existing, err := db.FindDeckByName(name)
	if err != nil {
		return domain.Deck{}, false, err
	}
	if existing == nil {
		return domain.Deck{}, false, ErrNotFound
	}
	return *existing, true, nil
}

// FindDeckByName retrieves a deck by its unique name, or nil when missing.
func (db *DB) FindDeckByName(name string) (*domain.Deck, error) {
	var d domain.Deck
	err := db.conn.QueryRow(`SELECT id, name FROM decks WHERE name = ?`, name).
		Scan(&d.ID, &d.Name)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find deck %s: %w", name, err)
	}
	return &d, nil
}

// AllDecks retrieves every deck.
func (db *DB) AllDecks() ([]domain.Deck, error) {
	rows, err := db.conn.Query(`SELECT id, name FROM decks`)
	if err != nil {
		return nil, fmt.Errorf("failed to get decks: %w", err)
	}
	defer rows.Close()

	var decks []domain.Deck
	for rows.Next() {
		var d domain.Deck
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, fmt.Errorf("failed to scan deck row: %w", err)
		}
		decks = append(decks, d)
	}
	return decks, rows.Err()
}

// InsertSource inserts a source row. A collision on the content-hash key
// fails with ErrDuplicateKey; a package import treats that as "this exact
// package was already imported" and aborts.
func (db *DB) InsertSource(s domain.Source) error {
	_, err := db.conn.Exec(`INSERT INTO sources (id, name, created) VALUES (?, ?, ?)`,
		s.ID, s.Name, s.Created)
	return mapInsertErr(err)
}

// InsertOrGetSource inserts the source or returns the existing row.
func (db *DB) InsertOrGetSource(s domain.Source) (domain.Source, bool, error) {
	err := db.InsertSource(s)
	if err == nil {
		return s, false, nil
	}
	if err != ErrDuplicateKey {
		return domain.Source{}, false, fmt.Errorf("failed to insert source %s: %w", s.Name, err)
	}
	existing, err := db.GetSource(s.ID)
	if err != nil {
		return domain.Source{}, false, err
	}
	return *existing, true, nil
}

// GetSource retrieves a source by its content-hash key.
func (db *DB) GetSource(id string) (*domain.Source, error) {
	var s domain.Source
	err := db.conn.QueryRow(`SELECT id, name, created FROM sources WHERE id = ?`, id).
		Scan(&s.ID, &s.Name, &s.Created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get source %s: %w", id, err)
	}
	return &s, nil
}

// AllSources retrieves every source.
func (db *DB) AllSources() ([]domain.Source, error) {
	rows, err := db.conn.Query(`SELECT id, name, created FROM sources`)
	if err != nil {
		return nil, fmt.Errorf("failed to get sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		var s domain.Source
		if err := rows.Scan(&s.ID, &s.Name, &s.Created); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// InsertTemplate inserts a template row. The caller supplies the content-hash
// id (digest.Template over front/back/css/js).
func (db *DB) InsertTemplate(t domain.Template) error {
	_, err := db.conn.Exec(`
		INSERT INTO templates (id, name, source_id, front, back, css, js)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, nullStr(t.SourceID), t.Front, t.Back, t.CSS, t.JS)
	return mapInsertErr(err)
}

// InsertOrGetTemplate inserts the template or returns the row already stored
// under the same content hash.
func (db *DB) InsertOrGetTemplate(t domain.Template) (domain.Template, bool, error) {
	err := db.InsertTemplate(t)
	if err == nil {
		return t, false, nil
	}
	if err != ErrDuplicateKey {
		return domain.Template{}, false, fmt.Errorf("failed to insert template %s: %w", t.Name, err)
	}
	existing, err := db.GetTemplate(t.ID)
	if err != nil {
		return domain.Template{}, false, err
	}
	return *existing, true, nil
}

// GetTemplate retrieves a template by id.
func (db *DB) GetTemplate(id string) (*domain.Template, error) {
	var t domain.Template
	var sourceID sql.NullString
	err := db.conn.QueryRow(`
		SELECT id, name, source_id, front, back, css, js FROM templates WHERE id = ?
	`, id).Scan(&t.ID, &t.Name, &sourceID, &t.Front, &t.Back, &t.CSS, &t.JS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get template %s: %w", id, err)
	}
	t.SourceID = strPtr(sourceID)
	return &t, nil
}

// FindTemplateBySource retrieves a template by its composite package
// identity {sourceId, name}, or nil when missing. Package imports key
// templates by name within a source, not by content hash.
func (db *DB) FindTemplateBySource(sourceID, name string) (*domain.Template, error) {
	var t domain.Template
	var sid sql.NullString
	err := db.conn.QueryRow(`
		SELECT id, name, source_id, front, back, css, js
		FROM templates WHERE source_id = ? AND name = ?
	`, sourceID, name).Scan(&t.ID, &t.Name, &sid, &t.Front, &t.Back, &t.CSS, &t.JS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find template %s/%s: %w", sourceID, name, err)
	}
	t.SourceID = strPtr(sid)
	return &t, nil
}

// UpdateTemplate rewrites a template's mutable content in place. The id is
// assigned at insert time and deliberately left untouched: cards referencing
// the row pick up the new rendering the next time they are derived.
func (db *DB) UpdateTemplate(t domain.Template) error {
	_, err := db.conn.Exec(`
		UPDATE templates SET name = ?, front = ?, back = ?, css = ?, js = ? WHERE id = ?
	`, t.Name, t.Front, t.Back, t.CSS, t.JS, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update template %s: %w", t.ID, err)
	}
	return nil
}

// AllTemplates retrieves every template.
func (db *DB) AllTemplates() ([]domain.Template, error) {
	rows, err := db.conn.Query(`SELECT id, name, source_id, front, back, css, js FROM templates`)
	if err != nil {
		return nil, fmt.Errorf("failed to get templates: %w", err)
	}
	defer rows.Close()

	var templates []domain.Template
	for rows.Next() {
		var t domain.Template
		var sid sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &sid, &t.Front, &t.Back, &t.CSS, &t.JS); err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		t.SourceID = strPtr(sid)
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// InsertNote inserts a note row keyed by the caller-supplied content hash.
// Data and Order must have identical key sets.
func (db *DB) InsertNote(n domain.Note) error {
	data, err := marshalJSON(n.Data)
	if err != nil {
		return err
	}
	order, err := marshalJSON(n.Order)
	if err != nil {
		return err
	}
	_, execErr := db.conn.Exec(`
		INSERT INTO notes (id, name, source_id, data, field_order)
		VALUES (?, ?, ?, ?, ?)
	`, n.ID, n.Name, nullStr(n.SourceID), data, order)
	return mapInsertErr(execErr)
}

// InsertOrGetNote inserts the note or returns the row already stored under
// the same content hash.
func (db *DB) InsertOrGetNote(n domain.Note) (domain.Note, bool, error) {
	err := db.InsertNote(n)
	if err == nil {
		return n, false, nil
	}
	if err != ErrDuplicateKey {
		return domain.Note{}, false, fmt.Errorf("failed to insert note %s: %w", n.Name, err)
	}
	existing, err := db.GetNote(n.ID)
	if err != nil {
		return domain.Note{}, false, err
	}
	return *existing, true, nil
}

// GetNote retrieves a note by id.
func (db *DB) GetNote(id string) (*domain.Note, error) {
	var n domain.Note
	var sid sql.NullString
	var data, order string
	err := db.conn.QueryRow(`
		SELECT id, name, source_id, data, field_order FROM notes WHERE id = ?
	`, id).Scan(&n.ID, &n.Name, &sid, &data, &order)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get note %s: %w", id, err)
	}
	n.SourceID = strPtr(sid)
	n.Data = map[string]string{}
	n.Order = map[string]int{}
	if err := unmarshalJSON(data, &n.Data); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(order, &n.Order); err != nil {
		return nil, err
	}
	return &n, nil
}

// AllNotes retrieves every note.
func (db *DB) AllNotes() ([]domain.Note, error) {
	rows, err := db.conn.Query(`SELECT id, name, source_id, data, field_order FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("failed to get notes: %w", err)
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		var n domain.Note
		var sid sql.NullString
		var data, order string
		if err := rows.Scan(&n.ID, &n.Name, &sid, &data, &order); err != nil {
			return nil, fmt.Errorf("failed to scan note row: %w", err)
		}
		n.SourceID = strPtr(sid)
		n.Data = map[string]string{}
		n.Order = map[string]int{}
		if err := unmarshalJSON(data, &n.Data); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(order, &n.Order); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// InsertMedia inserts a media blob keyed by the hash of its bytes.
func (db *DB) InsertMedia(m domain.Media) error {
	_, err := db.conn.Exec(`
		INSERT INTO media (id, name, source_id, data) VALUES (?, ?, ?, ?)
	`, m.ID, m.Name, nullStr(m.SourceID), m.Data)
	return mapInsertErr(err)
}

// InsertOrGetMedia inserts the blob or returns the row already stored under
// the same hash. The same bytes under a different name still dedup.
func (db *DB) InsertOrGetMedia(m domain.Media) (domain.Media, bool, error) {
	err := db.InsertMedia(m)
	if err == nil {
		return m, false, nil
	}
	if err != ErrDuplicateKey {
		return domain.Media{}, false, fmt.Errorf("failed to insert media %s: %w", m.Name, err)
	}
	existing, err := db.GetMedia(m.ID)
	if err != nil {
		return domain.Media{}, false, err
	}
	return *existing, true, nil
}

// GetMedia retrieves a media blob by id.
func (db *DB) GetMedia(id string) (*domain.Media, error) {
	var m domain.Media
	var sid sql.NullString
	err := db.conn.QueryRow(`SELECT id, name, source_id, data FROM media WHERE id = ?`, id).
		Scan(&m.ID, &m.Name, &sid, &m.Data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get media %s: %w", id, err)
	}
	m.SourceID = strPtr(sid)
	return &m, nil
}

// AllMedia retrieves every media blob.
func (db *DB) AllMedia() ([]domain.Media, error) {
	rows, err := db.conn.Query(`SELECT id, name, source_id, data FROM media`)
	if err != nil {
		return nil, fmt.Errorf("failed to get media: %w", err)
	}
	defer rows.Close()

	var media []domain.Media
	for rows.Next() {
		var m domain.Media
		var sid sql.NullString
		if err := rows.Scan(&m.ID, &m.Name, &sid, &m.Data); err != nil {
			return nil, fmt.Errorf("failed to scan media row: %w", err)
		}
		m.SourceID = strPtr(sid)
		media = append(media, m)
	}
	return media, rows.Err()
}
