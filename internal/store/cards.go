package store

import (
	"database/sql"
	"fmt"

	"github.com/patarapolw/r2r-loki/internal/domain"
)

const cardColumns = `id, deck_id, template_id, note_id, front, back, mnemonic,
	srs_level, next_review, tag, created, modified, stat`

// InsertCard inserts a card row. The caller supplies the random id and the
// created timestamp; the card transform pipeline is the only writer.
func (db *DB) InsertCard(c domain.Card) error {
	tag, err := marshalJSON(c.Tag)
	if err != nil {
		return err
	}
	stat := sql.NullString{}
	if c.Stat != nil {
		s, err := marshalJSON(c.Stat)
		if err != nil {
			return err
		}
		stat = sql.NullString{String: s, Valid: true}
	}

	var level sql.NullInt64
	if c.SrsLevel != nil {
		level = sql.NullInt64{Int64: int64(*c.SrsLevel), Valid: true}
	}
	var next sql.NullTime
	if c.NextReview != nil {
		next = sql.NullTime{Time: *c.NextReview, Valid: true}
	}
	var modified sql.NullTime
	if c.Modified != nil {
		modified = sql.NullTime{Time: *c.Modified, Valid: true}
	}

	_, execErr := db.conn.Exec(`
		INSERT INTO cards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.DeckID, nullStr(c.TemplateID), nullStr(c.NoteID),
		c.Front, c.Back, c.Mnemonic,
		level, next, tag, c.Created, modified, stat,
	)
	if execErr != nil {
		return fmt.Errorf("failed to insert card %s: %w", c.ID, mapInsertErr(execErr))
	}
	return nil
}

// GetCard retrieves a card by id.
func (db *DB) GetCard(id string) (*domain.Card, error) {
	row := db.conn.QueryRow(`SELECT `+cardColumns+` FROM cards WHERE id = ?`, id)
	c, err := scanCard(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get card %s: %w", id, err)
	}
	return c, nil
}

// UpdateCard rewrites every mutable column of the card row.
func (db *DB) UpdateCard(c domain.Card) error {
	tag, err := marshalJSON(c.Tag)
	if err != nil {
		return err
	}
	stat := sql.NullString{}
	if c.Stat != nil {
		s, err := marshalJSON(c.Stat)
		if err != nil {
			return err
		}
		stat = sql.NullString{String: s, Valid: true}
	}
	var level sql.NullInt64
	if c.SrsLevel != nil {
		level = sql.NullInt64{Int64: int64(*c.SrsLevel), Valid: true}
	}
	var next sql.NullTime
	if c.NextReview != nil {
		next = sql.NullTime{Time: *c.NextReview, Valid: true}
	}
	var modified sql.NullTime
	if c.Modified != nil {
		modified = sql.NullTime{Time: *c.Modified, Valid: true}
	}

	_, execErr := db.conn.Exec(`
		UPDATE cards
		SET deck_id = ?, template_id = ?, note_id = ?, front = ?, back = ?,
		    mnemonic = ?, srs_level = ?, next_review = ?, tag = ?, modified = ?, stat = ?
		WHERE id = ?
	`,
		c.DeckID, nullStr(c.TemplateID), nullStr(c.NoteID), c.Front, c.Back,
		c.Mnemonic, level, next, tag, modified, stat, c.ID,
	)
	if execErr != nil {
		return fmt.Errorf("failed to update card %s: %w", c.ID, execErr)
	}
	return nil
}

// DeleteCard removes a card row by id. Hard removal, no tombstones; rows
// referencing it become dangling and are resolved as missing at read time.
// Deleting an absent id fails with ErrNotFound.
func (db *DB) DeleteCard(id string) error {
	res, err := db.conn.Exec(`DELETE FROM cards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete card %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete card %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AllCards retrieves every card. The query engine joins from this scan.
func (db *DB) AllCards() ([]domain.Card, error) {
	rows, err := db.conn.Query(`SELECT ` + cardColumns + ` FROM cards`)
	if err != nil {
		return nil, fmt.Errorf("failed to get cards: %w", err)
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		c, err := scanCard(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row: %w", err)
		}
		cards = append(cards, *c)
	}
	return cards, rows.Err()
}

func scanCard(scan func(...any) error) (*domain.Card, error) {
	var c domain.Card
	var templateID, noteID, stat sql.NullString
	var level sql.NullInt64
	var next, modified sql.NullTime
	var tag string

	err := scan(
		&c.ID, &c.DeckID, &templateID, &noteID, &c.Front, &c.Back, &c.Mnemonic,
		&level, &next, &tag, &c.Created, &modified, &stat,
	)
	if err != nil {
		return nil, err
	}

	c.TemplateID = strPtr(templateID)
	c.NoteID = strPtr(noteID)
	if level.Valid {
		l := int(level.Int64)
		c.SrsLevel = &l
	}
	if next.Valid {
		t := next.Time
		c.NextReview = &t
	}
	if modified.Valid {
		t := modified.Time
		c.Modified = &t
	}
	if err := unmarshalJSON(tag, &c.Tag); err != nil {
		return nil, err
	}
	if stat.Valid {
		c.Stat = &domain.Stat{}
		if err := unmarshalJSON(stat.String, c.Stat); err != nil {
			return nil, err
		}
	}
	return &c, nil
}
