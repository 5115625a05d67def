// Package sync handles bulk ingestion and export. Both ingestion paths
// reuse content addressing for dedup: a whole-package hash gates the import,
// and per-row template/note/media hashes collapse duplicates. Bulk work is
// chunked to bound peak memory; a failed individual row is skipped, never
// fatal. Only a duplicate source aborts the whole call.
package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/patarapolw/r2r-loki/internal/ankipkg"
	"github.com/patarapolw/r2r-loki/internal/cards"
	"github.com/patarapolw/r2r-loki/internal/digest"
	"github.com/patarapolw/r2r-loki/internal/domain"
	"github.com/patarapolw/r2r-loki/internal/query"
	"github.com/patarapolw/r2r-loki/internal/render"
	"github.com/patarapolw/r2r-loki/internal/store"
)

// ErrSourceExists aborts an import whose package bytes were already
// ingested. Nothing is written for that call.
var ErrSourceExists = errors.New("source already imported")

// DefaultChunkSize bounds how many rows one bulk chunk carries.
const DefaultChunkSize = 1000

// fullProjection requests every row field, so instance-to-instance transfer
// round-trips through the query engine with nothing dropped.
var fullProjection = []string{
	"id", "deck", "front", "back", "mnemonic", "tag",
	"srsLevel", "nextReview", "created", "modified", "stat",
	"data", "order", "key", "template", "tFront", "tBack", "css", "js",
	"source", "sCreated",
}

// Syncer runs bulk operations against one store.
type Syncer struct {
	db    *store.DB
	chunk int
	now   cards.Clock
}

// New builds a syncer. chunk <= 0 selects DefaultChunkSize; a nil clock
// means wall time.
func New(db *store.DB, chunk int, now cards.Clock) *Syncer {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if now == nil {
		now = time.Now
	}
	return &Syncer{db: db, chunk: chunk, now: now}
}

// ImportAnki ingests an external interchange package. The package hash is
// the source identity: re-importing identical bytes fails with
// ErrSourceExists before any row is written.
func (s *Syncer) ImportAnki(path string) error {
	pkg, err := ankipkg.Open(path)
	if err != nil {
		return err
	}
	defer pkg.Close()

	src := domain.Source{ID: pkg.Hash(), Name: filepath.Base(path), Created: s.now()}
	if err := s.db.InsertSource(src); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("%s: %w", path, ErrSourceExists)
		}
		return err
	}

	media, err := pkg.Media()
	if err != nil {
		return err
	}
	s.insertMedia(media, src.ID)

	imported := 0
	err = pkg.Cards(func(row ankipkg.CardRow) error {
		if err := s.importAnkiCard(row, src.ID); err != nil {
			slog.Warn("skipping card", "deck", row.Deck, "error", err)
			return nil
		}
		imported++
		if imported%s.chunk == 0 {
			slog.Info("imported chunk", "source", src.Name, "done", imported)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("import complete", "source", src.Name, "cards", imported)
	return nil
}

// importAnkiCard resolves one external card's dependencies (deck by name,
// template by composite identity, note by content hash) before inserting the
// card itself, so a chunk boundary can never split them.
func (s *Syncer) importAnkiCard(row ankipkg.CardRow, sourceID string) error {
	deck, _, err := s.db.InsertOrGetDeck(row.Deck)
	if err != nil {
		return err
	}

	tpl, err := s.resolveTemplate(row, sourceID)
	if err != nil {
		return err
	}

	note := domain.Note{
		ID:       digest.Map(row.Fields),
		Name:     noteName(row),
		SourceID: &sourceID,
		Data:     row.Fields,
		Order:    row.Order,
	}
	note, _, err = s.db.InsertOrGetNote(note)
	if err != nil {
		return err
	}

	front := render.Render(tpl.Front, note.Data, "")
	back := render.Render(tpl.Back, note.Data, front)

	return s.db.InsertCard(domain.Card{
		ID:         uuid.NewString(),
		DeckID:     deck.ID,
		TemplateID: &tpl.ID,
		NoteID:     &note.ID,
		Front:      domain.MarkerHash + digest.Bytes([]byte(front)),
		Back:       domain.MarkerHash + digest.Bytes([]byte(back)),
		Tag:        row.Tags,
		Created:    s.now(),
	})
}

// resolveTemplate keys package templates by {source, model name, template
// name}, not by pure content hash: the interchange format identifies
// templates by name within a source. A colliding content hash from an
// earlier source still dedups via the insert-or-get fallback.
func (s *Syncer) resolveTemplate(row ankipkg.CardRow, sourceID string) (domain.Template, error) {
	name := row.Model + "/" + row.Template
	existing, err := s.db.FindTemplateBySource(sourceID, name)
	if err != nil {
		return domain.Template{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	t := domain.Template{
		ID:       digest.Template(row.Qfmt, row.Afmt, row.CSS, ""),
		Name:     name,
		SourceID: &sourceID,
		Front:    row.Qfmt,
		Back:     row.Afmt,
		CSS:      row.CSS,
	}
	t, _, err = s.db.InsertOrGetTemplate(t)
	return t, err
}

func noteName(row ankipkg.CardRow) string {
	best := ""
	bestPos := -1
	for k, pos := range row.Order {
		if bestPos == -1 || pos < bestPos {
			best = k
			bestPos = pos
		}
	}
	if best != "" && row.Fields[best] != "" {
		return row.Fields[best]
	}
	return digest.Map(row.Fields)
}

// ImportInstance ingests another instance of this system: hash its backing
// file, reject duplicates exactly like a package import, copy its media, and
// feed every card through the query engine and the bulk insert path so the
// same dedup rules apply regardless of origin.
func (s *Syncer) ImportInstance(path string) error {
	other, err := store.Open(path)
	if err != nil {
		return err
	}
	defer other.Close()
	return s.pull(other, path)
}

// ExportTo mirrors ImportInstance: stream this instance's media and
// full-projection query results into a target instance, then close it.
func (s *Syncer) ExportTo(path string) error {
	target, err := store.Open(path)
	if err != nil {
		return err
	}
	defer target.Close()

	out := New(target, s.chunk, s.now)
	return out.pull(s.db, s.db.Path())
}

// pull copies everything from the given instance into s.db.
func (s *Syncer) pull(from *store.DB, fromPath string) error {
	raw, err := os.ReadFile(fromPath)
	if err != nil {
		return fmt.Errorf("failed to read backing file %s: %w", fromPath, err)
	}

	src := domain.Source{ID: digest.Bytes(raw), Name: filepath.Base(fromPath), Created: s.now()}
	if err := s.db.InsertSource(src); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("%s: %w", fromPath, ErrSourceExists)
		}
		return err
	}

	media, err := from.AllMedia()
	if err != nil {
		return err
	}
	var files []ankipkg.MediaFile
	for _, m := range media {
		files = append(files, ankipkg.MediaFile{Name: m.Name, Data: m.Data})
	}
	s.insertMedia(files, src.ID)

	pipe := cards.New(s.db, s.now)
	for offset := 0; ; offset += s.chunk {
		res, err := query.Exec(from, "", query.Options{
			Fields: fullProjection,
			Offset: offset,
			Limit:  s.chunk,
		})
		if err != nil {
			return err
		}
		if len(res.Data) == 0 {
			break
		}
		for _, row := range res.Data {
			if _, err := pipe.Create(payloadFromRow(row, src.ID)); err != nil {
				slog.Warn("skipping card", "id", row["id"], "error", err)
			}
		}
		slog.Info("transferred chunk", "source", src.Name,
			"done", offset+len(res.Data), "total", res.Count)
		if offset+len(res.Data) >= res.Count {
			break
		}
	}
	return nil
}

func (s *Syncer) insertMedia(files []ankipkg.MediaFile, sourceID string) {
	for start := 0; start < len(files); start += s.chunk {
		end := min(start+s.chunk, len(files))
		for _, f := range files[start:end] {
			m := domain.Media{
				ID:       digest.Bytes(f.Data),
				Name:     f.Name,
				SourceID: &sourceID,
				Data:     f.Data,
			}
			if _, _, err := s.db.InsertOrGetMedia(m); err != nil {
				slog.Warn("skipping media", "name", f.Name, "error", err)
			}
		}
		if len(files) > 0 {
			slog.Info("copied media chunk", "done", end, "total", len(files))
		}
	}
}

// payloadFromRow rebuilds an insert payload from a full-projection row. A
// row with template text re-derives through the pipeline; anything else is
// carried literally.
func payloadFromRow(row map[string]any, sourceID string) cards.InsertPayload {
	pl := cards.InsertPayload{
		Deck:     "Default",
		SourceID: &sourceID,
	}
	if deck, ok := row["deck"].(string); ok && deck != "" {
		pl.Deck = deck
	}
	if front, ok := row["front"].(string); ok {
		pl.Front = front
	}
	if back, ok := row["back"].(string); ok {
		pl.Back = back
	}
	if m, ok := row["mnemonic"].(string); ok {
		pl.Mnemonic = m
	}
	if tags, ok := row["tag"].([]string); ok {
		pl.Tag = tags
	}
	if data, ok := row["data"].(map[string]string); ok {
		pl.Data = data
	}
	if order, ok := row["order"].(map[string]int); ok {
		pl.Order = order
	}
	if tFront, ok := row["tFront"].(string); ok && tFront != "" {
		pl.Front = domain.MarkerTemplate + tFront
	}
	if tBack, ok := row["tBack"].(string); ok && tBack != "" {
		pl.Back = domain.MarkerTemplate + tBack
	}
	if name, ok := row["template"].(string); ok {
		pl.Template = name
	}
	if css, ok := row["css"].(string); ok {
		pl.CSS = css
	}
	if js, ok := row["js"].(string); ok {
		pl.JS = js
	}
	if lvl, ok := row["srsLevel"].(int); ok {
		pl.SrsLevel = &lvl
	}
	if next, ok := row["nextReview"].(time.Time); ok {
		pl.NextReview = &next
	}
	if stat, ok := row["stat"].(domain.Stat); ok {
		pl.Stat = &stat
	}
	return pl
}
