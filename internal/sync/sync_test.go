package sync

import (
	"archive/zip"
	"bytes"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/patarapolw/r2r-loki/internal/cards"
	"github.com/patarapolw/r2r-loki/internal/domain"
	"github.com/patarapolw/r2r-loki/internal/query"
	"github.com/patarapolw/r2r-loki/internal/store"
)

var testClock = func() time.Time {
	return time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
}

func openFileStore(t *testing.T, name string) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// writeTestPackage builds a minimal interchange package: a zip holding a
// collection database with one model, one deck, two notes and their cards,
// plus one media file.
func writeTestPackage(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "collection.anki2")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to create collection db: %v", err)
	}
	defer db.Close()

	schema := `
		CREATE TABLE col (models TEXT NOT NULL, decks TEXT NOT NULL);
		CREATE TABLE notes (id INTEGER PRIMARY KEY, mid INTEGER, flds TEXT, tags TEXT);
		CREATE TABLE cards (id INTEGER PRIMARY KEY, nid INTEGER, did INTEGER, ord INTEGER);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	models := map[string]any{
		"1": map[string]any{
			"name": "Basic",
			"css":  ".card{}",
			"flds": []map[string]any{
				{"name": "Front", "ord": 0},
				{"name": "Back", "ord": 1},
			},
			"tmpls": []map[string]any{
				{"name": "Card 1", "ord": 0, "qfmt": "{{Front}}", "afmt": "{{FrontSide}}<hr>{{Back}}"},
			},
		},
	}
	decks := map[string]any{
		"1": map[string]any{"name": "Geography"},
	}
	modelsJSON, _ := json.Marshal(models)
	decksJSON, _ := json.Marshal(decks)
	if _, err := db.Exec(`INSERT INTO col (models, decks) VALUES (?, ?)`, string(modelsJSON), string(decksJSON)); err != nil {
		t.Fatalf("Failed to insert col: %v", err)
	}

	notes := []struct {
		id   int
		flds string
		tags string
	}{
		{1, "France\x1fParis", "europe capitals"},
		{2, "Japan\x1fTokyo", "asia"},
	}
	for _, n := range notes {
		if _, err := db.Exec(`INSERT INTO notes (id, mid, flds, tags) VALUES (?, 1, ?, ?)`, n.id, n.flds, n.tags); err != nil {
			t.Fatalf("Failed to insert note: %v", err)
		}
		if _, err := db.Exec(`INSERT INTO cards (id, nid, did, ord) VALUES (?, ?, 1, 0)`, n.id, n.id); err != nil {
			t.Fatalf("Failed to insert card: %v", err)
		}
	}
	db.Close()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	collection, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("Failed to read collection db: %v", err)
	}
	for name, data := range map[string][]byte{
		"collection.anki2": collection,
		"media":            []byte(`{"0":"map.png"}`),
		"0":                {0x89, 0x50, 0x4e, 0x47},
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Failed to add zip entry: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("Failed to write zip entry: %v", err)
		}
	}
	zw.Close()

	pkgPath := filepath.Join(dir, "test.apkg")
	if err := os.WriteFile(pkgPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("Failed to write package: %v", err)
	}
	return pkgPath
}

func TestImportAnki(t *testing.T) {
	db := openFileStore(t, "main.db")
	s := New(db, 0, testClock)
	pkg := writeTestPackage(t)

	if err := s.ImportAnki(pkg); err != nil {
		t.Fatalf("ImportAnki failed: %v", err)
	}

	t.Run("rows arrive resolved", func(t *testing.T) {
		res, err := query.Exec(db, "", query.Options{
			Fields: []string{"front", "back", "deck", "tag", "data", "tFront", "source"},
			SortBy: "front",
		})
		if err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		if res.Count != 2 {
			t.Fatalf("Expected 2 cards, got %d", res.Count)
		}
		first := res.Data[0]
		if first["front"] != "France" {
			t.Errorf("Expected rendered front France, got %v", first["front"])
		}
		if first["back"] != "France<hr>Paris" {
			t.Errorf("Expected the back to embed the front, got %v", first["back"])
		}
		if first["deck"] != "Geography" {
			t.Errorf("Expected the external deck name, got %v", first["deck"])
		}
		if first["source"] != "test.apkg" {
			t.Errorf("Expected the source join, got %v", first["source"])
		}
		tags, _ := first["tag"].([]string)
		if len(tags) != 2 || tags[0] != "europe" {
			t.Errorf("Expected external tags to carry over, got %v", tags)
		}
	})

	t.Run("media copied with hash identity", func(t *testing.T) {
		media, err := db.AllMedia()
		if err != nil {
			t.Fatalf("AllMedia failed: %v", err)
		}
		if len(media) != 1 || media[0].Name != "map.png" {
			t.Fatalf("Expected one named media row, got %+v", media)
		}
		if media[0].SourceID == nil {
			t.Error("Expected media to be tagged with the source")
		}
	})

	t.Run("template keyed by composite identity", func(t *testing.T) {
		templates, err := db.AllTemplates()
		if err != nil {
			t.Fatalf("AllTemplates failed: %v", err)
		}
		if len(templates) != 1 {
			t.Fatalf("Expected one template, got %d", len(templates))
		}
		if templates[0].Name != "Basic/Card 1" {
			t.Errorf("Expected model/template name, got %q", templates[0].Name)
		}
	})

	t.Run("second import of identical bytes aborts", func(t *testing.T) {
		counts := func() [4]int {
			cs, _ := db.AllCards()
			ns, _ := db.AllNotes()
			ms, _ := db.AllMedia()
			ss, _ := db.AllSources()
			return [4]int{len(cs), len(ns), len(ms), len(ss)}
		}
		before := counts()

		err := s.ImportAnki(pkg)
		if err == nil || !strings.Contains(err.Error(), "already imported") {
			t.Fatalf("Expected ErrSourceExists, got %v", err)
		}
		if counts() != before {
			t.Errorf("Expected the duplicate import to add zero rows: %v -> %v", before, counts())
		}
	})
}

func TestInstanceTransfer(t *testing.T) {
	src := openFileStore(t, "src.db")
	pipe := cards.New(src, testClock)

	// Declaration order deliberately disagrees with key order, so a transfer
	// that rebuilds it from sorted keys is caught.
	if _, err := pipe.Create(cards.InsertPayload{
		Deck:  "Langs",
		Front: domain.MarkerTemplate + "Say {{Word}}",
		Data:  map[string]string{"Word": "hola", "Lang": "es"},
		Order: map[string]int{"Word": 0, "Lang": 1},
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	literal, err := pipe.Create(cards.InsertPayload{
		Deck:  "Langs",
		Front: "literal front",
		Back:  "literal back",
		Tag:   []string{"manual"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := pipe.MarkRight(literal.ID); err != nil {
		t.Fatalf("MarkRight failed: %v", err)
	}
	srcID := "m1"
	if err := src.InsertMedia(domain.Media{ID: srcID, Name: "sound.mp3", Data: []byte{1, 2}}); err != nil {
		t.Fatalf("InsertMedia failed: %v", err)
	}

	dst := openFileStore(t, "dst.db")
	// Single-row chunks force the transfer across several pages.
	s := New(dst, 1, testClock)

	if err := s.ImportInstance(src.Path()); err != nil {
		t.Fatalf("ImportInstance failed: %v", err)
	}

	res, err := query.Exec(dst, "", query.Options{
		Fields: []string{"front", "deck", "tag", "data", "tFront"},
		SortBy: "front",
	})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if res.Count != 2 {
		t.Fatalf("Expected 2 transferred cards, got %d", res.Count)
	}
	if res.Data[0]["front"] != "Say hola" && res.Data[1]["front"] != "Say hola" {
		t.Errorf("Expected the derived card to re-render in the target, got %+v", res.Data)
	}

	media, _ := dst.AllMedia()
	if len(media) != 1 || media[0].Name != "sound.mp3" {
		t.Errorf("Expected media to be copied, got %+v", media)
	}

	t.Run("note order and name survive", func(t *testing.T) {
		notes, err := dst.AllNotes()
		if err != nil {
			t.Fatalf("AllNotes failed: %v", err)
		}
		if len(notes) != 1 {
			t.Fatalf("Expected one transferred note, got %d", len(notes))
		}
		n := notes[0]
		if n.Order["Word"] != 0 || n.Order["Lang"] != 1 {
			t.Errorf("Expected the declared field order to survive, got %v", n.Order)
		}
		if n.Name != "hola" {
			t.Errorf("Expected the first-ordered field value as name, got %q", n.Name)
		}
	})

	t.Run("review state survives", func(t *testing.T) {
		all, err := dst.AllCards()
		if err != nil {
			t.Fatalf("AllCards failed: %v", err)
		}
		var got *domain.Card
		for i := range all {
			if all[i].Front == "literal front" {
				got = &all[i]
			}
		}
		if got == nil {
			t.Fatal("Expected the literal card to transfer")
		}
		if got.SrsLevel == nil || *got.SrsLevel != 1 {
			t.Errorf("Expected srs level 1 to survive, got %v", got.SrsLevel)
		}
		if got.Stat == nil || got.Stat.Streak.Right != 1 {
			t.Errorf("Expected the right streak to survive, got %+v", got.Stat)
		}
	})

	t.Run("re-import of the same backing file aborts", func(t *testing.T) {
		err := s.ImportInstance(src.Path())
		if err == nil || !strings.Contains(err.Error(), "already imported") {
			t.Errorf("Expected ErrSourceExists, got %v", err)
		}
		all, _ := dst.AllCards()
		if len(all) != 2 {
			t.Errorf("Expected no extra cards after duplicate import, got %d", len(all))
		}
	})
}

func TestMarkdownSourceReconcile(t *testing.T) {
	db := openFileStore(t, "md.db")
	s := New(db, 0, testClock)

	deckDir := t.TempDir()
	file := filepath.Join(deckDir, "spanish.md")
	if err := os.WriteFile(file, []byte("Q: hello\nA: hola\n---\nQ: bye\nA: adios\n"), 0o644); err != nil {
		t.Fatalf("Failed to write deck file: %v", err)
	}

	if err := s.AddFileSource(deckDir); err != nil {
		t.Fatalf("AddFileSource failed: %v", err)
	}
	if err := s.SyncFileSources(t.TempDir()); err != nil {
		t.Fatalf("SyncFileSources failed: %v", err)
	}

	all, _ := db.AllCards()
	if len(all) != 2 {
		t.Fatalf("Expected 2 cards after first sync, got %d", len(all))
	}

	t.Run("re-sync of unchanged files inserts nothing", func(t *testing.T) {
		if err := s.SyncFileSources(t.TempDir()); err != nil {
			t.Fatalf("SyncFileSources failed: %v", err)
		}
		all, _ := db.AllCards()
		if len(all) != 2 {
			t.Errorf("Expected still 2 cards, got %d", len(all))
		}
	})

	t.Run("removed content orphans its card", func(t *testing.T) {
		if err := os.WriteFile(file, []byte("Q: hello\nA: hola\n"), 0o644); err != nil {
			t.Fatalf("Failed to rewrite deck file: %v", err)
		}
		if err := s.SyncFileSources(t.TempDir()); err != nil {
			t.Fatalf("SyncFileSources failed: %v", err)
		}
		res, err := query.Exec(db, "", query.Options{Fields: []string{"front", "data", "tFront"}})
		if err != nil {
			t.Fatalf("Exec failed: %v", err)
		}
		if res.Count != 1 || res.Data[0]["front"] != "hello" {
			t.Errorf("Expected only the surviving card, got %+v", res.Data)
		}
	})
}
