// Package ankipkg reads an external interchange package (.apkg): a zip
// holding a sqlite collection plus numbered media files. The reader is
// strictly read-only; it exposes the package hash, the media table and
// joined card rows, and nothing of the binary layout leaks past it.
package ankipkg

import (
	"archive/zip"
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/patarapolw/r2r-loki/internal/digest"
)

const collectionFile = "collection.anki2"

// fieldSep separates note field values inside the collection db.
const fieldSep = "\x1f"

// MediaFile is one named blob from the package's media table.
type MediaFile struct {
	Name string
	Data []byte
}

// CardRow is one external card with its dependencies resolved: the deck
// name, the template identity {model name, template name}, the rendering
// formats, and the note's ordered field data and tags.
type CardRow struct {
	Deck     string
	Model    string
	Template string
	Qfmt     string
	Afmt     string
	CSS      string
	Fields   map[string]string
	Order    map[string]int
	Tags     []string
}

// Package is an open .apkg. Close releases the temp extraction and the db.
type Package struct {
	hash string
	zip  *zip.Reader
	dir  string
	db   *sql.DB
}

// Open reads the package into memory, hashes its raw bytes, and opens the
// embedded collection database.
func Open(path string) (*Package, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read package %s: %w", path, err)
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to open package zip %s: %w", path, err)
	}

	dir, err := os.MkdirTemp("", "ankipkg-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	dbPath := filepath.Join(dir, collectionFile)
	if err := extractFile(zr, collectionFile, dbPath); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to open collection db: %w", err)
	}

	return &Package{
		hash: digest.Bytes(raw),
		zip:  zr,
		dir:  dir,
		db:   db,
	}, nil
}

// Hash is the content hash of the whole package file, the source identity.
func (p *Package) Hash() string {
	return p.hash
}

// Close closes the collection db and removes the extraction directory.
func (p *Package) Close() error {
	err := p.db.Close()
	if rmErr := os.RemoveAll(p.dir); err == nil {
		err = rmErr
	}
	return err
}

// Media reads the package's media table: the "media" zip entry maps each
// numbered file to its real name.
func (p *Package) Media() ([]MediaFile, error) {
	names := map[string]string{}
	if f := findEntry(p.zip, "media"); f != nil {
		b, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &names); err != nil {
			return nil, fmt.Errorf("failed to parse media index: %w", err)
		}
	}

	var files []MediaFile
	for idx, name := range names {
		f := findEntry(p.zip, idx)
		if f == nil {
			continue
		}
		b, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		files = append(files, MediaFile{Name: name, Data: b})
	}
	return files, nil
}

// collection json shapes, limited to what the reader contract requires.
type ankiModel struct {
	Name string `json:"name"`
	CSS  string `json:"css"`
	Flds []struct {
		Name string `json:"name"`
		Ord  int    `json:"ord"`
	} `json:"flds"`
	Tmpls []struct {
		Name string `json:"name"`
		Ord  int    `json:"ord"`
		Qfmt string `json:"qfmt"`
		Afmt string `json:"afmt"`
	} `json:"tmpls"`
}

type ankiDeck struct {
	Name string `json:"name"`
}

// Cards streams every card in the package joined with its note, model,
// template and deck, calling fn once per row. Only the small model/deck
// metadata is held in memory; card and note rows are scanned one at a time.
// Rows whose model or template ordinal cannot be resolved are skipped. A
// non-nil error from fn stops the scan.
func (p *Package) Cards(fn func(CardRow) error) error {
	var modelsJSON, decksJSON string
	err := p.db.QueryRow(`SELECT models, decks FROM col`).Scan(&modelsJSON, &decksJSON)
	if err != nil {
		return fmt.Errorf("failed to read collection metadata: %w", err)
	}

	models := map[string]ankiModel{}
	if err := json.Unmarshal([]byte(modelsJSON), &models); err != nil {
		return fmt.Errorf("failed to parse models: %w", err)
	}
	decks := map[string]ankiDeck{}
	if err := json.Unmarshal([]byte(decksJSON), &decks); err != nil {
		return fmt.Errorf("failed to parse decks: %w", err)
	}

	rows, err := p.db.Query(`
		SELECT n.mid, n.flds, n.tags, c.did, c.ord
		FROM cards c JOIN notes n ON n.id = c.nid
	`)
	if err != nil {
		return fmt.Errorf("failed to read cards: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var mid, did int64
		var flds, tags string
		var ord int
		if err := rows.Scan(&mid, &flds, &tags, &did, &ord); err != nil {
			return fmt.Errorf("failed to scan card row: %w", err)
		}

		model, ok := models[fmt.Sprint(mid)]
		if !ok {
			continue
		}
		if ord < 0 || ord >= len(model.Tmpls) {
			continue
		}
		tmpl := model.Tmpls[ord]

		deckName := "Default"
		if d, ok := decks[fmt.Sprint(did)]; ok && d.Name != "" {
			deckName = d.Name
		}

		values := strings.Split(flds, fieldSep)
		fields := map[string]string{}
		order := map[string]int{}
		for i, fld := range model.Flds {
			if i >= len(values) {
				break
			}
			fields[fld.Name] = values[i]
			order[fld.Name] = fld.Ord
		}

		row := CardRow{
			Deck:     deckName,
			Model:    model.Name,
			Template: tmpl.Name,
			Qfmt:     tmpl.Qfmt,
			Afmt:     tmpl.Afmt,
			CSS:      model.CSS,
			Fields:   fields,
			Order:    order,
			Tags:     strings.Fields(tags),
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

func findEntry(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read zip entry %s: %w", f.Name, err)
	}
	return b, nil
}

func extractFile(zr *zip.Reader, name, dst string) error {
	f := findEntry(zr, name)
	if f == nil {
		return fmt.Errorf("package has no %s entry", name)
	}
	b, err := readEntry(f)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, b, 0o644); err != nil {
		return fmt.Errorf("failed to extract %s: %w", name, err)
	}
	return nil
}
