package sync

import (
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/patarapolw/r2r-loki/internal/cards"
	"github.com/patarapolw/r2r-loki/internal/digest"
	"github.com/patarapolw/r2r-loki/internal/domain"
	"github.com/patarapolw/r2r-loki/internal/gitsource"
	"github.com/patarapolw/r2r-loki/internal/mdsource"
)

// Markdown deck sources are ordinary source rows named by location, keyed by
// the hash of that name. Re-registering the same location is a no-op.
const (
	dirPrefix = "dir:"
	gitPrefix = "git:"
)

// AddFileSource registers a local directory or git URL of markdown deck
// files. The kind is inferred from the location's shape.
func (s *Syncer) AddFileSource(location string) error {
	prefix := dirPrefix
	if strings.HasSuffix(location, ".git") ||
		strings.HasPrefix(location, "git@") ||
		strings.HasPrefix(location, "https://") ||
		strings.HasPrefix(location, "http://") {
		prefix = gitPrefix
	}

	name := prefix + location
	src := domain.Source{ID: digest.Bytes([]byte(name)), Name: name, Created: s.now()}
	_, existed, err := s.db.InsertOrGetSource(src)
	if err != nil {
		return err
	}
	if existed {
		slog.Info("source already registered", "location", location)
	}
	return nil
}

// SyncFileSources reconciles every registered markdown source: new cards are
// inserted (dedup by note content hash), cards whose content disappeared
// from the files are removed. Git sources are cloned or pulled under
// reposDir first.
func (s *Syncer) SyncFileSources(reposDir string) error {
	sources, err := s.db.AllSources()
	if err != nil {
		return err
	}

	for _, src := range sources {
		switch {
		case strings.HasPrefix(src.Name, dirPrefix):
			s.reconcile(src, strings.TrimPrefix(src.Name, dirPrefix))
		case strings.HasPrefix(src.Name, gitPrefix):
			repoURL := strings.TrimPrefix(src.Name, gitPrefix)
			local, err := gitLocalPath(reposDir, repoURL)
			if err != nil {
				slog.Error("cannot place git repo", "url", repoURL, "error", err)
				continue
			}
			if err := gitsource.Sync(repoURL, local); err != nil {
				slog.Error("git sync failed", "url", repoURL, "error", err)
				continue
			}
			s.reconcile(src, local)
		}
	}
	return nil
}

// reconcile walks one source directory. Every parsed card becomes a
// template-derived card over a {Front, Back, Context} note; the note content
// hash is the dedup key, so an unchanged file inserts nothing.
func (s *Syncer) reconcile(src domain.Source, dir string) {
	pipe := cards.New(s.db, s.now)
	found := map[string]bool{}
	var inserted, parseErrors int

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}

		fileCards, err := mdsource.ParseFile(path)
		if err != nil {
			parseErrors++
			slog.Warn("failed to parse deck file", "path", path, "error", err)
		}

		deck := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		for _, c := range fileCards {
			data := map[string]string{"Front": c.Front, "Back": c.Back, "Context": c.Context}
			noteID := digest.Map(data)
			found[noteID] = true

			if _, err := s.db.GetNote(noteID); err == nil {
				continue // content unchanged since the last scan
			}

			_, err := pipe.Create(cards.InsertPayload{
				Deck:     deck,
				Front:    domain.MarkerTemplate + "{{Front}}",
				Back:     domain.MarkerTemplate + "{{Back}}",
				Mnemonic: c.Context,
				Data:     data,
				Order:    map[string]int{"Front": 0, "Back": 1, "Context": 2},
				SourceID: &src.ID,
			})
			if err != nil {
				parseErrors++
				slog.Warn("failed to insert card", "path", path, "error", err)
				continue
			}
			inserted++
		}
		return nil
	})
	if walkErr != nil {
		slog.Error("error walking source directory", "path", dir, "error", walkErr)
		return
	}

	orphans := s.removeOrphans(src.ID, found)

	slog.Info("reconciliation complete",
		"source", src.Name,
		"inserted", inserted,
		"orphaned_deleted", orphans,
		"errors", parseErrors,
	)
}

// removeOrphans deletes cards whose note belongs to this source but whose
// content no longer appears in any file.
func (s *Syncer) removeOrphans(sourceID string, found map[string]bool) int {
	notes, err := s.db.AllNotes()
	if err != nil {
		slog.Error("failed to list notes", "error", err)
		return 0
	}
	stale := map[string]bool{}
	for _, n := range notes {
		if n.SourceID != nil && *n.SourceID == sourceID && !found[n.ID] {
			stale[n.ID] = true
		}
	}
	if len(stale) == 0 {
		return 0
	}

	all, err := s.db.AllCards()
	if err != nil {
		slog.Error("failed to list cards", "error", err)
		return 0
	}
	removed := 0
	for _, c := range all {
		if c.NoteID != nil && stale[*c.NoteID] {
			if err := s.db.DeleteCard(c.ID); err != nil {
				slog.Warn("failed to delete orphaned card", "id", c.ID, "error", err)
				continue
			}
			removed++
		}
	}
	return removed
}

// gitLocalPath derives a checkout directory under baseDir from the repo URL,
// accepting https URLs and scp-like git@host:path forms.
func gitLocalPath(baseDir, repoURL string) (string, error) {
	parsed, err := url.Parse(repoURL)
	if err == nil && (parsed.Scheme == "https" || parsed.Scheme == "http") {
		return filepath.Join(baseDir, parsed.Host, strings.TrimSuffix(parsed.Path, ".git")), nil
	}

	if at := strings.Index(repoURL, "@"); at >= 0 {
		if colon := strings.Index(repoURL, ":"); colon > at {
			host := repoURL[at+1 : colon]
			path := strings.TrimSuffix(repoURL[colon+1:], ".git")
			return filepath.Join(baseDir, host, path), nil
		}
	}
	return "", fmt.Errorf("could not parse git URL: %s", repoURL)
}
