// Package web exposes the store over a JSON HTTP API. Handlers are thin:
// they decode a request, call into the query engine or the card pipeline,
// and encode the result. All state lives behind those packages.
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/patarapolw/r2r-loki/internal/cards"
	"github.com/patarapolw/r2r-loki/internal/query"
	"github.com/patarapolw/r2r-loki/internal/store"
	"github.com/patarapolw/r2r-loki/internal/sync"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	db       *store.DB
	pipe     *cards.Pipeline
	syncer   *sync.Syncer
	reposDir string
	router   *http.ServeMux
}

// NewServer creates and configures a new server.
func NewServer(db *store.DB, syncer *sync.Syncer, reposDir string) *Server {
	s := &Server{
		db:       db,
		pipe:     cards.New(db, nil),
		syncer:   syncer,
		reposDir: reposDir,
		router:   http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes sets up the routing for the server.
func (s *Server) routes() {
	s.router.HandleFunc("/api/query", s.handleQuery())
	s.router.HandleFunc("/api/cards", s.handleCards())
	s.router.HandleFunc("/api/cards/", s.handleCardByID())
	s.router.HandleFunc("/api/review/", s.handleReview())
	s.router.HandleFunc("/api/sources", s.handleSources())
	s.router.HandleFunc("/api/sync", s.handleSync())
	s.router.HandleFunc("/api/import", s.handleImport())
	s.router.HandleFunc("/api/export", s.handleExport())
}

type queryRequest struct {
	Q      string   `json:"q"`
	Offset int      `json:"offset"`
	Limit  int      `json:"limit"`
	SortBy string   `json:"sortBy"`
	Desc   bool     `json:"desc"`
	Fields []string `json:"fields"`
}

// handleQuery runs a search and returns the projected page plus the
// pre-pagination count.
func (s *Server) handleQuery() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		res, err := query.Exec(s.db, req.Q, query.Options{
			Offset: req.Offset,
			Limit:  req.Limit,
			SortBy: req.SortBy,
			Desc:   req.Desc,
			Fields: req.Fields,
		})
		if err != nil {
			if errors.Is(err, query.ErrMalformedQuery) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			s.internalError(w, "query failed", err)
			return
		}
		s.writeJSON(w, res)
	}
}

// handleCards creates a card from an insert payload.
func (s *Server) handleCards() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var pl cards.InsertPayload
		if err := json.NewDecoder(r.Body).Decode(&pl); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		card, err := s.pipe.Create(pl)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(card); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// handleCardByID updates or deletes one card addressed by path.
func (s *Server) handleCardByID() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/cards/")
		if id == "" {
			http.Error(w, "Missing card id", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodPatch:
			var fields map[string]any
			if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := s.pipe.Update(id, fields); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					http.NotFound(w, r)
					return
				}
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			if err := s.pipe.Delete(id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					http.NotFound(w, r)
					return
				}
				s.internalError(w, "delete failed", err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// handleReview grades a card: /api/review/right/{id} or /api/review/wrong/{id}.
func (s *Server) handleReview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/api/review/")
		grade, id, ok := strings.Cut(rest, "/")
		if !ok || id == "" {
			http.Error(w, "Expected /api/review/{right|wrong}/{id}", http.StatusBadRequest)
			return
		}
		var err error
		switch grade {
		case "right":
			err = s.pipe.MarkRight(id)
		case "wrong":
			err = s.pipe.MarkWrong(id)
		default:
			http.Error(w, "Grade must be right or wrong", http.StatusBadRequest)
			return
		}
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			s.internalError(w, "review failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleSources lists registered sources or adds a file-backed deck source.
func (s *Server) handleSources() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			sources, err := s.db.AllSources()
			if err != nil {
				s.internalError(w, "failed to list sources", err)
				return
			}
			s.writeJSON(w, sources)
		case http.MethodPost:
			var req struct {
				Path string `json:"path"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
				http.Error(w, "Path cannot be empty", http.StatusBadRequest)
				return
			}
			if err := s.syncer.AddFileSource(req.Path); err != nil {
				if errors.Is(err, sync.ErrSourceExists) {
					http.Error(w, err.Error(), http.StatusConflict)
					return
				}
				s.internalError(w, "failed to add source", err)
				return
			}
			w.WriteHeader(http.StatusCreated)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// handleSync reconciles all file-backed deck sources in the foreground.
func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.syncer.SyncFileSources(s.reposDir); err != nil {
			s.internalError(w, "sync failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type transferRequest struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// handleImport ingests an interchange package or another instance's backing
// file, named by server-local path.
func (s *Server) handleImport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			http.Error(w, "Path cannot be empty", http.StatusBadRequest)
			return
		}
		var err error
		switch req.Kind {
		case "", "anki":
			err = s.syncer.ImportAnki(req.Path)
		case "instance":
			err = s.syncer.ImportInstance(req.Path)
		default:
			http.Error(w, "Kind must be anki or instance", http.StatusBadRequest)
			return
		}
		if err != nil {
			if errors.Is(err, sync.ErrSourceExists) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			s.internalError(w, "import failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleExport streams this instance into a fresh store at the given path.
func (s *Server) handleExport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			http.Error(w, "Path cannot be empty", http.StatusBadRequest)
			return
		}
		if err := s.syncer.ExportTo(req.Path); err != nil {
			s.internalError(w, "export failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}
