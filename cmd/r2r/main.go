package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/pflag"

	"github.com/patarapolw/r2r-loki/internal/config"
	"github.com/patarapolw/r2r-loki/internal/store"
	"github.com/patarapolw/r2r-loki/internal/sync"
	"github.com/patarapolw/r2r-loki/internal/web"
)

func main() {
	flags := pflag.NewFlagSet("r2r", pflag.ExitOnError)
	cfgPath := flags.String("config", "r2r.yml", "Path to the YAML config file")
	flags.String("db", "", "Path to the SQLite database file")
	flags.String("addr", "", "Listen address for the HTTP server")
	flags.String("repos_dir", "", "Directory for local clones of git deck sources")
	flags.Int("chunk_size", 0, "Rows per bulk chunk during import and export")

	importAnki := flags.String("import-anki", "", "Import an .apkg package and exit")
	importR2R := flags.String("import-r2r", "", "Import another database file and exit")
	export := flags.String("export", "", "Export this database to a new file and exit")
	addSource := flags.String("add-source", "", "Register a markdown directory or git URL as a deck source")
	doSync := flags.Bool("sync", false, "Reconcile all file-backed deck sources and exit")
	serve := flags.Bool("serve", false, "Start the HTTP server")

	if err := flags.Parse(os.Args[1:]); err != nil {
		slog.Error("failed to parse flags", "error", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath, flags)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DB)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DB, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	syncer := sync.New(db, cfg.ChunkSize, nil)

	if err := run(cfg, db, syncer, *importAnki, *importR2R, *export, *addSource, *doSync, *serve); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, db *store.DB, syncer *sync.Syncer, importAnki, importR2R, export, addSource string, doSync, serve bool) error {
	ran := false

	if importAnki != "" {
		ran = true
		if err := syncer.ImportAnki(importAnki); err != nil {
			return fmt.Errorf("import %s: %w", importAnki, err)
		}
		slog.Info("package imported", "path", importAnki)
	}
	if importR2R != "" {
		ran = true
		if err := syncer.ImportInstance(importR2R); err != nil {
			return fmt.Errorf("import %s: %w", importR2R, err)
		}
		slog.Info("database imported", "path", importR2R)
	}
	if export != "" {
		ran = true
		if err := syncer.ExportTo(export); err != nil {
			return fmt.Errorf("export to %s: %w", export, err)
		}
		slog.Info("database exported", "path", export)
	}
	if addSource != "" {
		ran = true
		if err := syncer.AddFileSource(addSource); err != nil {
			return fmt.Errorf("add source %s: %w", addSource, err)
		}
		slog.Info("source registered", "location", addSource)
	}
	if doSync {
		ran = true
		if err := syncer.SyncFileSources(cfg.ReposDir); err != nil {
			return fmt.Errorf("sync sources: %w", err)
		}
	}
	if serve || !ran {
		srv := web.NewServer(db, syncer, cfg.ReposDir)
		slog.Info("listening", "addr", cfg.Addr, "db", cfg.DB)
		return http.ListenAndServe(cfg.Addr, srv)
	}
	return nil
}
