/*
Package app wires the engines over one SQLite store.

Both binaries (cmd/server and cmd/dedupctl) build the same graph:

	store ─┬─ enrollment.Service
	       ├─ merge.Engine ──────┐
	       ├─ upload.Orchestrator │
	       └─ scan.Orchestrator ◄─┘

Audit entries go to the audit_logs table and to the log.
*/
package app

import (
	"fmt"

	"github.com/casework/client-dedup/audit"
	"github.com/casework/client-dedup/config"
	"github.com/casework/client-dedup/enrollment"
	"github.com/casework/client-dedup/matching"
	"github.com/casework/client-dedup/merge"
	"github.com/casework/client-dedup/scan"
	"github.com/casework/client-dedup/store/sqlite"
	"github.com/casework/client-dedup/upload"
	"go.uber.org/zap"
)

// App holds the wired engines.
type App struct {
	Config      config.Config
	Store       *sqlite.Store
	Enrollments *enrollment.Service
	Merges      *merge.Engine
	Uploads     *upload.Orchestrator
	Scans       *scan.Orchestrator
	Log         *zap.Logger
}

// New opens the database at cfg.DBPath, applies migrations and wires the
// engines. Close releases the database.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DBPath, sqlite.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}

	sink := audit.Multi{audit.NewSQLSink(st.DB()), audit.NewLogSink(log.Named("audit"))}
	matcher := matching.New(cfg.Matching(log), log)
	enrollments := enrollment.NewService(log)
	merges := merge.New(st, enrollments, log, merge.WithAudit(sink))

	return &App{
		Config:      cfg,
		Store:       st,
		Enrollments: enrollments,
		Merges:      merges,
		Uploads: upload.New(st, cfg.Mapper(log), matcher, enrollments, log,
			upload.WithConfig(cfg.Upload()),
			upload.WithAudit(sink),
		),
		Scans: scan.New(st, matcher, merges, log, scan.WithConfig(cfg.Scan())),
		Log:   log,
	}, nil
}

func (a *App) Close() error {
	return a.Store.Close()
}
