/*
Package audit records who changed which client and how.

PURPOSE:
  Client create, update, archive and merge, plus upload completion and
  failure, each produce an Entry. Entries go to a Sink; writing them is
  fire-and-forget from the engine's point of view. A sink failure is
  logged and never fails the operation that produced the entry.

SINKS:
  SQLSink:  Inserts into the audit_logs table
  LogSink:  Writes entries as structured log lines
  Multi:    Fans out to several sinks, attempting every one

TRANSACTIONS:
  Engine code buffers entries while a transaction is open and calls
  Buffer.Flush after commit. Audit rows therefore never describe work that
  was rolled back, and the audit write never competes with the open
  transaction for the database.

USAGE:
  var buf audit.Buffer
  buf.Add(audit.Entry{Entity: audit.EntityClient, EntityID: "42", Action: audit.ActionMerge})
  // ... commit ...
  buf.Flush(ctx, sink, logger)
*/
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Entity names.
const (
	EntityClient    = "client"
	EntityUpload    = "upload"
	EntityDuplicate = "client_duplicate"
)

// Actions.
const (
	ActionCreate       = "create"
	ActionUpdate       = "update"
	ActionArchive      = "archive"
	ActionMerge        = "merge"
	ActionConfirm      = "confirm"
	ActionDismiss      = "not_duplicate"
	ActionUploadDone   = "upload_completed"
	ActionUploadFailed = "upload_failed"
)

// Entry is one audit record.
type Entry struct {
	Entity    string
	EntityID  string
	Action    string
	ChangedBy string
	Diff      map[string]any
	CreatedAt time.Time
}

// Sink accepts audit entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Emit writes entries to sink, logging failures instead of returning them.
// A nil sink drops entries.
func Emit(ctx context.Context, sink Sink, log *zap.Logger, entries ...Entry) {
	if sink == nil {
		return
	}
	if log == nil {
		log = zap.NewNop()
	}
	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		if err := sink.Write(ctx, e); err != nil {
			log.Warn("audit write failed",
				zap.String("entity", e.Entity),
				zap.String("entity_id", e.EntityID),
				zap.String("action", e.Action),
				zap.Error(err),
			)
		}
	}
}

// Buffer collects entries until the surrounding transaction commits.
type Buffer struct {
	entries []Entry
}

// Add queues an entry.
func (b *Buffer) Add(e Entry) {
	b.entries = append(b.entries, e)
}

// Len returns the number of queued entries.
func (b *Buffer) Len() int { return len(b.entries) }

// Flush emits and clears the queued entries.
func (b *Buffer) Flush(ctx context.Context, sink Sink, log *zap.Logger) {
	Emit(ctx, sink, log, b.entries...)
	b.entries = nil
}

// Reset drops queued entries, for a rolled-back transaction.
func (b *Buffer) Reset() { b.entries = nil }

// =============================================================================
// SINKS
// =============================================================================

// Execer is the subset of *sql.DB the SQL sink needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLSink inserts entries into audit_logs.
type SQLSink struct {
	db Execer
}

// NewSQLSink builds a sink over db, typically the store's *sql.DB.
func NewSQLSink(db Execer) *SQLSink {
	return &SQLSink{db: db}
}

func (s *SQLSink) Write(ctx context.Context, e Entry) error {
	diff := []byte("{}")
	if len(e.Diff) > 0 {
		encoded, err := json.Marshal(e.Diff)
		if err != nil {
			return fmt.Errorf("marshal audit diff: %w", err)
		}
		diff = encoded
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_logs (entity, entity_id, action, changed_by, diff_json, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		e.Entity, e.EntityID, e.Action, e.ChangedBy, string(diff), e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// LogSink writes entries to a zap logger.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Write(_ context.Context, e Entry) error {
	s.log.Info("audit",
		zap.String("entity", e.Entity),
		zap.String("entity_id", e.EntityID),
		zap.String("action", e.Action),
		zap.String("changed_by", e.ChangedBy),
		zap.Any("diff", e.Diff),
	)
	return nil
}

// Multi writes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
