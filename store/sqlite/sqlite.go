/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements core.TxStore and core.LinkageStore on SQLite. Every engine
  operation that writes (uploads, merges, scans) runs through WithTx so a
  failure leaves the database exactly as it was.

INTERFACES IMPLEMENTED:
  core.Store:        Clients, programs, enrollments, duplicate flags, upload logs
  core.TxStore:      WithTx over a *sql.Tx-backed view
  core.LinkageStore: Notes and upload-to-client links

KEY TABLES:
  clients:            One row per client record; (source, client_id) not unique
  client_extended:    Extended attributes, 1:1 with clients
  enrollments:        Client/program intervals; CHECK end_date >= start_date
  client_duplicates:  Suspected-duplicate flags; unique pending unordered pair
  upload_logs:        Upload progress and outcome
  audit_logs:         Written by audit.SQLSink, not by this package

MIGRATIONS:
  Schema is versioned with goose. Migrations are embedded from migrations/
  and applied on New().

CONCURRENCY:
  SQLite allows a single writer. The pool is capped at one connection, so
  calls are serialized by database/sql. Code running inside WithTx must use
  the view it is handed; calling the outer Store from inside the callback
  waits for a connection that the transaction holds.

USAGE:
  store, err := sqlite.New("./data/dedup.db", sqlite.WithLogger(logger))
  if err != nil {
      return err
  }
  defer store.Close()

SEE ALSO:
  - core/store.go: Interface definitions
  - core/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/casework/client-dedup/core"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

// Store implements all storage interfaces using SQLite.
type Store struct {
	*queries
	db  *sql.DB
	log *zap.Logger
}

var (
	_ core.TxStore      = (*Store)(nil)
	_ core.LinkageStore = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger routes migration output to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.log = logger }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: a single writer, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{db: db}, db: db, log: zap.NewNop()}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for components that share the database
// (the SQL audit sink).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{s.log.Sugar()})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(s.db, "migrations")
}

type gooseLogger struct {
	l *zap.SugaredLogger
}

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.l.Debugf(strings.TrimSpace(format), v...)
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.l.Fatalf(format, v...)
}

// =============================================================================
// TRANSACTIONAL STORE (core.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(core.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement. The outer Store and transactional views
// differ only in the handle they run on.
type queries struct {
	db dbtx
}

// =============================================================================
// CLIENTS (core.ClientStore interface)
// =============================================================================

const clientSelect = `
	SELECT c.id, c.external_id, c.client_id, c.source, c.first_name, c.last_name,
	       c.preferred_name, c.alias, c.dob, c.gender, c.sexual_orientation, c.race,
	       c.immigration_status, c.languages_json, c.phone, c.email, c.contact_json,
	       c.legacy_ids_json, c.secondary_source_id, c.is_inactive, c.is_archived,
	       c.created_by, c.updated_by, c.created_at, c.updated_at,
	       x.veteran, x.indigenous, x.household_size, COALESCE(x.referral_source, '')
	FROM clients c
	LEFT JOIN client_extended x ON x.client_id = c.id
`

// lookupChunk bounds the number of bound parameters per lookup query.
const lookupChunk = 400

func (q *queries) GetClient(ctx context.Context, id core.ClientID) (*core.ClientRecord, error) {
	clients, err := q.queryClients(ctx, clientSelect+" WHERE c.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, core.ErrClientNotFound
	}
	return &clients[0], nil
}

func (q *queries) ListClients(ctx context.Context, f core.ClientFilter) ([]core.ClientRecord, error) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeArchived {
		where = append(where, "c.is_archived = 0")
	}
	if f.Source != "" {
		where = append(where, "upper(c.source) = upper(?)")
		args = append(args, f.Source)
	}
	if len(f.IDs) > 0 {
		where = append(where, "c.id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}

	query := clientSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return q.queryClients(ctx, query+" ORDER BY c.id", args...)
}

// FindClients runs one query per key kind and chunk, then merges by id.
func (q *queries) FindClients(ctx context.Context, l core.ClientLookup) ([]core.ClientRecord, error) {
	found := make(map[core.ClientID]core.ClientRecord)
	collect := func(query string, args []any) error {
		clients, err := q.queryClients(ctx, query, args...)
		if err != nil {
			return err
		}
		for _, c := range clients {
			found[c.ID] = c
		}
		return nil
	}

	base := clientSelect + " WHERE c.is_archived = 0 AND "

	for _, chunk := range chunkSourceKeys(l.SourceKeys, lookupChunk/2) {
		conds := make([]string, len(chunk))
		legacy := make([]string, len(chunk))
		args := make([]any, 0, 2*len(chunk))
		for i, k := range chunk {
			conds[i] = "(upper(c.source) = ? AND c.client_id = ?)"
			legacy[i] = "(upper(trim(l.value->>'source')) = ? AND trim(l.value->>'client_id') = ?)"
			args = append(args, k.Source, k.ClientID)
		}
		if err := collect(base+"("+strings.Join(conds, " OR ")+")", args); err != nil {
			return nil, err
		}
		// Merged clients answer to the ids they absorbed.
		query := base + "EXISTS (SELECT 1 FROM json_each(c.legacy_ids_json) l WHERE " + strings.Join(legacy, " OR ") + ")"
		if err := collect(query, args); err != nil {
			return nil, err
		}
	}
	for _, chunk := range chunkStrings(l.ClientIDs, lookupChunk) {
		if err := collect(base+"c.client_id IN ("+placeholders(len(chunk))+")", toArgs(chunk)); err != nil {
			return nil, err
		}
	}
	for _, chunk := range chunkStrings(l.Emails, lookupChunk) {
		if err := collect(base+"lower(c.email) IN ("+placeholders(len(chunk))+")", toArgs(chunk)); err != nil {
			return nil, err
		}
	}
	for _, chunk := range chunkStrings(l.Phones, lookupChunk) {
		if err := collect(base+"c.phone IN ("+placeholders(len(chunk))+")", toArgs(chunk)); err != nil {
			return nil, err
		}
	}
	dobs := make([]string, len(l.DOBs))
	for i, d := range l.DOBs {
		dobs[i] = d.String()
	}
	for _, chunk := range chunkStrings(dobs, lookupChunk) {
		if err := collect(base+"c.dob IN ("+placeholders(len(chunk))+")", toArgs(chunk)); err != nil {
			return nil, err
		}
	}

	out := make([]core.ClientRecord, 0, len(found))
	for _, c := range found {
		out = append(out, c)
	}
	sortClientsByID(out)
	return out, nil
}

func (q *queries) CreateClients(ctx context.Context, clients []core.ClientRecord) ([]core.ClientID, error) {
	now := formatTime(time.Now())
	ids := make([]core.ClientID, 0, len(clients))

	for _, c := range clients {
		if c.ExternalID == "" {
			c.ExternalID = uuid.NewString()
		}
		createdAt := now
		if !c.CreatedAt.IsZero() {
			createdAt = formatTime(c.CreatedAt)
		}

		languages, contact, legacy, err := encodeClientJSON(c)
		if err != nil {
			return nil, err
		}

		res, err := q.db.ExecContext(ctx, `
			INSERT INTO clients
			(external_id, client_id, source, first_name, last_name, preferred_name, alias, dob,
			 gender, sexual_orientation, race, immigration_status, languages_json, phone, email,
			 contact_json, legacy_ids_json, secondary_source_id, is_inactive, is_archived,
			 created_by, updated_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ExternalID, c.ClientID, c.Source, c.FirstName, c.LastName, c.PreferredName, c.Alias,
			nullDate(c.DOB), c.Gender, c.SexualOrientation, c.Race, c.ImmigrationStatus,
			languages, c.Phone, c.Email, contact, legacy, c.SecondarySourceID,
			c.IsInactive, c.IsArchived, c.CreatedBy, c.UpdatedBy, createdAt, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert client: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read client id: %w", err)
		}
		if err := q.saveExtended(ctx, core.ClientID(id), c.Extended); err != nil {
			return nil, err
		}
		ids = append(ids, core.ClientID(id))
	}
	return ids, nil
}

func (q *queries) UpdateClients(ctx context.Context, clients []core.ClientRecord) error {
	now := formatTime(time.Now())
	for _, c := range clients {
		languages, contact, legacy, err := encodeClientJSON(c)
		if err != nil {
			return err
		}
		res, err := q.db.ExecContext(ctx, `
			UPDATE clients SET
				client_id = ?, source = ?, first_name = ?, last_name = ?, preferred_name = ?,
				alias = ?, dob = ?, gender = ?, sexual_orientation = ?, race = ?,
				immigration_status = ?, languages_json = ?, phone = ?, email = ?,
				contact_json = ?, legacy_ids_json = ?, secondary_source_id = ?,
				is_inactive = ?, is_archived = ?, updated_by = ?, updated_at = ?
			WHERE id = ?`,
			c.ClientID, c.Source, c.FirstName, c.LastName, c.PreferredName,
			c.Alias, nullDate(c.DOB), c.Gender, c.SexualOrientation, c.Race,
			c.ImmigrationStatus, languages, c.Phone, c.Email,
			contact, legacy, c.SecondarySourceID,
			c.IsInactive, c.IsArchived, c.UpdatedBy, now, c.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update client %d: %w", c.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update client %d: %w", c.ID, core.ErrClientNotFound)
		}
		if err := q.saveExtended(ctx, c.ID, c.Extended); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) DeleteClient(ctx context.Context, id core.ClientID) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM clients WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete client %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrClientNotFound
	}
	return nil
}

func (q *queries) saveExtended(ctx context.Context, id core.ClientID, e core.ClientExtended) error {
	if e.IsEmpty() {
		return nil
	}
	var household any
	if e.HouseholdSize != nil {
		household = *e.HouseholdSize
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO client_extended (client_id, veteran, indigenous, household_size, referral_source)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			veteran = excluded.veteran,
			indigenous = excluded.indigenous,
			household_size = excluded.household_size,
			referral_source = excluded.referral_source`,
		id, nullBool(e.Veteran), nullBool(e.Indigenous), household, e.ReferralSource,
	)
	if err != nil {
		return fmt.Errorf("failed to save extended attributes for %d: %w", id, err)
	}
	return nil
}

func (q *queries) queryClients(ctx context.Context, query string, args ...any) ([]core.ClientRecord, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var clients []core.ClientRecord
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func scanClient(rows *sql.Rows) (core.ClientRecord, error) {
	var (
		c                          core.ClientRecord
		dob                        sql.NullString
		languages, contact, legacy string
		createdAt, updatedAt       string
		veteran, indigenous        sql.NullBool
		household                  sql.NullInt64
	)

	err := rows.Scan(
		&c.ID, &c.ExternalID, &c.ClientID, &c.Source, &c.FirstName, &c.LastName,
		&c.PreferredName, &c.Alias, &dob, &c.Gender, &c.SexualOrientation, &c.Race,
		&c.ImmigrationStatus, &languages, &c.Phone, &c.Email, &contact,
		&legacy, &c.SecondarySourceID, &c.IsInactive, &c.IsArchived,
		&c.CreatedBy, &c.UpdatedBy, &createdAt, &updatedAt,
		&veteran, &indigenous, &household, &c.Extended.ReferralSource,
	)
	if err != nil {
		return c, fmt.Errorf("failed to scan client: %w", err)
	}

	c.DOB = parseNullDate(dob)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(languages), &c.Languages); err != nil {
		return c, fmt.Errorf("client %d languages: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(contact), &c.ContactInfo); err != nil {
		return c, fmt.Errorf("client %d contact info: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(legacy), &c.LegacyIDs); err != nil {
		return c, fmt.Errorf("client %d legacy ids: %w", c.ID, err)
	}
	if veteran.Valid {
		v := veteran.Bool
		c.Extended.Veteran = &v
	}
	if indigenous.Valid {
		v := indigenous.Bool
		c.Extended.Indigenous = &v
	}
	if household.Valid {
		v := int(household.Int64)
		c.Extended.HouseholdSize = &v
	}
	return c, nil
}

func encodeClientJSON(c core.ClientRecord) (languages, contact, legacy string, err error) {
	langs := c.Languages
	if langs == nil {
		langs = []string{}
	}
	info := c.ContactInfo
	if info == nil {
		info = map[string]any{}
	}
	ids := c.LegacyIDs
	if ids == nil {
		ids = []core.LegacyID{}
	}

	l, err := json.Marshal(langs)
	if err != nil {
		return "", "", "", fmt.Errorf("encode languages: %w", err)
	}
	ci, err := json.Marshal(info)
	if err != nil {
		return "", "", "", fmt.Errorf("encode contact info: %w", err)
	}
	li, err := json.Marshal(ids)
	if err != nil {
		return "", "", "", fmt.Errorf("encode legacy ids: %w", err)
	}
	return string(l), string(ci), string(li), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullDate(d *core.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNullDate(s sql.NullString) *core.Date {
	if !s.Valid || s.String == "" {
		return nil
	}
	d, err := core.ParseDate(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func chunkStrings(values []string, size int) [][]string {
	var chunks [][]string
	for len(values) > 0 {
		n := min(size, len(values))
		chunks = append(chunks, values[:n])
		values = values[n:]
	}
	return chunks
}

func chunkSourceKeys(keys []core.SourceKey, size int) [][]core.SourceKey {
	var chunks [][]core.SourceKey
	for len(keys) > 0 {
		n := min(size, len(keys))
		chunks = append(chunks, keys[:n])
		keys = keys[n:]
	}
	return chunks
}

func sortClientsByID(cs []core.ClientRecord) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
