/*
Package upload ingests bulk client files into the client population.

PURPOSE:
  A file from one source system (SMIS, EMHware, a hand-kept spreadsheet) is
  mapped, normalized and merged into the stored clients. Rows that carry a
  known (source, client_id) update that client; other rows create a client,
  which is flagged for review when it looks like someone already on file.

ATOMICITY:
  The whole file is processed inside one store transaction. A structural
  error anywhere (constraint violation, lost connection, a failing
  enrollment write) rolls everything back. Row validation problems are not
  structural: the row is skipped, reported, and the rest of the file goes on.

  The UploadLog is created before the transaction and finalized after it,
  so a failed upload is still visible with status "failed". Per-chunk
  progress goes to a Tracker that lives outside the transaction.

PHASES:
  1. Read and normalize every row (fieldmap, normalize)
  2. Load departments, programs and the clients sharing any key with the
     file: source keys, client ids, emails, phones, dates of birth
  3. Classify rows chunk by chunk: update, create (and maybe flag), or skip
  4. Write clients in batches smaller than a chunk
  5. Reconcile each row's enrollment through the interval merger
  6. Recompute the inactive flag of every touched client

CACHES:
  The preloaded population is a read-only snapshot. Clients created by this
  upload go to an overlay index, so later rows see them without re-querying
  the store mid-transaction.

SEE ALSO:
  - errors.go: Stable error codes for structural failures
  - tracker.go: Progress snapshots
  - matching: The duplicate cascade run for new rows
  - enrollment: The interval merger
*/
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/casework/client-dedup/audit"
	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/enrollment"
	"github.com/casework/client-dedup/fieldmap"
	"github.com/casework/client-dedup/matching"
	"github.com/casework/client-dedup/normalize"
	"github.com/casework/client-dedup/tabular"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultSource tags uploads that don't name their source system.
const DefaultSource = "CSV"

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config bounds an upload's work units and result size.
type Config struct {
	ChunkSize     int     // rows classified between flushes
	BatchSize     int     // clients per bulk write; keep below ChunkSize
	FlagThreshold float64 // minimum match score that raises a duplicate flag
	MaxErrors     int     // row errors listed in the result
	MaxDuplicates int     // duplicate details listed in the result
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:     1000,
		BatchSize:     250,
		FlagThreshold: 0.9,
		MaxErrors:     10,
		MaxDuplicates: 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlagThreshold <= 0 {
		c.FlagThreshold = d.FlagThreshold
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = d.MaxErrors
	}
	if c.MaxDuplicates <= 0 {
		c.MaxDuplicates = d.MaxDuplicates
	}
	return c
}

// =============================================================================
// RESULT
// =============================================================================

// DuplicateDetail describes one flag raised by the upload.
type DuplicateDetail struct {
	Row         int             `json:"row"`
	ClientID    core.ClientID   `json:"client_id"`
	ClientName  string          `json:"client_name"`
	MatchedID   core.ClientID   `json:"matched_client_id"`
	MatchedName string          `json:"matched_name"`
	MatchType   core.MatchType  `json:"match_type"`
	Score       decimal.Decimal `json:"score"`
	Confidence  core.Confidence `json:"confidence"`
}

// Result is the payload returned for every upload, failed or not. Counts
// are exact; Errors and Duplicates are capped.
type Result struct {
	UploadID           string            `json:"upload_id"`
	Success            bool              `json:"success"`
	Status             core.UploadStatus `json:"status"`
	Message            string            `json:"message"`
	ErrorCode          ErrorCode         `json:"error_code,omitempty"`
	TotalRows          int               `json:"total_rows"`
	CreatedCount       int               `json:"created_count"`
	UpdatedCount       int               `json:"updated_count"`
	SkippedCount       int               `json:"skipped_count"`
	DuplicatesFlagged  int               `json:"duplicates_flagged_count"`
	EnrollmentsCreated int               `json:"enrollments_created"`
	EnrollmentsMerged  int               `json:"enrollments_merged"`
	ErrorCount         int               `json:"error_count"`
	Errors             []core.RowError   `json:"errors"`
	Duplicates         []DuplicateDetail `json:"duplicate_details"`
	UnmappedColumns    []string          `json:"unmapped_columns,omitempty"`
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs uploads against one store.
type Orchestrator struct {
	store       core.TxStore
	mapper      *fieldmap.Mapper
	matcher     *matching.Matcher
	enrollments *enrollment.Service
	audit       audit.Sink
	tracker     *Tracker
	cfg         Config
	log         *zap.Logger
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg.withDefaults() }
}

func WithAudit(sink audit.Sink) Option {
	return func(o *Orchestrator) { o.audit = sink }
}

func WithTracker(t *Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator. Nil collaborators fall back to defaults.
func New(st core.TxStore, mapper *fieldmap.Mapper, matcher *matching.Matcher, enrollments *enrollment.Service, log *zap.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if mapper == nil {
		mapper = fieldmap.Default()
	}
	if matcher == nil {
		matcher = matching.New(matching.Config{}, log)
	}
	if enrollments == nil {
		enrollments = enrollment.NewService(log)
	}
	o := &Orchestrator{
		store:       st,
		mapper:      mapper,
		matcher:     matcher,
		enrollments: enrollments,
		tracker:     NewTracker(),
		cfg:         DefaultConfig(),
		log:         log.Named("upload"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Tracker returns the progress tracker.
func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// ProcessFile opens name's content by extension and processes it.
func (o *Orchestrator) ProcessFile(ctx context.Context, name string, r io.Reader, source, user string) (Result, error) {
	ul, err := o.startLog(ctx, name, source, user)
	if err != nil {
		return failedResult("", CodeLogCreation), err
	}
	src, err := tabular.Open(name, r)
	if err != nil {
		return o.fail(ctx, ul, err)
	}
	return o.run(ctx, ul, src)
}

// Process ingests every row of src as records of source on behalf of user.
// A structural failure returns a failed Result together with an *Error.
func (o *Orchestrator) Process(ctx context.Context, src tabular.Source, source, user string) (Result, error) {
	ul, err := o.startLog(ctx, "", source, user)
	if err != nil {
		return failedResult("", CodeLogCreation), err
	}
	return o.run(ctx, ul, src)
}

func (o *Orchestrator) startLog(ctx context.Context, name, source, user string) (*core.UploadLog, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		source = DefaultSource
	}
	ul := &core.UploadLog{
		ID:        uuid.NewString(),
		FileName:  name,
		Source:    source,
		Status:    core.UploadRunning,
		CreatedBy: user,
		StartedAt: o.now().UTC(),
	}
	if err := o.store.CreateUploadLog(ctx, ul); err != nil {
		o.log.Error("upload log creation failed", zap.String("file", name), zap.Error(err))
		return nil, codedError(CodeLogCreation, fmt.Errorf("create upload log: %w", err))
	}
	return ul, nil
}

func (o *Orchestrator) run(ctx context.Context, ul *core.UploadLog, src tabular.Source) (Result, error) {
	o.tracker.Update(Progress{UploadID: ul.ID, Phase: PhaseReading})

	columns := src.Columns()
	if len(columns) == 0 {
		src.Close()
		return o.fail(ctx, ul, codedError(CodeNoColumns, errors.New("file has no header row")))
	}
	rows, err := tabular.ReadAll(src)
	if err != nil {
		return o.fail(ctx, ul, codedError(CodeNoColumns, err))
	}
	if len(rows) == 0 {
		return o.fail(ctx, ul, codedError(CodeEmptyFile, nil))
	}

	mapping := o.mapper.MapColumns(columns)
	if !hasIdentityColumn(mapping) {
		return o.fail(ctx, ul, codedError(CodeMissingColumns,
			fmt.Errorf("no client id, name, email or phone column among %q", columns)))
	}
	if unmapped := mapping.Unmapped(); len(unmapped) > 0 {
		o.log.Debug("unmapped columns", zap.String("upload_id", ul.ID), zap.Strings("columns", unmapped))
	}

	records := make([]core.CanonicalRecord, len(rows))
	for i, row := range rows {
		records[i] = normalize.Normalize(i+1, row, mapping)
	}
	ul.TotalRows = len(records)

	p := newPass(o, ul)
	err = o.store.WithTx(ctx, func(tx core.Store) error {
		return p.run(ctx, tx, records)
	})
	if err != nil {
		return o.fail(ctx, ul, err)
	}

	res := o.finish(ctx, ul, p)
	res.UnmappedColumns = mapping.Unmapped()
	return res, nil
}

func hasIdentityColumn(m fieldmap.Mapping) bool {
	for _, f := range []fieldmap.Field{
		fieldmap.ClientID, fieldmap.FirstName, fieldmap.LastName,
		fieldmap.FullName, fieldmap.Email, fieldmap.Phone,
	} {
		if m.Has(f) {
			return true
		}
	}
	return false
}

// finish finalizes a committed upload.
func (o *Orchestrator) finish(ctx context.Context, ul *core.UploadLog, p *pass) Result {
	ctx = context.WithoutCancel(ctx)
	now := o.now().UTC()

	status := core.UploadSuccess
	if p.errorCount > 0 {
		status = core.UploadPartial
	}
	ul.Status = status
	ul.ProcessedRows = ul.TotalRows
	ul.CreatedCount = p.created
	ul.UpdatedCount = p.updated
	ul.SkippedCount = p.skipped
	ul.DuplicateCount = p.flagged
	ul.ErrorCount = p.errorCount
	ul.Errors = p.errors
	ul.FinishedAt = &now
	if err := o.store.UpdateUploadLog(ctx, *ul); err != nil {
		o.log.Error("upload log finalization failed", zap.String("upload_id", ul.ID), zap.Error(err))
	}

	o.tracker.Update(Progress{
		UploadID: ul.ID, Phase: PhaseDone,
		TotalRows: ul.TotalRows, ProcessedRows: ul.TotalRows,
		Chunk: p.chunks, Chunks: p.chunks,
	})

	p.audit.Flush(ctx, o.audit, o.log)
	audit.Emit(ctx, o.audit, o.log, audit.Entry{
		Entity:    audit.EntityUpload,
		EntityID:  ul.ID,
		Action:    audit.ActionUploadDone,
		ChangedBy: ul.CreatedBy,
		Diff: map[string]any{
			"file_name":  ul.FileName,
			"source":     ul.Source,
			"status":     string(status),
			"created":    p.created,
			"updated":    p.updated,
			"skipped":    p.skipped,
			"duplicates": p.flagged,
			"errors":     p.errorCount,
		},
	})

	o.log.Info("upload completed",
		zap.String("upload_id", ul.ID),
		zap.String("source", ul.Source),
		zap.String("status", string(status)),
		zap.Int("rows", ul.TotalRows),
		zap.Int("created", p.created),
		zap.Int("updated", p.updated),
		zap.Int("skipped", p.skipped),
		zap.Int("flagged", p.flagged),
		zap.Int("errors", p.errorCount),
	)

	return Result{
		UploadID:           ul.ID,
		Success:            true,
		Status:             status,
		Message:            summary(p),
		TotalRows:          ul.TotalRows,
		CreatedCount:       p.created,
		UpdatedCount:       p.updated,
		SkippedCount:       p.skipped,
		DuplicatesFlagged:  p.flagged,
		EnrollmentsCreated: p.enrollmentsCreated,
		EnrollmentsMerged:  p.enrollmentsMerged,
		ErrorCount:         p.errorCount,
		Errors:             nonNilErrors(p.errors),
		Duplicates:         nonNilDuplicates(p.duplicates),
	}
}

func summary(p *pass) string {
	return fmt.Sprintf("Processed %d rows: %d created, %d updated, %d skipped, %d flagged as possible duplicates",
		p.rows, p.created, p.updated, p.skipped, p.flagged)
}

// fail finalizes an upload that never committed. Every count is zero
// because nothing was saved.
func (o *Orchestrator) fail(ctx context.Context, ul *core.UploadLog, err error) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	code := Classify(err)
	msg := userMessage(code, err)
	now := o.now().UTC()

	ul.Status = core.UploadFailed
	ul.CreatedCount, ul.UpdatedCount, ul.SkippedCount, ul.DuplicateCount = 0, 0, 0, 0
	ul.ErrorCount = 1
	ul.ErrorCode = string(code)
	ul.ErrorMessage = msg
	ul.FinishedAt = &now
	if uerr := o.store.UpdateUploadLog(ctx, *ul); uerr != nil {
		o.log.Error("upload log finalization failed", zap.String("upload_id", ul.ID), zap.Error(uerr))
	}
	o.tracker.Update(Progress{UploadID: ul.ID, Phase: PhaseFailed, TotalRows: ul.TotalRows})

	audit.Emit(ctx, o.audit, o.log, audit.Entry{
		Entity:    audit.EntityUpload,
		EntityID:  ul.ID,
		Action:    audit.ActionUploadFailed,
		ChangedBy: ul.CreatedBy,
		Diff: map[string]any{
			"file_name":  ul.FileName,
			"source":     ul.Source,
			"error_code": string(code),
		},
	})
	o.log.Warn("upload failed and was rolled back",
		zap.String("upload_id", ul.ID),
		zap.String("code", string(code)),
		zap.Error(err),
	)

	res := failedResult(ul.ID, code)
	res.TotalRows = ul.TotalRows
	res.Message = "Upload failed and was rolled back; no changes were saved. " + msg

	var ue *Error
	if errors.As(err, &ue) {
		return res, err
	}
	return res, codedError(code, err)
}

func failedResult(uploadID string, code ErrorCode) Result {
	return Result{
		UploadID:   uploadID,
		Status:     core.UploadFailed,
		ErrorCode:  code,
		Message:    code.Info().Message,
		Errors:     []core.RowError{},
		Duplicates: []DuplicateDetail{},
	}
}

func nonNilErrors(errs []core.RowError) []core.RowError {
	if errs == nil {
		return []core.RowError{}
	}
	return errs
}

func nonNilDuplicates(ds []DuplicateDetail) []DuplicateDetail {
	if ds == nil {
		return []DuplicateDetail{}
	}
	return ds
}
