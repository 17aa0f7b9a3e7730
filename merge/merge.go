/*
Package merge folds a duplicate client into a primary client.

PURPOSE:
  Two client records describe the same person. Merge keeps the primary,
  resolves each attribute through an explicit field table, moves every
  relationship of the duplicate onto the primary and then deletes the
  duplicate. The whole merge is one store transaction: either the duplicate
  is gone and everything it owned belongs to the primary, or nothing
  changed.

FIELD RESOLUTION:
  Each resolvable attribute has a row in the table in fields.go. A reviewer
  may pick primary, duplicate or a custom value per field. Fields without a
  choice use the automatic policy: keep the primary's value unless it is
  blank, then take the duplicate's. An automatic merge therefore never
  replaces a populated primary value.

IDENTIFIERS:
  The primary keeps its own (source, client_id). Both clients' pairs, plus
  any pairs they had already absorbed, are unioned into the primary's
  legacy ids so the merged client stays findable by every old identifier.
  secondary_source_id records the duplicate's client_id.

MIGRATION ORDER:
  1. Enrollments, reconciled per program through the interval merger
  2. Service restrictions: moved, or archived when the primary already has
     an equivalent one (same scope, program and start date)
  3. Notes and upload links, when the store supports them
  4. Every duplicate flag naming either client
  5. Delete the duplicate

SEE ALSO:
  - fields.go: The resolution table and legacy id union
  - review.go: Acting on pending duplicate flags
  - enrollment: Interval merger used in step 1
*/
package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/casework/client-dedup/audit"
	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/enrollment"
	"go.uber.org/zap"
)

// Merge stages reported in core.MergeError.
const (
	StageValidate     = "validate"
	StageLoad         = "load"
	StageFields       = "fields"
	StageSave         = "save"
	StageEnrollments  = "enrollments"
	StageRestrictions = "restrictions"
	StageLinkage      = "linkage"
	StageDuplicates   = "duplicates"
	StageDelete       = "delete"
	StageInactive     = "inactive"
)

// Outcome describes a completed merge.
type Outcome struct {
	Primary              core.ClientRecord `json:"primary"`
	DuplicateID          core.ClientID     `json:"duplicate_id"`
	ChangedFields        []string          `json:"changed_fields"`
	LegacyIDs            []core.LegacyID   `json:"legacy_client_ids"`
	EnrollmentsMoved     int               `json:"enrollments_moved"`
	EnrollmentsMerged    int               `json:"enrollments_merged"`
	RestrictionsMoved    int               `json:"restrictions_moved"`
	RestrictionsArchived int               `json:"restrictions_archived"`
	LinksMoved           int               `json:"links_moved"`
	FlagsDeleted         int               `json:"flags_deleted"`
	LinkageSkipped       bool              `json:"linkage_skipped,omitempty"`

	actor     string
	duplicate core.ClientRecord
}

// Engine merges clients.
type Engine struct {
	store       core.TxStore
	enrollments *enrollment.Service
	audit       audit.Sink
	log         *zap.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithAudit(sink audit.Sink) Option {
	return func(e *Engine) { e.audit = sink }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine. A nil enrollment service gets a default one.
func New(st core.TxStore, enrollments *enrollment.Service, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if enrollments == nil {
		enrollments = enrollment.NewService(log)
	}
	e := &Engine{
		store:       st,
		enrollments: enrollments,
		log:         log.Named("merge"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Merge folds duplicateID into primaryID in one transaction and records
// the merge in the audit trail after commit.
func (e *Engine) Merge(ctx context.Context, primaryID, duplicateID core.ClientID, r Resolution, actor string) (*Outcome, error) {
	var out *Outcome
	err := e.store.WithTx(ctx, func(tx core.Store) error {
		var err error
		out, err = e.MergeWithin(ctx, tx, primaryID, duplicateID, r, actor)
		return err
	})
	if err != nil {
		e.log.Warn("merge rolled back",
			zap.Int64("primary_id", int64(primaryID)),
			zap.Int64("duplicate_id", int64(duplicateID)),
			zap.Error(err),
		)
		return nil, err
	}
	e.Record(ctx, out)
	return out, nil
}

// MergeWithin runs a merge on a caller-owned transaction view. It writes no
// audit entries; pass the outcome to Record once the caller commits.
func (e *Engine) MergeWithin(ctx context.Context, tx core.Store, primaryID, duplicateID core.ClientID, r Resolution, actor string) (*Outcome, error) {
	fail := func(stage string, err error) (*Outcome, error) {
		return nil, &core.MergeError{PrimaryID: primaryID, DuplicateID: duplicateID, Stage: stage, Err: err}
	}

	if primaryID == duplicateID {
		return fail(StageValidate, core.ErrSelfMerge)
	}
	if err := r.Validate(); err != nil {
		return fail(StageValidate, err)
	}

	primary, err := tx.GetClient(ctx, primaryID)
	if err != nil {
		return fail(StageLoad, fmt.Errorf("primary: %w", err))
	}
	duplicate, err := tx.GetClient(ctx, duplicateID)
	if err != nil {
		return fail(StageLoad, fmt.Errorf("duplicate: %w", err))
	}

	out := &Outcome{DuplicateID: duplicateID, actor: actor, duplicate: *duplicate}
	now := e.now().UTC()

	// Identifiers are captured before any field is overwritten.
	merged := *primary
	merged.LegacyIDs = unionLegacyIDs(*primary, *duplicate, core.LegacyID{MergedAt: now, MergedBy: actor})
	merged.SecondarySourceID = duplicate.ClientID

	if out.ChangedFields, err = resolveFields(&merged, duplicate, r); err != nil {
		return fail(StageFields, err)
	}
	merged.UpdatedBy = actor
	if err := tx.UpdateClients(ctx, []core.ClientRecord{merged}); err != nil {
		return fail(StageSave, err)
	}
	out.LegacyIDs = merged.LegacyIDs

	if err := e.moveEnrollments(ctx, tx, primaryID, duplicateID, out); err != nil {
		return fail(StageEnrollments, err)
	}
	if err := moveRestrictions(ctx, tx, primaryID, duplicateID, out); err != nil {
		return fail(StageRestrictions, err)
	}

	if ls, ok := tx.(core.LinkageStore); ok {
		if out.LinksMoved, err = ls.ReassignLinks(ctx, duplicateID, primaryID); err != nil {
			return fail(StageLinkage, err)
		}
	} else {
		out.LinkageSkipped = true
		e.log.Debug("store has no linkage tables; skipping reassignment",
			zap.Int64("duplicate_id", int64(duplicateID)))
	}

	for _, id := range []core.ClientID{duplicateID, primaryID} {
		n, err := tx.DeleteDuplicatesFor(ctx, id)
		if err != nil {
			return fail(StageDuplicates, err)
		}
		out.FlagsDeleted += n
	}

	if err := tx.DeleteClient(ctx, duplicateID); err != nil {
		return fail(StageDelete, err)
	}

	if _, err := e.enrollments.RefreshInactive(ctx, tx, []core.ClientID{primaryID}); err != nil {
		return fail(StageInactive, err)
	}
	final, err := tx.GetClient(ctx, primaryID)
	if err != nil {
		return fail(StageLoad, err)
	}
	out.Primary = *final
	return out, nil
}

// moveEnrollments re-homes every duplicate enrollment. Live ones go through
// the interval merger so the primary never ends up with overlapping
// enrollments in one program; archived ones are re-pointed as history.
func (e *Engine) moveEnrollments(ctx context.Context, tx core.Store, primaryID, duplicateID core.ClientID, out *Outcome) error {
	list, err := tx.ListEnrollments(ctx, core.EnrollmentFilter{
		ClientIDs:       []core.ClientID{duplicateID},
		IncludeArchived: true,
	})
	if err != nil {
		return err
	}
	for _, en := range list {
		if en.IsArchived {
			en.ClientID = primaryID
			if err := tx.UpdateEnrollment(ctx, en); err != nil {
				return err
			}
			continue
		}
		incoming := en
		res, err := e.enrollments.Apply(ctx, tx, primaryID, en.ProgramID, enrollment.Request{Incoming: &incoming})
		if err != nil {
			return fmt.Errorf("enrollment %d: %w", en.ID, err)
		}
		if res.Merged {
			out.EnrollmentsMerged++
		} else {
			out.EnrollmentsMoved++
		}
	}
	return nil
}

func moveRestrictions(ctx context.Context, tx core.Store, primaryID, duplicateID core.ClientID, out *Outcome) error {
	existing, err := tx.ListRestrictions(ctx, primaryID)
	if err != nil {
		return err
	}
	moving, err := tx.ListRestrictions(ctx, duplicateID)
	if err != nil {
		return err
	}
	for _, r := range moving {
		equivalent := false
		for _, p := range existing {
			if !p.IsArchived && p.Equivalent(r) {
				equivalent = true
				break
			}
		}
		r.ClientID = primaryID
		if equivalent && !r.IsArchived {
			r.IsArchived = true
			out.RestrictionsArchived++
		} else if !r.IsArchived {
			out.RestrictionsMoved++
			existing = append(existing, r)
		}
		if err := tx.UpdateRestriction(ctx, r); err != nil {
			return fmt.Errorf("restriction %d: %w", r.ID, err)
		}
	}
	return nil
}

// Record writes the audit entries for a committed merge and logs it.
func (e *Engine) Record(ctx context.Context, out *Outcome) {
	if out == nil {
		return
	}
	primaryID := fmt.Sprint(out.Primary.ID)
	audit.Emit(ctx, e.audit, e.log,
		audit.Entry{
			Entity:    audit.EntityClient,
			EntityID:  primaryID,
			Action:    audit.ActionMerge,
			ChangedBy: out.actor,
			Diff: map[string]any{
				"merged_client_id":      out.DuplicateID,
				"merged_source":         out.duplicate.Source,
				"merged_source_id":      out.duplicate.ClientID,
				"changed_fields":        out.ChangedFields,
				"enrollments_moved":     out.EnrollmentsMoved,
				"enrollments_merged":    out.EnrollmentsMerged,
				"restrictions_moved":    out.RestrictionsMoved,
				"restrictions_archived": out.RestrictionsArchived,
			},
		},
		audit.Entry{
			Entity:    audit.EntityClient,
			EntityID:  fmt.Sprint(out.DuplicateID),
			Action:    audit.ActionMerge,
			ChangedBy: out.actor,
			Diff: map[string]any{
				"merged_into": out.Primary.ID,
				"first_name":  out.duplicate.FirstName,
				"last_name":   out.duplicate.LastName,
				"source":      out.duplicate.Source,
				"client_id":   out.duplicate.ClientID,
			},
		},
	)
	e.log.Info("clients merged",
		zap.Int64("primary_id", int64(out.Primary.ID)),
		zap.Int64("duplicate_id", int64(out.DuplicateID)),
		zap.Strings("changed_fields", out.ChangedFields),
		zap.Int("enrollments_moved", out.EnrollmentsMoved),
		zap.Int("enrollments_merged", out.EnrollmentsMerged),
		zap.Int("flags_deleted", out.FlagsDeleted),
	)
}
