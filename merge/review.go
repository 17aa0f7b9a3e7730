package merge

import (
	"context"
	"fmt"

	"github.com/casework/client-dedup/audit"
	"github.com/casework/client-dedup/core"
	"go.uber.org/zap"
)

// =============================================================================
// REVIEW ACTIONS - Decisions on a pending duplicate flag
// =============================================================================

// ResolveDuplicate merges the pair behind flag id. keep picks the surviving
// client and must be one side of the pair; zero keeps the flag's primary.
// The flag itself is removed with every other flag naming either client.
func (e *Engine) ResolveDuplicate(ctx context.Context, id core.DuplicateID, keep core.ClientID, r Resolution, actor string) (*Outcome, error) {
	var out *Outcome
	err := e.store.WithTx(ctx, func(tx core.Store) error {
		d, err := openFlag(ctx, tx, id)
		if err != nil {
			return err
		}
		primaryID, duplicateID := d.PrimaryID, d.DuplicateID
		switch keep {
		case 0, d.PrimaryID:
		case d.DuplicateID:
			primaryID, duplicateID = d.DuplicateID, d.PrimaryID
		default:
			return fmt.Errorf("%w: client %d is not part of duplicate %d", core.ErrInvalidFieldChoice, keep, id)
		}
		out, err = e.MergeWithin(ctx, tx, primaryID, duplicateID, r, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Record(ctx, out)
	return out, nil
}

// Confirm marks a pending flag as a confirmed duplicate awaiting a merge.
func (e *Engine) Confirm(ctx context.Context, id core.DuplicateID, actor string) (*core.ClientDuplicate, error) {
	return e.transition(ctx, id, core.DuplicateConfirmed, audit.ActionConfirm, actor)
}

// MarkNotDuplicate closes a flag as a false positive. The pair stays on
// record, so later scans skip it.
func (e *Engine) MarkNotDuplicate(ctx context.Context, id core.DuplicateID, actor string) (*core.ClientDuplicate, error) {
	return e.transition(ctx, id, core.DuplicateNotDuplicate, audit.ActionDismiss, actor)
}

func (e *Engine) transition(ctx context.Context, id core.DuplicateID, to core.DuplicateStatus, action, actor string) (*core.ClientDuplicate, error) {
	var updated core.ClientDuplicate
	err := e.store.WithTx(ctx, func(tx core.Store) error {
		d, err := openFlag(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.Status == to {
			return fmt.Errorf("%w: duplicate %d is already %s", core.ErrAlreadyResolved, id, to)
		}
		from := d.Status
		d.Status = to
		if to != core.DuplicateConfirmed {
			now := e.now().UTC()
			d.ResolvedAt = &now
			d.ResolvedBy = actor
		}
		if err := tx.UpdateDuplicate(ctx, *d); err != nil {
			return err
		}
		updated = *d
		e.log.Info("duplicate flag updated",
			zap.Int64("duplicate_id", int64(id)),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("by", actor),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	audit.Emit(ctx, e.audit, e.log, audit.Entry{
		Entity:    audit.EntityDuplicate,
		EntityID:  fmt.Sprint(id),
		Action:    action,
		ChangedBy: actor,
		Diff: map[string]any{
			"primary_id":   updated.PrimaryID,
			"duplicate_id": updated.DuplicateID,
			"status":       string(to),
		},
	})
	return &updated, nil
}

// openFlag loads a flag that is still actionable: pending or confirmed.
func openFlag(ctx context.Context, tx core.Store, id core.DuplicateID) (*core.ClientDuplicate, error) {
	d, err := tx.GetDuplicate(ctx, id)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case core.DuplicatePending, core.DuplicateConfirmed:
		return d, nil
	default:
		return nil, fmt.Errorf("%w: duplicate %d is %s", core.ErrAlreadyResolved, id, d.Status)
	}
}
