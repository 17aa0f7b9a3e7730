package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casework/client-dedup/core"
	"github.com/shopspring/decimal"
)

// =============================================================================
// DUPLICATE FLAGS (core.DuplicateStore interface)
// =============================================================================

const duplicateSelect = `
	SELECT id, primary_client_id, duplicate_client_id, similarity_score, match_type,
	       confidence_level, status, detected_by, match_details_json, created_at,
	       resolved_at, resolved_by
	FROM client_duplicates`

func (q *queries) GetDuplicate(ctx context.Context, id core.DuplicateID) (*core.ClientDuplicate, error) {
	dups, err := q.queryDuplicates(ctx, duplicateSelect+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(dups) == 0 {
		return nil, core.ErrDuplicateNotFound
	}
	return &dups[0], nil
}

func (q *queries) ListDuplicates(ctx context.Context, f core.DuplicateFilter) ([]core.ClientDuplicate, error) {
	where, args := duplicateWhere(f)
	dups, err := q.queryDuplicates(ctx, duplicateSelect+where+" ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	// Scores are decimal text; compare them exactly in Go.
	return filterByScore(dups, f.BelowScore), nil
}

func (q *queries) FindDuplicatePair(ctx context.Context, a, b core.ClientID) (*core.ClientDuplicate, error) {
	key := core.PairKey(a, b)
	dups, err := q.queryDuplicates(ctx,
		duplicateSelect+" WHERE pair_low = ? AND pair_high = ? ORDER BY id DESC LIMIT 1",
		key[0], key[1])
	if err != nil {
		return nil, err
	}
	if len(dups) == 0 {
		return nil, nil
	}
	return &dups[0], nil
}

func (q *queries) CreateDuplicate(ctx context.Context, d *core.ClientDuplicate) error {
	if d.Status == "" {
		d.Status = core.DuplicatePending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	details, err := encodeDetails(d.MatchDetails)
	if err != nil {
		return err
	}

	key := core.PairKey(d.PrimaryID, d.DuplicateID)
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO client_duplicates
		(primary_client_id, duplicate_client_id, pair_low, pair_high, similarity_score,
		 match_type, confidence_level, status, detected_by, match_details_json,
		 created_at, resolved_at, resolved_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.PrimaryID, d.DuplicateID, key[0], key[1], d.Score.String(),
		d.MatchType, d.Confidence, d.Status, d.DetectedBy, details,
		formatTime(d.CreatedAt), nullTime(d.ResolvedAt), d.ResolvedBy,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrPairAlreadyFlagged
		}
		return fmt.Errorf("failed to insert duplicate flag: %w", err)
	}
	id, err := res.LastInsertId()
	d.ID = core.DuplicateID(id)
	return err
}

func (q *queries) UpdateDuplicate(ctx context.Context, d core.ClientDuplicate) error {
	details, err := encodeDetails(d.MatchDetails)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE client_duplicates SET
			similarity_score = ?, match_type = ?, confidence_level = ?, status = ?,
			match_details_json = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ?`,
		d.Score.String(), d.MatchType, d.Confidence, d.Status,
		details, nullTime(d.ResolvedAt), d.ResolvedBy, d.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrPairAlreadyFlagged
		}
		return fmt.Errorf("failed to update duplicate flag %d: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrDuplicateNotFound
	}
	return nil
}

func (q *queries) DeleteDuplicatesFor(ctx context.Context, id core.ClientID) (int, error) {
	res, err := q.db.ExecContext(ctx,
		"DELETE FROM client_duplicates WHERE primary_client_id = ? OR duplicate_client_id = ?", id, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete flags for client %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteDuplicates removes flags matching f.
func (q *queries) DeleteDuplicates(ctx context.Context, f core.DuplicateFilter) (int, error) {
	dups, err := q.ListDuplicates(ctx, f)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, d := range dups {
		if _, err := q.db.ExecContext(ctx, "DELETE FROM client_duplicates WHERE id = ?", d.ID); err != nil {
			return deleted, fmt.Errorf("failed to delete flag %d: %w", d.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

func (q *queries) queryDuplicates(ctx context.Context, query string, args ...any) ([]core.ClientDuplicate, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate flags: %w", err)
	}
	defer rows.Close()

	var out []core.ClientDuplicate
	for rows.Next() {
		var (
			d          core.ClientDuplicate
			score      string
			details    string
			createdAt  string
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.PrimaryID, &d.DuplicateID, &score, &d.MatchType,
			&d.Confidence, &d.Status, &d.DetectedBy, &details, &createdAt,
			&resolvedAt, &d.ResolvedBy); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate flag: %w", err)
		}
		if d.Score, err = decimal.NewFromString(score); err != nil {
			return nil, fmt.Errorf("duplicate flag %d score: %w", d.ID, err)
		}
		if err := json.Unmarshal([]byte(details), &d.MatchDetails); err != nil {
			return nil, fmt.Errorf("duplicate flag %d details: %w", d.ID, err)
		}
		d.CreatedAt = parseTime(createdAt)
		d.ResolvedAt = parseNullTime(resolvedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func duplicateWhere(f core.DuplicateFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.ClientID != 0 {
		where = append(where, "(primary_client_id = ? OR duplicate_client_id = ?)")
		args = append(args, f.ClientID, f.ClientID)
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func filterByScore(dups []core.ClientDuplicate, bound *decimal.Decimal) []core.ClientDuplicate {
	if bound == nil {
		return dups
	}
	out := dups[:0]
	for _, d := range dups {
		if d.Score.LessThan(*bound) {
			out = append(out, d)
		}
	}
	return out
}

func encodeDetails(details map[string]any) (string, error) {
	if details == nil {
		details = map[string]any{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode match details: %w", err)
	}
	return string(b), nil
}

// =============================================================================
// UPLOAD LOGS (core.UploadLogStore interface)
// =============================================================================

func (q *queries) CreateUploadLog(ctx context.Context, l *core.UploadLog) error {
	if l.StartedAt.IsZero() {
		l.StartedAt = time.Now().UTC()
	}
	rowErrors, err := marshalRowErrors(l.Errors)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO upload_logs
		(id, file_name, source, status, total_rows, processed_rows, created_count, updated_count,
		 skipped_count, duplicate_count, error_count, error_code, error_message, errors_json,
		 created_by, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.FileName, l.Source, l.Status, l.TotalRows, l.ProcessedRows, l.CreatedCount,
		l.UpdatedCount, l.SkippedCount, l.DuplicateCount, l.ErrorCount, l.ErrorCode,
		l.ErrorMessage, rowErrors, l.CreatedBy, formatTime(l.StartedAt), nullTime(l.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert upload log: %w", err)
	}
	return nil
}

func (q *queries) UpdateUploadLog(ctx context.Context, l core.UploadLog) error {
	rowErrors, err := marshalRowErrors(l.Errors)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE upload_logs SET
			status = ?, total_rows = ?, processed_rows = ?, created_count = ?, updated_count = ?,
			skipped_count = ?, duplicate_count = ?, error_count = ?, error_code = ?,
			error_message = ?, errors_json = ?, finished_at = ?
		WHERE id = ?`,
		l.Status, l.TotalRows, l.ProcessedRows, l.CreatedCount, l.UpdatedCount,
		l.SkippedCount, l.DuplicateCount, l.ErrorCount, l.ErrorCode,
		l.ErrorMessage, rowErrors, nullTime(l.FinishedAt), l.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update upload log %s: %w", l.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrUploadNotFound
	}
	return nil
}

func (q *queries) GetUploadLog(ctx context.Context, id string) (*core.UploadLog, error) {
	var (
		l          core.UploadLog
		rowErrors  string
		startedAt  string
		finishedAt sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, file_name, source, status, total_rows, processed_rows, created_count,
		       updated_count, skipped_count, duplicate_count, error_count, error_code,
		       error_message, errors_json, created_by, started_at, finished_at
		FROM upload_logs WHERE id = ?`, id,
	).Scan(&l.ID, &l.FileName, &l.Source, &l.Status, &l.TotalRows, &l.ProcessedRows,
		&l.CreatedCount, &l.UpdatedCount, &l.SkippedCount, &l.DuplicateCount, &l.ErrorCount,
		&l.ErrorCode, &l.ErrorMessage, &rowErrors, &l.CreatedBy, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload log %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(rowErrors), &l.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode errors of upload log %s: %w", id, err)
	}
	l.StartedAt = parseTime(startedAt)
	l.FinishedAt = parseNullTime(finishedAt)
	return &l, nil
}

func marshalRowErrors(errs []core.RowError) (string, error) {
	if len(errs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("failed to encode upload errors: %w", err)
	}
	return string(b), nil
}

func (q *queries) LinkUploadClients(ctx context.Context, uploadID string, ids []core.ClientID) error {
	for _, id := range ids {
		if _, err := q.db.ExecContext(ctx,
			"INSERT INTO upload_log_clients (upload_id, client_id) VALUES (?, ?)", uploadID, id); err != nil {
			return fmt.Errorf("failed to link client %d to upload %s: %w", id, uploadID, err)
		}
	}
	return nil
}
