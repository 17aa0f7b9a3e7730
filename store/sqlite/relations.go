package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/casework/client-dedup/core"
)

// =============================================================================
// PROGRAMS (core.ProgramStore interface)
// =============================================================================

func (q *queries) SaveDepartment(ctx context.Context, d *core.Department) error {
	if d.ID != 0 {
		_, err := q.db.ExecContext(ctx, "UPDATE departments SET name = ? WHERE id = ?", d.Name, d.ID)
		return err
	}
	res, err := q.db.ExecContext(ctx, "INSERT INTO departments (name) VALUES (?)", d.Name)
	if err != nil {
		return fmt.Errorf("failed to save department %q: %w", d.Name, err)
	}
	id, err := res.LastInsertId()
	d.ID = core.DepartmentID(id)
	return err
}

func (q *queries) ListDepartments(ctx context.Context) ([]core.Department, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT id, name FROM departments ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list departments: %w", err)
	}
	defer rows.Close()

	var out []core.Department
	for rows.Next() {
		var d core.Department
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q *queries) SaveProgram(ctx context.Context, p *core.Program) error {
	var dept any
	if p.DepartmentID != 0 {
		dept = p.DepartmentID
	}
	if p.ID != 0 {
		_, err := q.db.ExecContext(ctx,
			"UPDATE programs SET name = ?, department_id = ?, is_active = ? WHERE id = ?",
			p.Name, dept, p.IsActive, p.ID)
		return err
	}
	res, err := q.db.ExecContext(ctx,
		"INSERT INTO programs (name, department_id, is_active) VALUES (?, ?, ?)",
		p.Name, dept, p.IsActive)
	if err != nil {
		return fmt.Errorf("failed to save program %q: %w", p.Name, err)
	}
	id, err := res.LastInsertId()
	p.ID = core.ProgramID(id)
	return err
}

func (q *queries) ListPrograms(ctx context.Context) ([]core.Program, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, name, COALESCE(department_id, 0), is_active FROM programs ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list programs: %w", err)
	}
	defer rows.Close()

	var out []core.Program
	for rows.Next() {
		var p core.Program
		if err := rows.Scan(&p.ID, &p.Name, &p.DepartmentID, &p.IsActive); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// ENROLLMENTS (core.EnrollmentStore interface)
// =============================================================================

func (q *queries) ListEnrollments(ctx context.Context, f core.EnrollmentFilter) ([]core.Enrollment, error) {
	var (
		where []string
		args  []any
	)
	if len(f.ClientIDs) > 0 {
		where = append(where, "client_id IN ("+placeholders(len(f.ClientIDs))+")")
		for _, id := range f.ClientIDs {
			args = append(args, id)
		}
	}
	if f.ProgramID != 0 {
		where = append(where, "program_id = ?")
		args = append(args, f.ProgramID)
	}
	if !f.IncludeArchived {
		where = append(where, "is_archived = 0")
	}

	query := `
		SELECT id, client_id, program_id, start_date, end_date, status, notes,
		       is_archived, created_by, created_at, updated_at
		FROM enrollments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_date ASC, id ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer rows.Close()

	var out []core.Enrollment
	for rows.Next() {
		var (
			e                    core.Enrollment
			start                string
			end                  sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&e.ID, &e.ClientID, &e.ProgramID, &start, &end, &e.Status, &e.Notes,
			&e.IsArchived, &e.CreatedBy, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		if e.Start, err = core.ParseDate(start); err != nil {
			return nil, err
		}
		e.End = parseNullDate(end)
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *queries) CreateEnrollment(ctx context.Context, e *core.Enrollment) error {
	now := time.Now().UTC()
	e.Status = e.DeriveStatus()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO enrollments
		(client_id, program_id, start_date, end_date, status, notes, is_archived, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ClientID, e.ProgramID, e.Start.String(), nullDate(e.End), e.Status, e.Notes,
		e.IsArchived, e.CreatedBy, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to insert enrollment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = core.EnrollmentID(id)
	e.CreatedAt, e.UpdatedAt = now, now
	return nil
}

func (q *queries) UpdateEnrollment(ctx context.Context, e core.Enrollment) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE enrollments SET
			client_id = ?, program_id = ?, start_date = ?, end_date = ?, status = ?,
			notes = ?, is_archived = ?, updated_at = ?
		WHERE id = ?`,
		e.ClientID, e.ProgramID, e.Start.String(), nullDate(e.End), e.DeriveStatus(),
		e.Notes, e.IsArchived, formatTime(time.Now()), e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update enrollment %d: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrEnrollmentNotFound
	}
	return nil
}

func (q *queries) ListRestrictions(ctx context.Context, clientID core.ClientID) ([]core.ServiceRestriction, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, client_id, scope, program_id, start_date, end_date, reason, is_archived, created_at
		FROM service_restrictions WHERE client_id = ? ORDER BY id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query restrictions: %w", err)
	}
	defer rows.Close()

	var out []core.ServiceRestriction
	for rows.Next() {
		var (
			r         core.ServiceRestriction
			program   sql.NullInt64
			start     string
			end       sql.NullString
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.ClientID, &r.Scope, &program, &start, &end,
			&r.Reason, &r.IsArchived, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan restriction: %w", err)
		}
		if program.Valid {
			p := core.ProgramID(program.Int64)
			r.ProgramID = &p
		}
		if r.Start, err = core.ParseDate(start); err != nil {
			return nil, err
		}
		r.End = parseNullDate(end)
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *queries) CreateRestriction(ctx context.Context, r *core.ServiceRestriction) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO service_restrictions
		(client_id, scope, program_id, start_date, end_date, reason, is_archived, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ClientID, r.Scope, nullProgram(r.ProgramID), r.Start.String(), nullDate(r.End),
		r.Reason, r.IsArchived, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert restriction: %w", err)
	}
	id, err := res.LastInsertId()
	r.ID = core.RestrictionID(id)
	return err
}

func (q *queries) UpdateRestriction(ctx context.Context, r core.ServiceRestriction) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE service_restrictions SET
			client_id = ?, scope = ?, program_id = ?, start_date = ?, end_date = ?,
			reason = ?, is_archived = ?
		WHERE id = ?`,
		r.ClientID, r.Scope, nullProgram(r.ProgramID), r.Start.String(), nullDate(r.End),
		r.Reason, r.IsArchived, r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update restriction %d: %w", r.ID, err)
	}
	return nil
}

func nullProgram(p *core.ProgramID) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

// =============================================================================
// LINKAGE (core.LinkageStore interface)
// =============================================================================

func (q *queries) CreateNote(ctx context.Context, n *core.ClientNote) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	res, err := q.db.ExecContext(ctx,
		"INSERT INTO client_notes (client_id, title, content, created_at) VALUES (?, ?, ?, ?)",
		n.ClientID, n.Title, n.Content, formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	id, err := res.LastInsertId()
	n.ID = core.NoteID(id)
	return err
}

func (q *queries) ListNotes(ctx context.Context, clientID core.ClientID) ([]core.ClientNote, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, client_id, title, content, created_at FROM client_notes WHERE client_id = ? ORDER BY id",
		clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var out []core.ClientNote
	for rows.Next() {
		var (
			n         core.ClientNote
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.ClientID, &n.Title, &n.Content, &createdAt); err != nil {
			return nil, err
		}
		n.CreatedAt = parseTime(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ReassignLinks moves notes and upload links. Tables that don't exist (an
// older schema) are skipped.
func (q *queries) ReassignLinks(ctx context.Context, from, to core.ClientID) (int, error) {
	moved := 0
	for _, table := range []string{"client_notes", "upload_log_clients"} {
		exists, err := q.tableExists(ctx, table)
		if err != nil {
			return moved, err
		}
		if !exists {
			continue
		}
		res, err := q.db.ExecContext(ctx, "UPDATE "+table+" SET client_id = ? WHERE client_id = ?", to, from)
		if err != nil {
			return moved, fmt.Errorf("failed to reassign %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		moved += int(n)
	}
	return moved, nil
}

func (q *queries) tableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&count)
	return count > 0, err
}
