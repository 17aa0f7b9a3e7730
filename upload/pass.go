package upload

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/casework/client-dedup/audit"
	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/enrollment"
	"github.com/casework/client-dedup/matching"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// clientRef points at a client that may not have an id yet. Clients created
// by this upload are known by ExternalID until their batch is written.
type clientRef struct {
	id       core.ClientID
	external string
}

type pendingFlag struct {
	row     int
	client  clientRef
	matched clientRef
	match   matching.Match
	name    string
}

type enrollRow struct {
	rec    core.CanonicalRecord
	client clientRef
}

// pass holds the state of one upload inside its transaction.
type pass struct {
	o      *Orchestrator
	upload *core.UploadLog
	tx     core.Store

	programs    programCache
	pop         *matching.Layered
	updateBatch bool

	newClients map[string]*core.ClientRecord // by ExternalID
	createdIDs map[core.ClientID]bool
	pending    []string
	current    map[core.ClientID]*core.ClientRecord // latest state of stored clients
	dirty      []core.ClientID
	changed    map[core.ClientID][]string
	flags      []pendingFlag
	enrollRows []enrollRow
	touched    []core.ClientID
	touchedSet map[core.ClientID]bool

	rows, chunks       int
	created, updated   int
	skipped, flagged   int
	enrollmentsCreated int
	enrollmentsMerged  int
	errorCount         int
	errors             []core.RowError
	duplicates         []DuplicateDetail

	audit audit.Buffer
}

func newPass(o *Orchestrator, ul *core.UploadLog) *pass {
	return &pass{
		o:          o,
		upload:     ul,
		newClients: make(map[string]*core.ClientRecord),
		createdIDs: make(map[core.ClientID]bool),
		current:    make(map[core.ClientID]*core.ClientRecord),
		changed:    make(map[core.ClientID][]string),
		touchedSet: make(map[core.ClientID]bool),
	}
}

func (p *pass) source() string { return p.upload.Source }
func (p *pass) user() string   { return p.upload.CreatedBy }

// run is the body of the upload transaction.
func (p *pass) run(ctx context.Context, tx core.Store, records []core.CanonicalRecord) error {
	p.tx = tx
	p.rows = len(records)
	cfg := p.o.cfg

	p.o.tracker.Update(Progress{UploadID: p.upload.ID, Phase: PhaseCaching, TotalRows: len(records)})
	if err := p.loadCaches(ctx, records); err != nil {
		return err
	}

	p.chunks = (len(records) + cfg.ChunkSize - 1) / cfg.ChunkSize
	for chunk := 0; chunk < p.chunks; chunk++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := chunk * cfg.ChunkSize
		end := min(start+cfg.ChunkSize, len(records))
		for _, rec := range records[start:end] {
			if err := p.row(rec); err != nil {
				return err
			}
			if len(p.pending) >= cfg.BatchSize {
				if err := p.flushCreates(ctx); err != nil {
					return err
				}
			}
		}
		if err := p.flush(ctx); err != nil {
			return err
		}
		p.o.tracker.Update(Progress{
			UploadID: p.upload.ID, Phase: PhaseRows,
			TotalRows: len(records), ProcessedRows: end,
			Chunk: chunk + 1, Chunks: p.chunks,
		})
		p.o.log.Debug("upload chunk processed",
			zap.String("upload_id", p.upload.ID),
			zap.Int("chunk", chunk+1),
			zap.Int("chunks", p.chunks),
			zap.Int("rows", end),
		)
	}

	p.o.tracker.Update(Progress{
		UploadID: p.upload.ID, Phase: PhaseEnrollments,
		TotalRows: len(records), ProcessedRows: len(records), Chunk: p.chunks, Chunks: p.chunks,
	})
	if err := p.applyEnrollments(ctx); err != nil {
		return err
	}

	p.o.tracker.Update(Progress{
		UploadID: p.upload.ID, Phase: PhaseInactive,
		TotalRows: len(records), ProcessedRows: len(records), Chunk: p.chunks, Chunks: p.chunks,
	})
	if err := p.refreshInactive(ctx); err != nil {
		return err
	}

	if len(p.touched) > 0 {
		if err := tx.LinkUploadClients(ctx, p.upload.ID, p.touched); err != nil {
			return fmt.Errorf("link upload clients: %w", err)
		}
	}
	return nil
}

// =============================================================================
// CACHES
// =============================================================================

func (p *pass) loadCaches(ctx context.Context, records []core.CanonicalRecord) error {
	departments, err := p.tx.ListDepartments(ctx)
	if err != nil {
		return fmt.Errorf("load departments: %w", err)
	}
	programs, err := p.tx.ListPrograms(ctx)
	if err != nil {
		return fmt.Errorf("load programs: %w", err)
	}
	p.programs = newProgramCache(departments, programs)

	var existing []core.ClientRecord
	if lookup := lookupFor(records, p.source()); !lookup.IsEmpty() {
		if existing, err = p.tx.FindClients(ctx, lookup); err != nil {
			return fmt.Errorf("load clients: %w", err)
		}
	}
	base := matching.NewIndex(existing)
	p.pop = matching.NewLayered(base)

	for _, rec := range records {
		id := core.StringValue(rec.ClientID)
		if id != "" && len(base.BySourceKey(core.NewSourceKey(p.source(), id))) > 0 {
			p.updateBatch = true
			break
		}
	}

	p.o.log.Debug("upload caches loaded",
		zap.String("upload_id", p.upload.ID),
		zap.Int("clients", base.Len()),
		zap.Int("programs", len(programs)),
		zap.Bool("update_batch", p.updateBatch),
	)
	return nil
}

// lookupFor collects every key in the file so only clients that could
// match are loaded.
func lookupFor(records []core.CanonicalRecord, source string) core.ClientLookup {
	var l core.ClientLookup
	seenKeys := make(map[core.SourceKey]bool)
	seen := make(map[string]bool)
	seenDOB := make(map[core.Date]bool)
	add := func(kind, v string, dst *[]string) {
		if v == "" || seen[kind+v] {
			return
		}
		seen[kind+v] = true
		*dst = append(*dst, v)
	}

	for _, rec := range records {
		if id := strings.TrimSpace(core.StringValue(rec.ClientID)); id != "" {
			k := core.NewSourceKey(source, id)
			if !seenKeys[k] {
				seenKeys[k] = true
				l.SourceKeys = append(l.SourceKeys, k)
			}
			add("id:", id, &l.ClientIDs)
		}
		add("email:", strings.ToLower(core.StringValue(rec.Email)), &l.Emails)
		add("phone:", core.StringValue(rec.Phone), &l.Phones)
		if rec.DOB != nil && !rec.DOB.IsPlaceholder() && !seenDOB[*rec.DOB] {
			seenDOB[*rec.DOB] = true
			l.DOBs = append(l.DOBs, *rec.DOB)
		}
	}
	return l
}

// =============================================================================
// ROW CLASSIFICATION
// =============================================================================

func (p *pass) row(rec core.CanonicalRecord) error {
	if !rec.HasIdentity() {
		p.skip(rec.Row, "", CodeNoIdentity, "row has no client id, name, email or phone")
		return nil
	}

	clientID := strings.TrimSpace(core.StringValue(rec.ClientID))
	if clientID != "" {
		if hits := p.pop.BySourceKey(core.NewSourceKey(p.source(), clientID)); len(hits) > 0 {
			return p.update(rec, hits[0])
		}
	}

	switch {
	case p.updateBatch && clientID == "":
		p.skip(rec.Row, "client_id", CodeMissingField, "client_id is required when updating existing clients")
		return nil
	case !p.updateBatch && strings.TrimSpace(core.StringValue(rec.FirstName)) == "":
		p.skip(rec.Row, "first_name", CodeMissingField, "first_name is required for new clients")
		return nil
	}
	p.create(rec)
	return nil
}

// update applies the row's non-empty fields to an existing client. A
// changed client is re-added to the overlay so later rows see new values.
func (p *pass) update(rec core.CanonicalRecord, hit core.ClientRecord) error {
	p.updated++

	if hit.ID == 0 {
		// Created earlier in this upload.
		target, ok := p.newClients[hit.ExternalID]
		if !ok {
			return fmt.Errorf("row %d: client %s missing from upload overlay", rec.Row, hit.ExternalID)
		}
		if changed := rec.ApplyTo(target); len(changed) > 0 {
			p.pop.Add(*target)
			if target.ID != 0 {
				p.queueUpdate(target, changed)
			}
		}
		p.enrollRows = append(p.enrollRows, enrollRow{rec: rec, client: clientRef{id: target.ID, external: target.ExternalID}})
		return nil
	}

	target, ok := p.current[hit.ID]
	if !ok {
		cp := hit
		cp.ContactInfo = maps.Clone(hit.ContactInfo)
		target = &cp
		p.current[hit.ID] = target
	}
	if changed := rec.ApplyTo(target); len(changed) > 0 {
		target.UpdatedBy = p.user()
		p.pop.Add(*target)
		p.queueUpdate(target, changed)
	}
	p.touch(hit.ID)
	p.enrollRows = append(p.enrollRows, enrollRow{rec: rec, client: clientRef{id: hit.ID}})
	return nil
}

func (p *pass) queueUpdate(c *core.ClientRecord, changed []string) {
	if _, ok := p.changed[c.ID]; !ok {
		p.dirty = append(p.dirty, c.ID)
	}
	p.changed[c.ID] = appendUnique(p.changed[c.ID], changed...)
}

// create queues a new client and flags it when it resembles someone on
// file. Upload never merges; a reviewer or the scan decides.
func (p *pass) create(rec core.CanonicalRecord) {
	c := rec.ToClient(p.source())
	c.ExternalID = uuid.NewString()
	c.CreatedBy, c.UpdatedBy = p.user(), p.user()

	match := p.o.matcher.FindMatch(matching.CandidateFromRecord(rec, p.source()), p.pop, matching.Options{})

	p.newClients[c.ExternalID] = &c
	p.pending = append(p.pending, c.ExternalID)
	p.pop.Add(c)
	p.created++

	ref := clientRef{external: c.ExternalID}
	if match.Found() && match.Score >= p.o.cfg.FlagThreshold {
		p.flags = append(p.flags, pendingFlag{
			row:     rec.Row,
			client:  ref,
			matched: clientRef{id: match.Client.ID, external: match.Client.ExternalID},
			match:   match,
			name:    c.FullName(),
		})
	}
	p.enrollRows = append(p.enrollRows, enrollRow{rec: rec, client: ref})
}

func (p *pass) skip(row int, field string, code ErrorCode, msg string) {
	p.skipped++
	p.rowError(row, field, code, msg)
}

func (p *pass) rowError(row int, field string, code ErrorCode, msg string) {
	p.errorCount++
	if len(p.errors) < p.o.cfg.MaxErrors {
		p.errors = append(p.errors, core.RowError{Row: row, Field: field, Code: string(code), Message: msg})
	}
}

func (p *pass) touch(id core.ClientID) {
	if !p.touchedSet[id] {
		p.touchedSet[id] = true
		p.touched = append(p.touched, id)
	}
}

// resolve returns the stored id behind ref.
func (p *pass) resolve(ref clientRef) (core.ClientID, error) {
	if ref.id != 0 {
		return ref.id, nil
	}
	if c, ok := p.newClients[ref.external]; ok && c.ID != 0 {
		return c.ID, nil
	}
	return 0, fmt.Errorf("client %q has no stored id", ref.external)
}

// =============================================================================
// BULK WRITES
// =============================================================================

func (p *pass) flush(ctx context.Context) error {
	if err := p.flushCreates(ctx); err != nil {
		return err
	}
	if err := p.flushUpdates(ctx); err != nil {
		return err
	}
	return p.flushFlags(ctx)
}

func (p *pass) flushCreates(ctx context.Context) error {
	if len(p.pending) == 0 {
		return nil
	}
	batch := make([]core.ClientRecord, len(p.pending))
	for i, ext := range p.pending {
		batch[i] = *p.newClients[ext]
	}
	ids, err := p.tx.CreateClients(ctx, batch)
	if err != nil {
		return fmt.Errorf("create clients: %w", err)
	}
	if len(ids) != len(batch) {
		return fmt.Errorf("create clients: store returned %d ids for %d clients", len(ids), len(batch))
	}
	for i, ext := range p.pending {
		c := p.newClients[ext]
		c.ID = ids[i]
		p.current[c.ID] = c
		p.createdIDs[c.ID] = true
		p.touch(c.ID)
		p.audit.Add(audit.Entry{
			Entity:    audit.EntityClient,
			EntityID:  fmt.Sprint(c.ID),
			Action:    audit.ActionCreate,
			ChangedBy: p.user(),
			Diff: map[string]any{
				"upload_id": p.upload.ID,
				"source":    c.Source,
				"client_id": c.ClientID,
			},
		})
	}
	p.pending = p.pending[:0]
	return nil
}

func (p *pass) flushUpdates(ctx context.Context) error {
	size := p.o.cfg.BatchSize
	for start := 0; start < len(p.dirty); start += size {
		ids := p.dirty[start:min(start+size, len(p.dirty))]
		batch := make([]core.ClientRecord, len(ids))
		for i, id := range ids {
			batch[i] = *p.current[id]
		}
		if err := p.tx.UpdateClients(ctx, batch); err != nil {
			return fmt.Errorf("update clients: %w", err)
		}
	}
	for _, id := range p.dirty {
		if p.createdIDs[id] {
			continue
		}
		p.audit.Add(audit.Entry{
			Entity:    audit.EntityClient,
			EntityID:  fmt.Sprint(id),
			Action:    audit.ActionUpdate,
			ChangedBy: p.user(),
			Diff:      map[string]any{"upload_id": p.upload.ID, "fields": p.changed[id]},
		})
	}
	clear(p.changed)
	p.dirty = p.dirty[:0]
	return nil
}

func (p *pass) flushFlags(ctx context.Context) error {
	for _, f := range p.flags {
		clientID, err := p.resolve(f.client)
		if err != nil {
			return err
		}
		matchedID, err := p.resolve(f.matched)
		if err != nil {
			return err
		}
		if clientID == matchedID {
			continue
		}

		d := &core.ClientDuplicate{
			PrimaryID:   matchedID,
			DuplicateID: clientID,
			Score:       f.match.DecimalScore(),
			MatchType:   f.match.Type,
			Confidence:  f.match.Confidence(),
			Status:      core.DuplicatePending,
			DetectedBy:  core.DetectedByUpload,
			MatchDetails: map[string]any{
				"upload_id": p.upload.ID,
				"row":       f.row,
				"source":    p.source(),
			},
		}
		if err := p.tx.CreateDuplicate(ctx, d); err != nil {
			if errors.Is(err, core.ErrPairAlreadyFlagged) {
				continue
			}
			return fmt.Errorf("flag duplicate for row %d: %w", f.row, err)
		}

		p.flagged++
		if len(p.duplicates) < p.o.cfg.MaxDuplicates {
			p.duplicates = append(p.duplicates, DuplicateDetail{
				Row:         f.row,
				ClientID:    clientID,
				ClientName:  f.name,
				MatchedID:   matchedID,
				MatchedName: f.match.Client.FullName(),
				MatchType:   f.match.Type,
				Score:       d.Score,
				Confidence:  d.Confidence,
			})
		}
	}
	p.flags = p.flags[:0]
	return nil
}

// =============================================================================
// ENROLLMENTS AND INACTIVE STATUS
// =============================================================================

func (p *pass) applyEnrollments(ctx context.Context) error {
	today := p.o.enrollments.Today()
	for _, er := range p.enrollRows {
		rec := er.rec
		if !rec.HasEnrollment() {
			continue
		}
		program, ok := p.programs.resolve(core.StringValue(rec.ProgramName), core.StringValue(rec.DepartmentName))
		if !ok {
			p.rowError(rec.Row, "program", CodeProgramNotFound,
				fmt.Sprintf("program %q not found", core.StringValue(rec.ProgramName)))
			continue
		}
		clientID, err := p.resolve(er.client)
		if err != nil {
			return err
		}

		res, err := p.o.enrollments.Apply(ctx, p.tx, clientID, program.ID, enrollment.Request{
			Interval:        rec.Interval(today),
			Notes:           core.StringValue(rec.EnrollmentNotes),
			DischargeReason: core.StringValue(rec.DischargeReason),
			CreatedBy:       p.user(),
		})
		if err != nil {
			return fmt.Errorf("row %d: %w", rec.Row, err)
		}
		if res.Merged {
			p.enrollmentsMerged++
		} else {
			p.enrollmentsCreated++
		}
	}
	return nil
}

func (p *pass) refreshInactive(ctx context.Context) error {
	size := p.o.cfg.BatchSize
	for start := 0; start < len(p.touched); start += size {
		ids := p.touched[start:min(start+size, len(p.touched))]
		if _, err := p.o.enrollments.RefreshInactive(ctx, p.tx, ids); err != nil {
			return err
		}
	}
	return nil
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
