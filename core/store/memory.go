// Package store provides an in-memory core.TxStore.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/casework/client-dedup/core"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a core.TxStore held in maps. Safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	state *state
}

var (
	_ core.TxStore      = (*Memory)(nil)
	_ core.LinkageStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(core.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) GetClient(ctx context.Context, id core.ClientID) (*core.ClientRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetClient(ctx, id)
}

func (m *Memory) ListClients(ctx context.Context, f core.ClientFilter) ([]core.ClientRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListClients(ctx, f)
}

func (m *Memory) FindClients(ctx context.Context, l core.ClientLookup) ([]core.ClientRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.FindClients(ctx, l)
}

func (m *Memory) CreateClients(ctx context.Context, clients []core.ClientRecord) ([]core.ClientID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateClients(ctx, clients)
}

func (m *Memory) UpdateClients(ctx context.Context, clients []core.ClientRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateClients(ctx, clients)
}

func (m *Memory) DeleteClient(ctx context.Context, id core.ClientID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteClient(ctx, id)
}

func (m *Memory) SaveDepartment(ctx context.Context, d *core.Department) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveDepartment(ctx, d)
}

func (m *Memory) ListDepartments(ctx context.Context) ([]core.Department, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListDepartments(ctx)
}

func (m *Memory) SaveProgram(ctx context.Context, p *core.Program) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveProgram(ctx, p)
}

func (m *Memory) ListPrograms(ctx context.Context) ([]core.Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListPrograms(ctx)
}

func (m *Memory) ListEnrollments(ctx context.Context, f core.EnrollmentFilter) ([]core.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListEnrollments(ctx, f)
}

func (m *Memory) CreateEnrollment(ctx context.Context, e *core.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateEnrollment(ctx, e)
}

func (m *Memory) UpdateEnrollment(ctx context.Context, e core.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateEnrollment(ctx, e)
}

func (m *Memory) ListRestrictions(ctx context.Context, id core.ClientID) ([]core.ServiceRestriction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListRestrictions(ctx, id)
}

func (m *Memory) CreateRestriction(ctx context.Context, r *core.ServiceRestriction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateRestriction(ctx, r)
}

func (m *Memory) UpdateRestriction(ctx context.Context, r core.ServiceRestriction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateRestriction(ctx, r)
}

func (m *Memory) GetDuplicate(ctx context.Context, id core.DuplicateID) (*core.ClientDuplicate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetDuplicate(ctx, id)
}

func (m *Memory) ListDuplicates(ctx context.Context, f core.DuplicateFilter) ([]core.ClientDuplicate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListDuplicates(ctx, f)
}

func (m *Memory) FindDuplicatePair(ctx context.Context, a, b core.ClientID) (*core.ClientDuplicate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.FindDuplicatePair(ctx, a, b)
}

func (m *Memory) CreateDuplicate(ctx context.Context, d *core.ClientDuplicate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateDuplicate(ctx, d)
}

func (m *Memory) UpdateDuplicate(ctx context.Context, d core.ClientDuplicate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateDuplicate(ctx, d)
}

func (m *Memory) DeleteDuplicatesFor(ctx context.Context, id core.ClientID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteDuplicatesFor(ctx, id)
}

func (m *Memory) DeleteDuplicates(ctx context.Context, f core.DuplicateFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteDuplicates(ctx, f)
}

func (m *Memory) CreateUploadLog(ctx context.Context, l *core.UploadLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateUploadLog(ctx, l)
}

func (m *Memory) UpdateUploadLog(ctx context.Context, l core.UploadLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateUploadLog(ctx, l)
}

func (m *Memory) GetUploadLog(ctx context.Context, id string) (*core.UploadLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetUploadLog(ctx, id)
}

func (m *Memory) LinkUploadClients(ctx context.Context, uploadID string, ids []core.ClientID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LinkUploadClients(ctx, uploadID, ids)
}

func (m *Memory) CreateNote(ctx context.Context, n *core.ClientNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateNote(ctx, n)
}

func (m *Memory) ListNotes(ctx context.Context, id core.ClientID) ([]core.ClientNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListNotes(ctx, id)
}

func (m *Memory) ReassignLinks(ctx context.Context, from, to core.ClientID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ReassignLinks(ctx, from, to)
}

// UploadClients returns the clients linked to an upload, for inspection in tests.
func (m *Memory) UploadClients(uploadID string) []core.ClientID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.ClientID(nil), m.state.uploadLinks[uploadID]...)
}

// =============================================================================
// STATE - Unlocked view; also handed to WithTx callbacks
// =============================================================================

type state struct {
	clients      map[core.ClientID]core.ClientRecord
	departments  map[core.DepartmentID]core.Department
	programs     map[core.ProgramID]core.Program
	enrollments  map[core.EnrollmentID]core.Enrollment
	restrictions map[core.RestrictionID]core.ServiceRestriction
	notes        map[core.NoteID]core.ClientNote
	duplicates   map[core.DuplicateID]core.ClientDuplicate
	uploads      map[string]core.UploadLog
	uploadLinks  map[string][]core.ClientID
	seq          int64
}

func newState() *state {
	return &state{
		clients:      make(map[core.ClientID]core.ClientRecord),
		departments:  make(map[core.DepartmentID]core.Department),
		programs:     make(map[core.ProgramID]core.Program),
		enrollments:  make(map[core.EnrollmentID]core.Enrollment),
		restrictions: make(map[core.RestrictionID]core.ServiceRestriction),
		notes:        make(map[core.NoteID]core.ClientNote),
		duplicates:   make(map[core.DuplicateID]core.ClientDuplicate),
		uploads:      make(map[string]core.UploadLog),
		uploadLinks:  make(map[string][]core.ClientID),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.clients {
		c.clients[k] = cloneClient(v)
	}
	for k, v := range s.departments {
		c.departments[k] = v
	}
	for k, v := range s.programs {
		c.programs[k] = v
	}
	for k, v := range s.enrollments {
		c.enrollments[k] = v
	}
	for k, v := range s.restrictions {
		c.restrictions[k] = v
	}
	for k, v := range s.notes {
		c.notes[k] = v
	}
	for k, v := range s.duplicates {
		c.duplicates[k] = v
	}
	for k, v := range s.uploads {
		c.uploads[k] = v
	}
	for k, v := range s.uploadLinks {
		c.uploadLinks[k] = append([]core.ClientID(nil), v...)
	}
	c.seq = s.seq
	return c
}

func (s *state) next() int64 {
	s.seq++
	return s.seq
}

// --- clients ---

func (s *state) GetClient(_ context.Context, id core.ClientID) (*core.ClientRecord, error) {
	c, ok := s.clients[id]
	if !ok {
		return nil, core.ErrClientNotFound
	}
	out := cloneClient(c)
	return &out, nil
}

func (s *state) ListClients(_ context.Context, f core.ClientFilter) ([]core.ClientRecord, error) {
	var wanted map[core.ClientID]bool
	if len(f.IDs) > 0 {
		wanted = make(map[core.ClientID]bool, len(f.IDs))
		for _, id := range f.IDs {
			wanted[id] = true
		}
	}

	var out []core.ClientRecord
	for _, c := range s.clients {
		if wanted != nil && !wanted[c.ID] {
			continue
		}
		if f.Source != "" && !strings.EqualFold(c.Source, f.Source) {
			continue
		}
		if c.IsArchived && !f.IncludeArchived {
			continue
		}
		out = append(out, cloneClient(c))
	}
	sortClients(out)
	return out, nil
}

func (s *state) FindClients(_ context.Context, l core.ClientLookup) ([]core.ClientRecord, error) {
	keys := make(map[core.SourceKey]bool, len(l.SourceKeys))
	for _, k := range l.SourceKeys {
		keys[k] = true
	}
	clientIDs := toSet(l.ClientIDs)
	emails := toSet(l.Emails)
	phones := toSet(l.Phones)
	dobs := make(map[core.Date]bool, len(l.DOBs))
	for _, d := range l.DOBs {
		dobs[d] = true
	}

	var out []core.ClientRecord
	for _, c := range s.clients {
		if c.IsArchived {
			continue
		}
		hit := hasAnyKey(c, keys) ||
			(c.ClientID != "" && clientIDs[c.ClientID]) ||
			(c.Email != "" && emails[strings.ToLower(c.Email)]) ||
			(c.Phone != "" && phones[c.Phone]) ||
			(c.DOB != nil && dobs[*c.DOB])
		if hit {
			out = append(out, cloneClient(c))
		}
	}
	sortClients(out)
	return out, nil
}

func hasAnyKey(c core.ClientRecord, keys map[core.SourceKey]bool) bool {
	for _, k := range c.SourceKeys() {
		if keys[k] {
			return true
		}
	}
	return false
}

func (s *state) CreateClients(_ context.Context, clients []core.ClientRecord) ([]core.ClientID, error) {
	now := time.Now().UTC()
	ids := make([]core.ClientID, 0, len(clients))
	for _, c := range clients {
		c.ID = core.ClientID(s.next())
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		s.clients[c.ID] = cloneClient(c)
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *state) UpdateClients(_ context.Context, clients []core.ClientRecord) error {
	now := time.Now().UTC()
	for _, c := range clients {
		if _, ok := s.clients[c.ID]; !ok {
			return core.ErrClientNotFound
		}
		c.UpdatedAt = now
		s.clients[c.ID] = cloneClient(c)
	}
	return nil
}

func (s *state) DeleteClient(_ context.Context, id core.ClientID) error {
	if _, ok := s.clients[id]; !ok {
		return core.ErrClientNotFound
	}
	delete(s.clients, id)
	// Cascade like the foreign keys in the SQLite schema.
	for k, e := range s.enrollments {
		if e.ClientID == id {
			delete(s.enrollments, k)
		}
	}
	for k, r := range s.restrictions {
		if r.ClientID == id {
			delete(s.restrictions, k)
		}
	}
	for k, n := range s.notes {
		if n.ClientID == id {
			delete(s.notes, k)
		}
	}
	return nil
}

// --- programs ---

func (s *state) SaveDepartment(_ context.Context, d *core.Department) error {
	if d.ID == 0 {
		d.ID = core.DepartmentID(s.next())
	}
	s.departments[d.ID] = *d
	return nil
}

func (s *state) ListDepartments(_ context.Context) ([]core.Department, error) {
	out := make([]core.Department, 0, len(s.departments))
	for _, d := range s.departments {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) SaveProgram(_ context.Context, p *core.Program) error {
	if p.ID == 0 {
		p.ID = core.ProgramID(s.next())
	}
	s.programs[p.ID] = *p
	return nil
}

func (s *state) ListPrograms(_ context.Context) ([]core.Program, error) {
	out := make([]core.Program, 0, len(s.programs))
	for _, p := range s.programs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- enrollments ---

func (s *state) ListEnrollments(_ context.Context, f core.EnrollmentFilter) ([]core.Enrollment, error) {
	var clients map[core.ClientID]bool
	if len(f.ClientIDs) > 0 {
		clients = make(map[core.ClientID]bool, len(f.ClientIDs))
		for _, id := range f.ClientIDs {
			clients[id] = true
		}
	}

	var out []core.Enrollment
	for _, e := range s.enrollments {
		if clients != nil && !clients[e.ClientID] {
			continue
		}
		if f.ProgramID != 0 && e.ProgramID != f.ProgramID {
			continue
		}
		if e.IsArchived && !f.IncludeArchived {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) CreateEnrollment(_ context.Context, e *core.Enrollment) error {
	if _, ok := s.clients[e.ClientID]; !ok {
		return core.ErrClientNotFound
	}
	now := time.Now().UTC()
	e.ID = core.EnrollmentID(s.next())
	e.Status = e.DeriveStatus()
	e.CreatedAt, e.UpdatedAt = now, now
	s.enrollments[e.ID] = *e
	return nil
}

func (s *state) UpdateEnrollment(_ context.Context, e core.Enrollment) error {
	if _, ok := s.enrollments[e.ID]; !ok {
		return core.ErrEnrollmentNotFound
	}
	e.Status = e.DeriveStatus()
	e.UpdatedAt = time.Now().UTC()
	s.enrollments[e.ID] = e
	return nil
}

func (s *state) ListRestrictions(_ context.Context, id core.ClientID) ([]core.ServiceRestriction, error) {
	var out []core.ServiceRestriction
	for _, r := range s.restrictions {
		if r.ClientID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) CreateRestriction(_ context.Context, r *core.ServiceRestriction) error {
	if _, ok := s.clients[r.ClientID]; !ok {
		return core.ErrClientNotFound
	}
	r.ID = core.RestrictionID(s.next())
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.restrictions[r.ID] = *r
	return nil
}

func (s *state) UpdateRestriction(_ context.Context, r core.ServiceRestriction) error {
	s.restrictions[r.ID] = r
	return nil
}

// --- duplicates ---

func (s *state) GetDuplicate(_ context.Context, id core.DuplicateID) (*core.ClientDuplicate, error) {
	d, ok := s.duplicates[id]
	if !ok {
		return nil, core.ErrDuplicateNotFound
	}
	return &d, nil
}

func (s *state) ListDuplicates(_ context.Context, f core.DuplicateFilter) ([]core.ClientDuplicate, error) {
	var out []core.ClientDuplicate
	for _, d := range s.duplicates {
		if matchesDuplicate(d, f) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) FindDuplicatePair(_ context.Context, a, b core.ClientID) (*core.ClientDuplicate, error) {
	key := core.PairKey(a, b)
	var found *core.ClientDuplicate
	for _, d := range s.duplicates {
		if core.PairKey(d.PrimaryID, d.DuplicateID) != key {
			continue
		}
		if found == nil || d.ID > found.ID {
			dup := d
			found = &dup
		}
	}
	return found, nil
}

func (s *state) CreateDuplicate(_ context.Context, d *core.ClientDuplicate) error {
	key := core.PairKey(d.PrimaryID, d.DuplicateID)
	for _, existing := range s.duplicates {
		if existing.Status == core.DuplicatePending && core.PairKey(existing.PrimaryID, existing.DuplicateID) == key {
			return core.ErrPairAlreadyFlagged
		}
	}
	d.ID = core.DuplicateID(s.next())
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = core.DuplicatePending
	}
	s.duplicates[d.ID] = *d
	return nil
}

func (s *state) UpdateDuplicate(_ context.Context, d core.ClientDuplicate) error {
	if _, ok := s.duplicates[d.ID]; !ok {
		return core.ErrDuplicateNotFound
	}
	s.duplicates[d.ID] = d
	return nil
}

func (s *state) DeleteDuplicatesFor(_ context.Context, id core.ClientID) (int, error) {
	n := 0
	for k, d := range s.duplicates {
		if d.Involves(id) {
			delete(s.duplicates, k)
			n++
		}
	}
	return n, nil
}

func (s *state) DeleteDuplicates(_ context.Context, f core.DuplicateFilter) (int, error) {
	n := 0
	for k, d := range s.duplicates {
		if matchesDuplicate(d, f) {
			delete(s.duplicates, k)
			n++
		}
	}
	return n, nil
}

func matchesDuplicate(d core.ClientDuplicate, f core.DuplicateFilter) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.ClientID != 0 && !d.Involves(f.ClientID) {
		return false
	}
	if f.BelowScore != nil && !d.Score.LessThan(*f.BelowScore) {
		return false
	}
	return true
}

// --- uploads ---

func (s *state) CreateUploadLog(_ context.Context, l *core.UploadLog) error {
	s.uploads[l.ID] = *l
	return nil
}

func (s *state) UpdateUploadLog(_ context.Context, l core.UploadLog) error {
	if _, ok := s.uploads[l.ID]; !ok {
		return core.ErrUploadNotFound
	}
	s.uploads[l.ID] = l
	return nil
}

func (s *state) GetUploadLog(_ context.Context, id string) (*core.UploadLog, error) {
	l, ok := s.uploads[id]
	if !ok {
		return nil, core.ErrUploadNotFound
	}
	return &l, nil
}

func (s *state) LinkUploadClients(_ context.Context, uploadID string, ids []core.ClientID) error {
	s.uploadLinks[uploadID] = append(s.uploadLinks[uploadID], ids...)
	return nil
}

// --- linkage ---

func (s *state) CreateNote(_ context.Context, n *core.ClientNote) error {
	n.ID = core.NoteID(s.next())
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.notes[n.ID] = *n
	return nil
}

func (s *state) ListNotes(_ context.Context, id core.ClientID) ([]core.ClientNote, error) {
	var out []core.ClientNote
	for _, n := range s.notes {
		if n.ClientID == id {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) ReassignLinks(_ context.Context, from, to core.ClientID) (int, error) {
	moved := 0
	for k, n := range s.notes {
		if n.ClientID == from {
			n.ClientID = to
			s.notes[k] = n
			moved++
		}
	}
	for upload, ids := range s.uploadLinks {
		for i, id := range ids {
			if id == from {
				ids[i] = to
				moved++
			}
		}
		s.uploadLinks[upload] = ids
	}
	return moved, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneClient(c core.ClientRecord) core.ClientRecord {
	c.Languages = append([]string(nil), c.Languages...)
	c.LegacyIDs = append([]core.LegacyID(nil), c.LegacyIDs...)
	if c.ContactInfo != nil {
		info := make(map[string]any, len(c.ContactInfo))
		for k, v := range c.ContactInfo {
			info[k] = v
		}
		c.ContactInfo = info
	}
	if c.DOB != nil {
		c.DOB = c.DOB.Ptr()
	}
	return c
}

func sortClients(cs []core.ClientRecord) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
