package merge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/casework/client-dedup/audit"
	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/core/store"
	"github.com/casework/client-dedup/merge"
	"github.com/casework/client-dedup/store/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func day(y int, m time.Month, d int) core.Date { return core.NewDate(y, m, d) }

func ptr[T any](v T) *T { return &v }

type recordingSink struct {
	entries []audit.Entry
}

func (s *recordingSink) Write(_ context.Context, e audit.Entry) error {
	s.entries = append(s.entries, e)
	return nil
}

func newEngine(t *testing.T, st core.TxStore, opts ...merge.Option) *merge.Engine {
	return merge.New(st, nil, zaptest.NewLogger(t), opts...)
}

func createClients(t *testing.T, st core.Store, clients ...core.ClientRecord) []core.ClientID {
	t.Helper()
	ids, err := st.CreateClients(context.Background(), clients)
	require.NoError(t, err)
	return ids
}

func flag(t *testing.T, st core.Store, primary, duplicate core.ClientID) core.DuplicateID {
	t.Helper()
	d := &core.ClientDuplicate{
		PrimaryID:   primary,
		DuplicateID: duplicate,
		Score:       decimal.NewFromFloat(0.95),
		MatchType:   core.MatchNameDOB,
		Confidence:  core.ConfidenceHigh,
		Status:      core.DuplicatePending,
		DetectedBy:  core.DetectedByScan,
	}
	require.NoError(t, st.CreateDuplicate(context.Background(), d))
	return d.ID
}

// failingStore fails DeleteClient inside merge transactions. Its view
// exposes only core.Store, so it also has no linkage capability.
type failingStore struct {
	*store.Memory
}

func (f *failingStore) WithTx(ctx context.Context, fn func(core.Store) error) error {
	return f.Memory.WithTx(ctx, func(tx core.Store) error {
		return fn(&failingView{Store: tx})
	})
}

type failingView struct {
	core.Store
}

func (v *failingView) DeleteClient(context.Context, core.ClientID) error {
	return errors.New("database connection lost")
}

// plainStore hides the linkage capability of the memory store.
type plainStore struct {
	*store.Memory
}

func (p *plainStore) WithTx(ctx context.Context, fn func(core.Store) error) error {
	return p.Memory.WithTx(ctx, func(tx core.Store) error {
		return fn(struct{ core.Store }{tx})
	})
}

// =============================================================================
// FIELD AND IDENTIFIER TESTS
// =============================================================================

func TestMerge_PreservesLegacyIDs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ids := createClients(t, st,
		core.ClientRecord{Source: "EMHware", ClientID: "222", FirstName: "John", LastName: "Smith"},
		core.ClientRecord{Source: "SMIS", ClientID: "111", FirstName: "John", LastName: "Smith",
			LegacyIDs: []core.LegacyID{{Source: "CSV", ClientID: "9"}}},
	)

	// WHEN: The SMIS record is merged into the EMHware record
	out, err := newEngine(t, st).Merge(ctx, ids[0], ids[1], nil, "alice")
	require.NoError(t, err)

	// THEN: Every identifier survives on the primary
	var pairs [][2]string
	for _, l := range out.Primary.LegacyIDs {
		pairs = append(pairs, [2]string{l.Source, l.ClientID})
	}
	assert.ElementsMatch(t, [][2]string{{"EMHware", "222"}, {"SMIS", "111"}, {"CSV", "9"}}, pairs)

	// AND: Each identifier says which side it came from
	labels := make(map[string]string)
	for _, l := range out.Primary.LegacyIDs {
		labels[l.Source] = l.Label
	}
	assert.Equal(t, map[string]string{
		"EMHware": core.LegacyLabelPrimary,
		"SMIS":    core.LegacyLabelMerged,
		"CSV":     core.LegacyLabelMerged,
	}, labels)
	assert.Equal(t, "111", out.Primary.SecondarySourceID)
	assert.Equal(t, "EMHware", out.Primary.Source)
	assert.Equal(t, "222", out.Primary.ClientID)

	// AND: The duplicate no longer exists
	_, err = st.GetClient(ctx, ids[1])
	assert.ErrorIs(t, err, core.ErrClientNotFound)
}

func TestMerge_LegacyIDsStayUnique(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ids := createClients(t, st,
		core.ClientRecord{Source: "SMIS", ClientID: "1", FirstName: "A",
			LegacyIDs: []core.LegacyID{{Source: "smis", ClientID: "2"}}},
		core.ClientRecord{Source: "SMIS", ClientID: "2", FirstName: "A"},
	)

	out, err := newEngine(t, st).Merge(ctx, ids[0], ids[1], nil, "alice")
	require.NoError(t, err)
	assert.Len(t, out.Primary.LegacyIDs, 2, "source comparison ignores case")
}

func TestMerge_AutoPolicyNeverDropsPrimaryValues(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ids := createClients(t, st,
		core.ClientRecord{Source: "SMIS", ClientID: "1", FirstName: "Maria", LastName: "Garcia",
			Email: "maria@example.com", ContactInfo: map[string]any{"address": "1 Main St"}},
		core.ClientRecord{Source: "EMHware", ClientID: "2", FirstName: "Mary", LastName: "Garcia-Lopez",
			Email: "mgarcia@example.com", Phone: "4165550101", Gender: "Female",
			DOB:         ptr(day(1985, 4, 12)),
			ContactInfo: map[string]any{"address": "9 Elm St", "unit": "4B"},
			Extended:    core.ClientExtended{Veteran: ptr(true)}},
	)

	out, err := newEngine(t, st).Merge(ctx, ids[0], ids[1], nil, "alice")
	require.NoError(t, err)

	p := out.Primary
	assert.Equal(t, "Maria", p.FirstName)
	assert.Equal(t, "Garcia", p.LastName)
	assert.Equal(t, "maria@example.com", p.Email)
	assert.Equal(t, "4165550101", p.Phone)
	assert.Equal(t, "Female", p.Gender)
	assert.Equal(t, "1985-04-12", p.DOB.String())
	assert.Equal(t, "1 Main St", p.ContactInfo["address"])
	assert.Equal(t, "4B", p.ContactInfo["unit"])
	require.NotNil(t, p.Extended.Veteran)
	assert.True(t, *p.Extended.Veteran)
	assert.Equal(t, []string{"dob", "gender", "phone", "contact_info", "veteran"}, out.ChangedFields)
}

func TestMerge_ExplicitChoices(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ids := createClients(t, st,
		core.ClientRecord{Source: "SMIS", ClientID: "1", FirstName: "Jon", LastName: "Smith",
			Email: "old@example.com", Phone: "4165550101"},
		core.ClientRecord{Source: "SMIS", ClientID: "2", FirstName: "John", LastName: "Smith",
			Email: "new@example.com"},
	)

	out, err := newEngine(t, st).Merge(ctx, ids[0], ids[1], merge.Resolution{
		"first_name": {Choice: merge.ChoiceDuplicate},
		"email":      {Choice: merge.ChoiceDuplicate},
		"phone":      {Choice: merge.ChoicePrimary},
		"dob":        {Choice: merge.ChoiceCustom, Value: "1990-03-02"},
		"languages":  {Choice: merge.ChoiceCustom, Value: []any{"English", "French"}},
	}, "alice")
	require.NoError(t, err)

	assert.Equal(t, "John", out.Primary.FirstName)
	assert.Equal(t, "new@example.com", out.Primary.Email)
	assert.Equal(t, "4165550101", out.Primary.Phone)
	assert.Equal(t, "1990-03-02", out.Primary.DOB.String())
	assert.Equal(t, []string{"English", "French"}, out.Primary.Languages)
	assert.Equal(t, "alice", out.Primary.UpdatedBy)
}

func TestMerge_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ids := createClients(t, st,
		core.ClientRecord{Source: "SMIS", ClientID: "1", FirstName: "A"},
		core.ClientRecord{Source: "SMIS", ClientID: "2", FirstName: "B"},
	)
	e := newEngine(t, st)

	t.Run("self merge", func(t *testing.T) {
		_, err := e.Merge(ctx, ids[0], ids[0], nil, "alice")
		assert.ErrorIs(t, err, core.ErrSelfMerge)
		assert.True(t, core.IsClientError(err))
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := e.Merge(ctx, ids[0], ids[1], merge.Resolution{"ssn": {Choice: merge.ChoiceDuplicate}}, "alice")
		assert.ErrorIs(t, err, core.ErrInvalidFieldChoice)

		var mErr *core.MergeError
		require.ErrorAs(t, err, &mErr)
		assert.Equal(t, merge.StageValidate, mErr.Stage)
	})

	t.Run("unknown choice", func(t *testing.T) {
		_, err := e.Merge(ctx, ids[0], ids[1], merge.Resolution{"email": {Choice: "newest"}}, "alice")
		assert.ErrorIs(t, err, core.ErrInvalidFieldChoice)
	})

	t.Run("unparseable custom date", func(t *testing.T) {
		_, err := e.Merge(ctx, ids[0], ids[1], merge.Resolution{"dob": {Choice: merge.ChoiceCustom, Value: "someday"}}, "alice")
		assert.ErrorIs(t, err, core.ErrInvalidFieldChoice)
	})

	t.Run("missing client", func(t *testing.T) {
		_, err := e.Merge(ctx, ids[0], 9999, nil, "alice")
		assert.ErrorIs(t, err, core.ErrClientNotFound)
	})

	// Nothing above touched the store.
	_, err := st.GetClient(ctx, ids[1])
	require.NoError(t, err)
}

// =============================================================================
// RELATIONSHIP MIGRATION TESTS
// =============================================================================

func TestMerge_MigratesRelationships(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ids := createClients(t, st,
		core.ClientRecord{Source: "SMIS", ClientID: "1", FirstName: "Ana", LastName: "Lopez"},
		core.ClientRecord{Source: "SMIS", ClientID: "2", FirstName: "Ana", LastName: "Lopez"},
		core.ClientRecord{Source: "SMIS", ClientID: "3", FirstName: "Anna", LastName: "Lopes"},
	)
	primary, duplicate, other := ids[0], ids[1], ids[2]

	shelter := core.Program{Name: "Shelter", IsActive: true}
	housing := core.Program{Name: "Housing", IsActive: true}
	require.NoError(t, st.SaveProgram(ctx, &shelter))
	require.NoError(t, st.SaveProgram(ctx, &housing))

	// GIVEN: January on the primary, February (adjacent) and an open
	// housing stay on the duplicate
	for _, e := range []core.Enrollment{
		{ClientID: primary, ProgramID: shelter.ID, Start: day(2023, 1, 1), End: ptr(day(2023, 1, 31))},
		{ClientID: duplicate, ProgramID: shelter.ID, Start: day(2023, 2, 1), End: ptr(day(2023, 2, 28)), Notes: "feb stay"},
		{ClientID: duplicate, ProgramID: housing.ID, Start: day(2023, 3, 1)},
	} {
		require.NoError(t, st.CreateEnrollment(ctx, &e))
	}

	// AND: One equivalent and one distinct restriction on the duplicate
	for _, r := range []core.ServiceRestriction{
		{ClientID: primary, Scope: core.ScopeOrganization, Start: day(2023, 1, 1), Reason: "conduct"},
		{ClientID: duplicate, Scope: core.ScopeOrganization, Start: day(2023, 1, 1), Reason: "conduct"},
		{ClientID: duplicate, Scope: core.ScopeProgram, ProgramID: &shelter.ID, Start: day(2023, 5, 1)},
	} {
		require.NoError(t, st.CreateRestriction(ctx, &r))
	}

	// AND: A note and flags on both sides
	require.NoError(t, st.CreateNote(ctx, &core.ClientNote{ClientID: duplicate, Title: "intake"}))
	flag(t, st, primary, duplicate)
	flag(t, st, other, duplicate)
	flag(t, st, primary, other)

	// WHEN: The pair is merged
	out, err := newEngine(t, st).Merge(ctx, primary, duplicate, nil, "alice")
	require.NoError(t, err)

	// THEN: Shelter stays are one interval, housing moved over
	assert.Equal(t, 1, out.EnrollmentsMerged)
	assert.Equal(t, 1, out.EnrollmentsMoved)
	live, err := st.ListEnrollments(ctx, core.EnrollmentFilter{ClientIDs: []core.ClientID{primary}})
	require.NoError(t, err)
	require.Len(t, live, 2)
	for _, e := range live {
		if e.ProgramID == shelter.ID {
			assert.Equal(t, "2023-01-01", e.Start.String())
			require.NotNil(t, e.End)
			assert.Equal(t, "2023-02-28", e.End.String())
			assert.Contains(t, e.Notes, "Merged: feb stay")
		} else {
			assert.Nil(t, e.End)
		}
	}
	all, err := st.ListEnrollments(ctx, core.EnrollmentFilter{IncludeArchived: true})
	require.NoError(t, err)
	for _, e := range all {
		assert.Equal(t, primary, e.ClientID, "no enrollment left on the duplicate")
	}

	// AND: The equivalent restriction was archived, the other moved
	assert.Equal(t, 1, out.RestrictionsArchived)
	assert.Equal(t, 1, out.RestrictionsMoved)
	restrictions, err := st.ListRestrictions(ctx, primary)
	require.NoError(t, err)
	require.Len(t, restrictions, 3)
	archived := 0
	for _, r := range restrictions {
		if r.IsArchived {
			archived++
		}
	}
	assert.Equal(t, 1, archived)

	// AND: Notes followed the client and every flag naming either side is gone
	notes, err := st.ListNotes(ctx, primary)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
	assert.Equal(t, 3, out.FlagsDeleted)
	flags, err := st.ListDuplicates(ctx, core.DuplicateFilter{})
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestMerge_FailureRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{Memory: store.NewMemory()}
	ids := createClients(t, st,
		core.ClientRecord{Source: "SMIS", ClientID: "1", FirstName: "Ana"},
		core.ClientRecord{Source: "SMIS", ClientID: "2", FirstName: "Ana", Phone: "4165550101"},
	)
	program := core.Program{Name: "Shelter", IsActive: true}
	require.NoError(t, st.SaveProgram(ctx, &program))
	require.NoError(t, st.CreateEnrollment(ctx, &core.Enrollment{ClientID: ids[1], ProgramID: program.ID, Start: day(2023, 1, 1)}))
	flag(t, st, ids[0], ids[1])

	// WHEN: Deleting the duplicate fails after every migration ran
	_, err := newEngine(t, st).Merge(ctx, ids[0], ids[1], nil, "alice")

	// THEN: The error names the stage
	var mErr *core.MergeError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, merge.StageDelete, mErr.Stage)

	// AND: Nothing moved
	primary, err := st.GetClient(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, primary.Phone)
	assert.Empty(t, primary.LegacyIDs)

	enrollments, err := st.ListEnrollments(ctx, core.EnrollmentFilter{ClientIDs: []core.ClientID{ids[1]}})
	require.NoError(t, err)
	assert.Len(t, enrollments, 1)

	flags, err := st.ListDuplicates(ctx, core.DuplicateFilter{Status: core.DuplicatePending})
	require.NoError(t, err)
	assert.Len(t, flags, 1)
}

func TestMerge_ToleratesMissingLinkage(t *testing.T) {
	ctx := context.Background()
	st := &plainStore{Memory: store.NewMemory()}
	ids := createClients(t, st,
		core.ClientRecord{Source: "SMIS", ClientID: "1", FirstName: "Ana"},
		core.ClientRecord{Source: "SMIS", ClientID: "2", FirstName: "Ana"},
	)

	out, err := newEngine(t, st).Merge(ctx, ids[0], ids[1], nil, "alice")
	require.NoError(t, err)
	assert.True(t, out.LinkageSkipped)
	assert.Zero(t, out.LinksMoved)
}

func TestMerge_AuditAfterCommit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	sink := &recordingSink{}
	ids := createClients(t, st,
		core.ClientRecord{Source: "SMIS", ClientID: "1", FirstName: "Ana"},
		core.ClientRecord{Source: "SMIS", ClientID: "2", FirstName: "Ana"},
	)

	_, err := newEngine(t, st, merge.WithAudit(sink)).Merge(ctx, ids[0], ids[1], nil, "alice")
	require.NoError(t, err)

	require.Len(t, sink.entries, 2)
	for _, e := range sink.entries {
		assert.Equal(t, audit.ActionMerge, e.Action)
		assert.Equal(t, "alice", e.ChangedBy)
	}
	assert.Equal(t, ids[0], sink.entries[1].Diff["merged_into"])
}

func TestMerge_SQLite(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer st.Close()

	ids := createClients(t, st,
		core.ClientRecord{Source: "EMHware", ClientID: "222", FirstName: "John", LastName: "Smith"},
		core.ClientRecord{Source: "SMIS", ClientID: "111", FirstName: "John", LastName: "Smith", Email: "js@example.com"},
	)
	require.NoError(t, st.CreateNote(ctx, &core.ClientNote{ClientID: ids[1], Title: "intake"}))
	require.NoError(t, st.CreateUploadLog(ctx, &core.UploadLog{ID: "u-1", Source: "SMIS", Status: core.UploadSuccess, StartedAt: time.Now()}))
	require.NoError(t, st.LinkUploadClients(ctx, "u-1", []core.ClientID{ids[1]}))

	out, err := newEngine(t, st).Merge(ctx, ids[0], ids[1], nil, "alice")
	require.NoError(t, err)

	assert.Equal(t, 2, out.LinksMoved)
	assert.Len(t, out.Primary.LegacyIDs, 2)

	stored, err := st.GetClient(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "js@example.com", stored.Email)
	assert.Equal(t, "111", stored.SecondarySourceID)

	_, err = st.GetClient(ctx, ids[1])
	assert.ErrorIs(t, err, core.ErrClientNotFound)
}

// =============================================================================
// REVIEW TESTS
// =============================================================================

func TestReview_StatusTransitions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ids := createClients(t, st,
		core.ClientRecord{Source: "SMIS", ClientID: "1", FirstName: "Ana"},
		core.ClientRecord{Source: "SMIS", ClientID: "2", FirstName: "Ana"},
	)
	id := flag(t, st, ids[0], ids[1])
	e := newEngine(t, st)

	d, err := e.Confirm(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.DuplicateConfirmed, d.Status)
	assert.Nil(t, d.ResolvedAt)

	_, err = e.Confirm(ctx, id, "alice")
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)

	d, err = e.MarkNotDuplicate(ctx, id, "bob")
	require.NoError(t, err)
	assert.Equal(t, core.DuplicateNotDuplicate, d.Status)
	assert.Equal(t, "bob", d.ResolvedBy)
	assert.NotNil(t, d.ResolvedAt)

	_, err = e.ResolveDuplicate(ctx, id, 0, nil, "alice")
	assert.ErrorIs(t, err, core.ErrAlreadyResolved)

	_, err = e.Confirm(ctx, 4242, "alice")
	assert.ErrorIs(t, err, core.ErrDuplicateNotFound)
}

func TestReview_ResolveKeepsChosenSide(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ids := createClients(t, st,
		core.ClientRecord{Source: "SMIS", ClientID: "1", FirstName: "Ana"},
		core.ClientRecord{Source: "SMIS", ClientID: "2", FirstName: "Ana"},
	)
	id := flag(t, st, ids[0], ids[1])
	e := newEngine(t, st)

	_, err := e.ResolveDuplicate(ctx, id, 777, nil, "alice")
	assert.ErrorIs(t, err, core.ErrInvalidFieldChoice)

	// WHEN: The reviewer keeps the flag's duplicate side
	out, err := e.ResolveDuplicate(ctx, id, ids[1], nil, "alice")
	require.NoError(t, err)

	// THEN: The flag's primary is the one deleted
	assert.Equal(t, ids[1], out.Primary.ID)
	assert.Equal(t, ids[0], out.DuplicateID)
	_, err = st.GetClient(ctx, ids[0])
	assert.ErrorIs(t, err, core.ErrClientNotFound)
	_, err = st.GetDuplicate(ctx, id)
	assert.ErrorIs(t, err, core.ErrDuplicateNotFound)
}
