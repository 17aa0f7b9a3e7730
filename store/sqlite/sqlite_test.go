package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/store/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dob(y int, m time.Month, d int) *core.Date {
	return core.NewDate(y, m, d).Ptr()
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestStore_CreateAndGetClient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	veteran := true

	ids, err := store.CreateClients(ctx, []core.ClientRecord{{
		Source:      "SMIS",
		ClientID:    "1001",
		FirstName:   "Maria",
		LastName:    "Garcia",
		DOB:         dob(1985, 4, 12),
		Email:       "maria@example.com",
		Phone:       "4165550101",
		Languages:   []string{"English", "Spanish"},
		ContactInfo: map[string]any{"city": "Toronto"},
		LegacyIDs:   []core.LegacyID{{Source: "EMHware", ClientID: "E-9"}},
		Extended:    core.ClientExtended{Veteran: &veteran},
	}})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	got, err := store.GetClient(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Maria", got.FirstName)
	assert.Equal(t, "1985-04-12", got.DOB.String())
	assert.Equal(t, []string{"English", "Spanish"}, got.Languages)
	assert.Equal(t, "Toronto", got.ContactInfo["city"])
	assert.True(t, got.HasLegacyID("EMHware", "E-9"))
	require.NotNil(t, got.Extended.Veteran)
	assert.True(t, *got.Extended.Veteran)
	assert.NotEmpty(t, got.ExternalID)
}

func TestStore_GetClientNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetClient(context.Background(), 42)
	assert.ErrorIs(t, err, core.ErrClientNotFound)
}

func TestStore_FindClientsByAnyKey(t *testing.T) {
	// GIVEN: Three clients sharing different keys with the lookup
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateClients(ctx, []core.ClientRecord{
		{Source: "SMIS", ClientID: "A1", FirstName: "A"},
		{Source: "EMHware", ClientID: "B1", FirstName: "B", Email: "b@example.com"},
		{Source: "EMHware", ClientID: "C1", FirstName: "C", DOB: dob(1990, 1, 1)},
		{Source: "EMHware", ClientID: "D1", FirstName: "D"},
	})
	require.NoError(t, err)

	// WHEN: Looking up by source key, email and DOB
	found, err := store.FindClients(ctx, core.ClientLookup{
		SourceKeys: []core.SourceKey{core.NewSourceKey("smis", "A1")},
		Emails:     []string{"b@example.com"},
		DOBs:       []core.Date{core.NewDate(1990, 1, 1)},
	})

	// THEN: Exactly the three matching clients come back, ordered by id
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, "A", found[0].FirstName)
	assert.Equal(t, "B", found[1].FirstName)
	assert.Equal(t, "C", found[2].FirstName)
}

func TestStore_FindClientsByLegacyID(t *testing.T) {
	// GIVEN: A merged client that absorbed SMIS 111
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateClients(ctx, []core.ClientRecord{
		{Source: "EMHware", ClientID: "222", FirstName: "John", LegacyIDs: []core.LegacyID{
			{Source: "EMHware", ClientID: "222", Label: core.LegacyLabelPrimary},
			{Source: "SMIS", ClientID: "111", Label: core.LegacyLabelMerged},
		}},
		{Source: "SMIS", ClientID: "333", FirstName: "Other"},
	})
	require.NoError(t, err)

	// WHEN: Looking up the absorbed key
	found, err := store.FindClients(ctx, core.ClientLookup{
		SourceKeys: []core.SourceKey{core.NewSourceKey("smis", "111")},
	})

	// THEN: The survivor answers to it
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "222", found[0].ClientID)
	assert.Equal(t, core.LegacyLabelMerged, found[0].LegacyIDs[1].Label)
}

func TestStore_WithTxRollback(t *testing.T) {
	// GIVEN: An empty store
	store := newTestStore(t)
	ctx := context.Background()

	// WHEN: A transaction inserts and then fails
	boom := errors.New("boom")
	err := store.WithTx(ctx, func(st core.Store) error {
		if _, err := st.CreateClients(ctx, []core.ClientRecord{{FirstName: "Ghost"}}); err != nil {
			return err
		}
		return boom
	})

	// THEN: Nothing persisted
	assert.ErrorIs(t, err, boom)
	clients, err := store.ListClients(ctx, core.ClientFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Empty(t, clients)
}

// =============================================================================
// DUPLICATE FLAG TESTS
// =============================================================================

func TestStore_PendingPairUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ids, err := store.CreateClients(ctx, []core.ClientRecord{{FirstName: "A"}, {FirstName: "B"}})
	require.NoError(t, err)

	first := &core.ClientDuplicate{
		PrimaryID: ids[0], DuplicateID: ids[1],
		Score: decimal.RequireFromString("0.95"), MatchType: core.MatchNameDOB,
		Confidence: core.ConfidenceHigh, DetectedBy: core.DetectedByScan,
	}
	require.NoError(t, store.CreateDuplicate(ctx, first))

	err = store.CreateDuplicate(ctx, &core.ClientDuplicate{
		PrimaryID: ids[1], DuplicateID: ids[0], Score: decimal.RequireFromString("0.9"),
	})
	assert.ErrorIs(t, err, core.ErrPairAlreadyFlagged)

	// Once resolved, the pair may be flagged again.
	first.Status = core.DuplicateNotDuplicate
	require.NoError(t, store.UpdateDuplicate(ctx, *first))
	require.NoError(t, store.CreateDuplicate(ctx, &core.ClientDuplicate{
		PrimaryID: ids[1], DuplicateID: ids[0], Score: decimal.RequireFromString("0.9"),
	}))
}

func TestStore_DeleteDuplicatesBelowScore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ids, err := store.CreateClients(ctx, []core.ClientRecord{{FirstName: "A"}, {FirstName: "B"}, {FirstName: "C"}})
	require.NoError(t, err)

	require.NoError(t, store.CreateDuplicate(ctx, &core.ClientDuplicate{
		PrimaryID: ids[0], DuplicateID: ids[1], Score: decimal.RequireFromString("0.75"),
	}))
	require.NoError(t, store.CreateDuplicate(ctx, &core.ClientDuplicate{
		PrimaryID: ids[0], DuplicateID: ids[2], Score: decimal.RequireFromString("0.9"),
	}))

	threshold := decimal.RequireFromString("0.9")
	n, err := store.DeleteDuplicates(ctx, core.DuplicateFilter{Status: core.DuplicatePending, BelowScore: &threshold})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := store.ListDuplicates(ctx, core.DuplicateFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, ids[2], left[0].DuplicateID)
}

// =============================================================================
// ENROLLMENT AND LINKAGE TESTS
// =============================================================================

func TestStore_EnrollmentRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ids, err := store.CreateClients(ctx, []core.ClientRecord{{FirstName: "A"}})
	require.NoError(t, err)
	program := &core.Program{Name: "Shelter", IsActive: true}
	require.NoError(t, store.SaveProgram(ctx, program))

	e := &core.Enrollment{ClientID: ids[0], ProgramID: program.ID, Start: core.NewDate(2023, 1, 1)}
	require.NoError(t, store.CreateEnrollment(ctx, e))
	assert.Equal(t, core.EnrollmentActive, e.Status)

	e.End = dob(2023, 3, 1)
	require.NoError(t, store.UpdateEnrollment(ctx, *e))

	got, err := store.ListEnrollments(ctx, core.EnrollmentFilter{ClientIDs: ids, ProgramID: program.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, core.EnrollmentDischarged, got[0].Status)
	assert.Equal(t, "2023-03-01", got[0].End.String())
}

func TestStore_UploadLogAndLinkage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ids, err := store.CreateClients(ctx, []core.ClientRecord{{FirstName: "A"}, {FirstName: "B"}})
	require.NoError(t, err)

	log := &core.UploadLog{ID: "up-1", FileName: "clients.csv", Status: core.UploadRunning}
	require.NoError(t, store.CreateUploadLog(ctx, log))
	require.NoError(t, store.LinkUploadClients(ctx, "up-1", []core.ClientID{ids[1]}))
	require.NoError(t, store.CreateNote(ctx, &core.ClientNote{ClientID: ids[1], Title: "intake"}))

	moved, err := store.ReassignLinks(ctx, ids[1], ids[0])
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	log.Status = core.UploadSuccess
	log.CreatedCount = 2
	require.NoError(t, store.UpdateUploadLog(ctx, *log))

	got, err := store.GetUploadLog(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, core.UploadSuccess, got.Status)
	assert.Equal(t, 2, got.CreatedCount)

	_, err = store.GetUploadLog(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrUploadNotFound)
}
