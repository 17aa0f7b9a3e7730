package scan_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/core/store"
	"github.com/casework/client-dedup/merge"
	"github.com/casework/client-dedup/scan"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dob(y int, m time.Month, d int) *core.Date {
	v := core.NewDate(y, m, d)
	return &v
}

func seed(t *testing.T, st core.Store, clients ...core.ClientRecord) []core.ClientID {
	t.Helper()
	ids, err := st.CreateClients(context.Background(), clients)
	require.NoError(t, err)
	return ids
}

func pending(t *testing.T, st core.Store) []core.ClientDuplicate {
	t.Helper()
	flags, err := st.ListDuplicates(context.Background(), core.DuplicateFilter{Status: core.DuplicatePending})
	require.NoError(t, err)
	return flags
}

func byType(pairs []scan.Pair) map[core.MatchType]scan.Pair {
	out := make(map[core.MatchType]scan.Pair, len(pairs))
	for _, p := range pairs {
		out[p.MatchType] = p
	}
	return out
}

// failingMerger refuses every merge.
type failingMerger struct {
	calls int
}

func (f *failingMerger) Merge(context.Context, core.ClientID, core.ClientID, merge.Resolution, string) (*merge.Outcome, error) {
	f.calls++
	return nil, errors.New("enrollment table locked")
}

// =============================================================================
// PASS TESTS
// =============================================================================

func TestScan_GroupPasses(t *testing.T) {
	// GIVEN: Three pairs, each sharing a different key
	ctx := context.Background()
	st := store.NewMemory()
	ids := seed(t, st,
		core.ClientRecord{FirstName: "Ana", LastName: "Alvarez", Email: "ana@example.org", Phone: "4165550001"},
		core.ClientRecord{FirstName: "Ana", LastName: "Alvarez", Email: "ANA@example.org", Phone: "4165550001"},
		core.ClientRecord{FirstName: "Bo", LastName: "Brown", Phone: "4165550002"},
		core.ClientRecord{FirstName: "Bo", LastName: "Brown", Phone: "4165550002"},
		core.ClientRecord{FirstName: "Cy", LastName: "Chen", DOB: dob(1980, time.January, 1)},
		core.ClientRecord{FirstName: "Cy", LastName: "Chen", DOB: dob(1980, time.January, 1)},
	)

	// WHEN: A scan runs without auto-merge
	sum, err := scan.New(st, nil, nil, zaptest.NewLogger(t)).Scan(ctx, scan.Filter{}, scan.Options{})
	require.NoError(t, err)

	// THEN: Each pair is flagged once, by its strongest pass
	assert.Equal(t, 6, sum.Scanned)
	assert.Equal(t, 3, sum.Candidates)
	assert.Equal(t, 3, sum.Flagged)
	assert.Zero(t, sum.Merged)
	assert.False(t, sum.Truncated)

	pairs := byType(sum.Pairs)
	require.Len(t, pairs, 3)
	assert.Equal(t, ids[0], pairs[core.MatchEmailPhone].PrimaryID)
	assert.Equal(t, ids[1], pairs[core.MatchEmailPhone].DuplicateID)
	assert.True(t, decimal.NewFromFloat(0.99).Equal(pairs[core.MatchEmailPhone].Score))
	assert.Equal(t, ids[2], pairs[core.MatchPhone].PrimaryID)
	assert.Equal(t, ids[4], pairs[core.MatchNameDOB].PrimaryID)
	assert.Equal(t, core.ConfidenceHigh, pairs[core.MatchNameDOB].Confidence)

	flags := pending(t, st)
	require.Len(t, flags, 3)
	for _, f := range flags {
		assert.Equal(t, core.DetectedByScan, f.DetectedBy)
		assert.Equal(t, string(f.MatchType), f.MatchDetails["pass"])
	}
}

func TestScan_PrimaryIsEarliestCreated(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ids := seed(t, st,
		core.ClientRecord{FirstName: "Dana", LastName: "Diaz", Email: "dana@example.org",
			CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		core.ClientRecord{FirstName: "Dana", LastName: "Diaz", Email: "dana@example.org",
			CreatedAt: time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)},
	)

	sum, err := scan.New(st, nil, nil, zaptest.NewLogger(t)).Scan(ctx, scan.Filter{}, scan.Options{})
	require.NoError(t, err)

	// THEN: The older record is primary even though its id is higher
	require.Len(t, sum.Pairs, 1)
	assert.Equal(t, ids[1], sum.Pairs[0].PrimaryID)
	assert.Equal(t, ids[0], sum.Pairs[0].DuplicateID)
	assert.Equal(t, core.MatchEmail, sum.Pairs[0].MatchType)
}

func TestScan_LegacyIDsJoinTheSourcePass(t *testing.T) {
	// GIVEN: A merged client that absorbed SMIS 111, and a later client
	// re-created under that id
	ctx := context.Background()
	st := store.NewMemory()
	ids := seed(t, st,
		core.ClientRecord{Source: "EMHware", ClientID: "222", FirstName: "Jonathan", LastName: "Smith",
			LegacyIDs: []core.LegacyID{{Source: "SMIS", ClientID: "111", Label: core.LegacyLabelMerged}}},
		core.ClientRecord{Source: "SMIS", ClientID: "111", FirstName: "J", LastName: "Smithers"},
	)

	sum, err := scan.New(st, nil, nil, zaptest.NewLogger(t)).Scan(ctx, scan.Filter{}, scan.Options{})
	require.NoError(t, err)

	// THEN: They pair on the shared id with the merged client as primary
	require.Len(t, sum.Pairs, 1)
	assert.Equal(t, core.MatchSourceClientID, sum.Pairs[0].MatchType)
	assert.Equal(t, ids[0], sum.Pairs[0].PrimaryID)
	assert.Equal(t, ids[1], sum.Pairs[0].DuplicateID)
}

func TestScan_FuzzyNames(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st,
		// close names, no DOB: fuzzy_name at >= 0.9
		core.ClientRecord{FirstName: "Jon", LastName: "Smith"},
		core.ClientRecord{FirstName: "John", LastName: "Smith"},
		// looser names with the same DOB: dob_name_similarity
		core.ClientRecord{FirstName: "Jon", LastName: "Smyth", DOB: dob(1975, time.June, 9)},
		core.ClientRecord{FirstName: "John", LastName: "Smith", DOB: dob(1975, time.June, 9)},
		// same name, different DOB: never a candidate
		core.ClientRecord{FirstName: "Kay", LastName: "Kim", DOB: dob(1990, time.March, 3)},
		core.ClientRecord{FirstName: "Kay", LastName: "Kim", DOB: dob(1991, time.March, 3)},
	)

	sum, err := scan.New(st, nil, nil, zaptest.NewLogger(t)).Scan(ctx, scan.Filter{}, scan.Options{})
	require.NoError(t, err)

	var types []core.MatchType
	for _, p := range sum.Pairs {
		types = append(types, p.MatchType)
		assert.NotEqual(t, "Kay Kim", p.PrimaryName)
	}
	assert.Contains(t, types, core.MatchFuzzyName)
	assert.Contains(t, types, core.MatchDOBNameSimilarity)

	for _, p := range sum.Pairs {
		if p.MatchType == core.MatchDOBNameSimilarity {
			assert.Equal(t, "Jon Smyth", p.PrimaryName)
			assert.Equal(t, core.ConfidenceMedium, p.Confidence)
		}
	}
}

func TestScan_PlaceholderDOBIsNotEvidence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st,
		core.ClientRecord{FirstName: "Max", LastName: "Payne", DOB: dob(1900, time.January, 1)},
		core.ClientRecord{FirstName: "Max", LastName: "Payne", DOB: dob(1900, time.January, 1)},
	)

	sum, err := scan.New(st, nil, nil, zaptest.NewLogger(t)).Scan(ctx, scan.Filter{}, scan.Options{})
	require.NoError(t, err)

	// THEN: The pair only surfaces through the name comparison
	require.Len(t, sum.Pairs, 1)
	assert.Equal(t, core.MatchFuzzyName, sum.Pairs[0].MatchType)
}

func TestScan_SkipsKnownPairs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ids := seed(t, st,
		core.ClientRecord{FirstName: "Eve", LastName: "Evans", Email: "eve@example.org"},
		core.ClientRecord{FirstName: "Eve", LastName: "Evans", Email: "eve@example.org"},
	)
	require.NoError(t, st.CreateDuplicate(ctx, &core.ClientDuplicate{
		PrimaryID: ids[0], DuplicateID: ids[1], Score: decimal.NewFromFloat(0.99),
		MatchType: core.MatchEmail, Status: core.DuplicateNotDuplicate, DetectedBy: core.DetectedByScan,
	}))

	// WHEN: A reviewer already dismissed the pair
	sum, err := scan.New(st, nil, nil, zaptest.NewLogger(t)).Scan(ctx, scan.Filter{}, scan.Options{})
	require.NoError(t, err)

	// THEN: The scan leaves it alone
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, sum.Flagged)
	assert.Empty(t, pending(t, st))
}

func TestScan_LimitTruncatesListOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	var clients []core.ClientRecord
	for _, email := range []string{"a@x.org", "b@x.org", "c@x.org", "d@x.org"} {
		clients = append(clients,
			core.ClientRecord{FirstName: "Pat", LastName: email, Email: email},
			core.ClientRecord{FirstName: "Pat", LastName: email, Email: email},
		)
	}
	seed(t, st, clients...)

	sum, err := scan.New(st, nil, nil, zaptest.NewLogger(t)).Scan(ctx, scan.Filter{}, scan.Options{Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Flagged)
	assert.Len(t, sum.Pairs, 2)
	assert.True(t, sum.Truncated)
	assert.Len(t, pending(t, st), 4)
}

// =============================================================================
// AUTO-MERGE TESTS
// =============================================================================

func TestScan_AutoMergeFollowsSurvivors(t *testing.T) {
	// GIVEN: A and B share an email; B and C share a phone
	ctx := context.Background()
	st := store.NewMemory()
	ids := seed(t, st,
		core.ClientRecord{Source: "SMIS", ClientID: "1", FirstName: "Gail", LastName: "Grant", Email: "gail@example.org"},
		core.ClientRecord{Source: "SMIS", ClientID: "2", FirstName: "Gail", LastName: "Grant", Email: "gail@example.org", Phone: "4165550100"},
		core.ClientRecord{Source: "EMHware", ClientID: "3", FirstName: "Gayle", LastName: "Grant", Phone: "4165550100"},
	)
	engine := merge.New(st, nil, zaptest.NewLogger(t))

	// WHEN: The scan auto-merges
	sum, err := scan.New(st, nil, engine, zaptest.NewLogger(t)).Scan(ctx, scan.Filter{}, scan.Options{AutoMerge: true})
	require.NoError(t, err)

	// THEN: Both merges land on the oldest client
	assert.Equal(t, 2, sum.Merged)
	assert.Empty(t, sum.Errors)

	left, err := st.ListClients(ctx, core.ClientFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, ids[0], left[0].ID)
	assert.Equal(t, "4165550100", left[0].Phone)
	assert.True(t, left[0].HasLegacyID("EMHware", "3"))
	assert.Empty(t, pending(t, st))
}

func TestScan_FailedMergeBecomesFlag(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st,
		core.ClientRecord{FirstName: "Hal", LastName: "Hughes", Email: "hal@example.org"},
		core.ClientRecord{FirstName: "Hal", LastName: "Hughes", Email: "hal@example.org"},
	)
	merger := &failingMerger{}

	sum, err := scan.New(st, nil, merger, zaptest.NewLogger(t)).Scan(ctx, scan.Filter{}, scan.Options{AutoMerge: true})
	require.NoError(t, err)

	assert.Equal(t, 1, merger.calls)
	assert.Zero(t, sum.Merged)
	assert.Equal(t, 1, sum.Flagged)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "enrollment table locked")

	flags := pending(t, st)
	require.Len(t, flags, 1)
	assert.Equal(t, "enrollment table locked", flags[0].MatchDetails["auto_merge_error"])
}

func TestScan_AutoMergeNeedsEngine(t *testing.T) {
	_, err := scan.New(store.NewMemory(), nil, nil, zaptest.NewLogger(t)).
		Scan(context.Background(), scan.Filter{}, scan.Options{AutoMerge: true})
	assert.Error(t, err)
}

func TestScan_FuzzyPairsAreNotAutoMerged(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st,
		core.ClientRecord{FirstName: "Jon", LastName: "Smith"},
		core.ClientRecord{FirstName: "John", LastName: "Smith"},
	)
	merger := &failingMerger{}

	sum, err := scan.New(st, nil, merger, zaptest.NewLogger(t)).Scan(ctx, scan.Filter{}, scan.Options{AutoMerge: true})
	require.NoError(t, err)

	assert.Zero(t, merger.calls)
	assert.Equal(t, 1, sum.Flagged)
}

// =============================================================================
// PRUNE
// =============================================================================

func TestPrune_RemovesLowPendingFlagsOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ids := seed(t, st,
		core.ClientRecord{FirstName: "A"}, core.ClientRecord{FirstName: "B"},
		core.ClientRecord{FirstName: "C"}, core.ClientRecord{FirstName: "D"},
	)
	for _, d := range []core.ClientDuplicate{
		{PrimaryID: ids[0], DuplicateID: ids[1], Score: decimal.RequireFromString("0.5"), Status: core.DuplicatePending},
		{PrimaryID: ids[0], DuplicateID: ids[2], Score: decimal.RequireFromString("0.95"), Status: core.DuplicatePending},
		{PrimaryID: ids[0], DuplicateID: ids[3], Score: decimal.RequireFromString("0.5"), Status: core.DuplicateNotDuplicate},
	} {
		require.NoError(t, st.CreateDuplicate(ctx, &d))
	}

	n, err := scan.New(st, nil, nil, zaptest.NewLogger(t)).Prune(ctx, decimal.RequireFromString("0.9"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := st.ListDuplicates(ctx, core.DuplicateFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestScheduler_RunNowRecordsResult(t *testing.T) {
	st := store.NewMemory()
	seed(t, st,
		core.ClientRecord{FirstName: "Ian", LastName: "Irwin", Phone: "4165550123"},
		core.ClientRecord{FirstName: "Ian", LastName: "Irwin", Phone: "4165550123"},
	)
	s := scan.NewScheduler(scan.New(st, nil, nil, zaptest.NewLogger(t)), time.Hour, scan.Options{}, zaptest.NewLogger(t))

	last, _ := s.Last()
	assert.Nil(t, last)

	sum, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Flagged)

	last, err = s.Last()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Flagged)
}

func TestScheduler_StartRunsImmediately(t *testing.T) {
	st := store.NewMemory()
	s := scan.NewScheduler(scan.New(st, nil, nil, zaptest.NewLogger(t)), time.Hour, scan.Options{}, zaptest.NewLogger(t))

	s.Start()
	assert.Eventually(t, func() bool {
		last, _ := s.Last()
		return last != nil
	}, time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestScheduler_DisabledDoesNothing(t *testing.T) {
	s := scan.NewScheduler(scan.New(store.NewMemory(), nil, nil, zaptest.NewLogger(t)), 0, scan.Options{}, zaptest.NewLogger(t))
	assert.False(t, s.Enabled)

	s.Start()
	s.Stop()
	last, _ := s.Last()
	assert.Nil(t, last)
}
