package enrollment_test

import (
	"context"
	"testing"
	"time"

	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/core/store"
	"github.com/casework/client-dedup/enrollment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func day(y int, m time.Month, d int) core.Date { return core.NewDate(y, m, d) }

func ptr(d core.Date) *core.Date { return &d }

func closed(from, to core.Date) core.Interval { return core.Interval{Start: from, End: &to} }

func open(from core.Date) core.Interval { return core.Interval{Start: from} }

func enr(id core.EnrollmentID, iv core.Interval, notes string) core.Enrollment {
	return core.Enrollment{ID: id, ClientID: 1, ProgramID: 10, Start: iv.Start, End: iv.End, Notes: notes}
}

func fixedClock(d core.Date) enrollment.Option {
	return enrollment.WithClock(func() time.Time { return d.Time })
}

// =============================================================================
// RECONCILE TESTS
// =============================================================================

func TestReconcile_NoOverlapCreates(t *testing.T) {
	existing := []core.Enrollment{enr(1, closed(day(2023, 1, 1), day(2023, 1, 31)), "")}

	// Three days after the end is a real gap.
	res := enrollment.Reconcile(1, 10, existing, enrollment.Request{Interval: open(day(2023, 2, 3))})

	assert.False(t, res.Merged)
	assert.Zero(t, res.Survivor.ID)
	assert.Equal(t, core.EnrollmentActive, res.Survivor.Status)
	assert.Empty(t, res.Archived)
}

func TestReconcile_AdjacentIntervalsMerge(t *testing.T) {
	// GIVEN: January stay
	existing := []core.Enrollment{enr(1, closed(day(2023, 1, 1), day(2023, 1, 31)), "intake")}

	// WHEN: A stay starting the next day arrives
	res := enrollment.Reconcile(1, 10, existing, enrollment.Request{
		Interval: closed(day(2023, 2, 1), day(2023, 2, 28)),
		Notes:    "re-keyed",
	})

	// THEN: One interval covers the union
	require.True(t, res.Merged)
	assert.Equal(t, core.EnrollmentID(1), res.Survivor.ID)
	assert.Equal(t, day(2023, 1, 1), res.Survivor.Start)
	assert.Equal(t, "2023-02-28", res.Survivor.End.String())
	assert.Equal(t, "intake | re-keyed", res.Survivor.Notes)
}

func TestReconcile_MergesSeveralAndArchivesOthers(t *testing.T) {
	existing := []core.Enrollment{
		enr(2, closed(day(2023, 3, 1), day(2023, 3, 31)), "march"),
		enr(1, closed(day(2023, 1, 1), day(2023, 1, 31)), "january"),
		enr(3, closed(day(2023, 9, 1), day(2023, 9, 30)), "september"),
	}

	res := enrollment.Reconcile(1, 10, existing, enrollment.Request{
		Interval: closed(day(2023, 1, 15), day(2023, 3, 10)),
	})

	require.True(t, res.Merged)
	assert.Equal(t, core.EnrollmentID(1), res.Survivor.ID)
	assert.Equal(t, "2023-03-31", res.Survivor.End.String())
	assert.Equal(t, "january | Merged: march", res.Survivor.Notes)
	require.Len(t, res.Archived, 1)
	assert.Equal(t, core.EnrollmentID(2), res.Archived[0].ID)
	assert.True(t, res.Archived[0].IsArchived)
}

func TestReconcile_OpenIncomingStaysOpen(t *testing.T) {
	existing := []core.Enrollment{enr(1, closed(day(2023, 1, 1), day(2023, 1, 31)), "")}

	res := enrollment.Reconcile(1, 10, existing, enrollment.Request{Interval: open(day(2023, 1, 20))})

	require.True(t, res.Merged)
	assert.Nil(t, res.Survivor.End)
	assert.Equal(t, core.EnrollmentActive, res.Survivor.Status)
}

func TestReconcile_ClosedIncomingTakesLatestBoundedEnd(t *testing.T) {
	existing := []core.Enrollment{enr(1, open(day(2023, 1, 1)), "")}

	res := enrollment.Reconcile(1, 10, existing, enrollment.Request{
		Interval:        closed(day(2023, 2, 1), day(2023, 4, 30)),
		DischargeReason: "completed",
	})

	require.True(t, res.Merged)
	assert.Equal(t, "2023-04-30", res.Survivor.End.String())
	assert.Equal(t, "Discharge Date: 2023-04-30 | Reason: completed", res.Survivor.Notes)
}

func TestReconcile_InvertedIntervalIsRepaired(t *testing.T) {
	res := enrollment.Reconcile(1, 10, nil, enrollment.Request{
		Interval: core.Interval{Start: day(2023, 5, 10), End: ptr(day(2023, 5, 1))},
	})
	assert.Equal(t, day(2023, 5, 1), res.Survivor.Start)
}

func TestReconcile_IncomingWithoutOverlapIsRepointed(t *testing.T) {
	moved := core.Enrollment{ID: 50, ClientID: 2, ProgramID: 10, Start: day(2022, 1, 1), End: ptr(day(2022, 2, 1))}

	res := enrollment.Reconcile(1, 10, nil, enrollment.Request{Incoming: &moved})

	assert.False(t, res.Merged)
	assert.Equal(t, core.EnrollmentID(50), res.Survivor.ID)
	assert.Equal(t, core.ClientID(1), res.Survivor.ClientID)
}

func TestReconcile_IncomingOpenMemberKeepsUnionOpen(t *testing.T) {
	existing := []core.Enrollment{enr(1, open(day(2023, 1, 1)), "")}
	moved := core.Enrollment{ID: 50, ClientID: 2, ProgramID: 10, Start: day(2023, 2, 1), End: ptr(day(2023, 3, 1)), Notes: "other"}

	res := enrollment.Reconcile(1, 10, existing, enrollment.Request{Incoming: &moved})

	require.True(t, res.Merged)
	assert.Nil(t, res.Survivor.End)
	assert.Equal(t, "Merged: other", res.Survivor.Notes)
	require.Len(t, res.Archived, 1)
	assert.Equal(t, core.ClientID(1), res.Archived[0].ClientID)
}

// =============================================================================
// GROUPING AND INACTIVE TESTS
// =============================================================================

func TestGroupOverlapping_Transitive(t *testing.T) {
	es := []core.Enrollment{
		enr(1, closed(day(2023, 1, 1), day(2023, 1, 31)), ""),
		enr(2, closed(day(2023, 2, 1), day(2023, 2, 28)), ""),
		enr(3, closed(day(2023, 3, 1), day(2023, 3, 5)), ""),
		enr(4, closed(day(2023, 6, 1), day(2023, 6, 5)), ""),
	}

	groups := enrollment.GroupOverlapping(es)

	require.Len(t, groups, 1)
	assert.Len(t, groups[0], 3)

	merged := enrollment.MergeGroup(groups[0])
	assert.Equal(t, core.EnrollmentID(1), merged.Survivor.ID)
	assert.Equal(t, "2023-03-05", merged.Survivor.End.String())
	assert.Len(t, merged.Archived, 2)
}

func TestMergeGroup_OpenMemberKeepsGroupOpen(t *testing.T) {
	// GIVEN: A closed enrollment followed by an open one that overlaps it
	group := []core.Enrollment{
		enr(1, closed(day(2023, 1, 1), day(2023, 3, 31)), ""),
		enr(2, open(day(2023, 2, 1)), ""),
	}

	// WHEN: Consolidating the group
	merged := enrollment.MergeGroup(group)

	// THEN: The survivor stays open rather than closing at 2023-03-31
	require.True(t, merged.Merged)
	assert.Equal(t, core.EnrollmentID(1), merged.Survivor.ID)
	assert.Nil(t, merged.Survivor.End)
	assert.Equal(t, core.EnrollmentActive, merged.Survivor.DeriveStatus())
}

func TestIsInactive(t *testing.T) {
	today := day(2024, 1, 1)
	assert.False(t, enrollment.IsInactive(nil, today))
	assert.True(t, enrollment.IsInactive([]core.Enrollment{enr(1, closed(day(2023, 1, 1), day(2023, 2, 1)), "")}, today))
	assert.False(t, enrollment.IsInactive([]core.Enrollment{enr(1, open(day(2023, 1, 1)), "")}, today))
	assert.False(t, enrollment.IsInactive([]core.Enrollment{enr(1, closed(day(2023, 1, 1), today), "")}, today))
}

// =============================================================================
// SERVICE TESTS
// =============================================================================

func TestService_EnrollAndConsolidate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := enrollment.NewService(zaptest.NewLogger(t), fixedClock(day(2024, 1, 1)))

	ids, err := st.CreateClients(ctx, []core.ClientRecord{{FirstName: "Maria"}})
	require.NoError(t, err)
	program := &core.Program{Name: "Shelter", IsActive: true}
	require.NoError(t, st.SaveProgram(ctx, program))

	// GIVEN: Two overlapping enrollments created behind the merger's back
	for _, iv := range []core.Interval{
		closed(day(2023, 1, 1), day(2023, 1, 31)),
		closed(day(2023, 1, 20), day(2023, 2, 15)),
	} {
		e := &core.Enrollment{ClientID: ids[0], ProgramID: program.ID, Start: iv.Start, End: iv.End}
		require.NoError(t, st.CreateEnrollment(ctx, e))
	}

	// WHEN: Previewing, then consolidating
	preview, err := svc.Consolidate(ctx, st, enrollment.ConsolidateOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, preview.Archived)

	report, err := svc.Consolidate(ctx, st, enrollment.ConsolidateOptions{})
	require.NoError(t, err)

	// THEN: One live enrollment remains and the client is inactive
	assert.Equal(t, 1, report.Groups)
	assert.Equal(t, 1, report.Archived)
	live, err := st.ListEnrollments(ctx, core.EnrollmentFilter{ClientIDs: ids})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "2023-02-15", live[0].End.String())

	client, err := st.GetClient(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, client.IsInactive)

	// AND: An interactive open enrollment reactivates the client
	_, err = svc.Enroll(ctx, st, ids[0], program.ID, enrollment.Request{Interval: open(day(2023, 12, 1))})
	require.NoError(t, err)
	client, err = st.GetClient(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, client.IsInactive)
}

func TestService_EnrollUnknownClient(t *testing.T) {
	svc := enrollment.NewService(zaptest.NewLogger(t))
	_, err := svc.Enroll(context.Background(), store.NewMemory(), 99, 1, enrollment.Request{Interval: open(day(2023, 1, 1))})
	assert.ErrorIs(t, err, core.ErrClientNotFound)
}
