/*
Package enrollment reconciles program enrollments whose date ranges overlap
or sit within a day of each other.

PURPOSE:
  A client may hold several enrollments in one program, but never two whose
  intervals overlap or adjoin. Uploads, interactive enrollment, identity
  merges and batch consolidation all funnel through Reconcile so the rule
  is implemented exactly once.

KEY CONCEPTS:
  Survivor:  The enrollment that ends up covering the union. When anything
             overlaps, the earliest overlapping enrollment survives and
             keeps its identifier.
  Absorbed:  Other overlapping enrollments. They are archived, never
             deleted, and their notes are appended to the survivor's.

MERGE RULES:
  start = earliest start of everything merged
  end   = open when the incoming interval is open, otherwise the latest
          bounded end among everything merged. An incoming enrollment
          moved from elsewhere keeps the plain union: open if any member
          is open.
  notes = survivor notes, then "Merged: <absorbed notes>", then the
          incoming notes, joined with " | "

  An inverted incoming interval (end before start) is repaired by pulling
  the start back to the end.

SEE ALSO:
  - core/interval.go: OverlapsOrAdjoins
  - service.go: Persisting wrapper, Consolidate, inactive recompute
*/
package enrollment

import (
	"sort"
	"strings"

	"github.com/casework/client-dedup/core"
)

const (
	noteSeparator = " | "
	mergedPrefix  = "Merged: "
)

// Request describes an interval to fold into a client's enrollments in one
// program.
type Request struct {
	Interval        core.Interval
	Notes           string
	DischargeReason string
	CreatedBy       string

	// Incoming is an existing enrollment being moved in from another client
	// (identity merge) or another group member (consolidation). When nothing
	// overlaps it is kept and re-pointed instead of creating a new record.
	Incoming *core.Enrollment
}

// Result is the outcome of Reconcile. Survivor.ID is zero when a new
// enrollment must be created.
type Result struct {
	Survivor core.Enrollment
	Archived []core.Enrollment
	Merged   bool
}

// Reconcile folds req into existing, which must all belong to clientID and
// programID. It is pure: callers persist the result.
func Reconcile(clientID core.ClientID, programID core.ProgramID, existing []core.Enrollment, req Request) Result {
	incoming := req.Interval.Normalize()
	if req.Incoming != nil {
		incoming = req.Incoming.Interval().Normalize()
	}

	overlapping := overlappingWith(existing, incoming)
	if len(overlapping) == 0 {
		return Result{Survivor: fresh(clientID, programID, incoming, req)}
	}

	survivor := overlapping[0]
	start := incoming.Start
	var ends []core.Date
	if incoming.End != nil {
		ends = append(ends, *incoming.End)
	}
	notes := []string{survivor.Notes}

	var archived []core.Enrollment
	for _, e := range overlapping {
		start = core.MinDate(start, e.Start)
		if e.End != nil {
			ends = append(ends, *e.End)
		}
		if e.ID == survivor.ID {
			continue
		}
		if e.Notes != "" {
			notes = append(notes, mergedPrefix+e.Notes)
		}
		archived = append(archived, archive(e))
	}

	if req.Incoming != nil {
		moved := *req.Incoming
		moved.ClientID = clientID
		if moved.Notes != "" {
			notes = append(notes, mergedPrefix+moved.Notes)
		}
		archived = append(archived, archive(moved))
	} else {
		notes = append(notes, requestNotes(incoming, req)...)
	}

	// A moved enrollment keeps the true union, so an open member stays open.
	open := incoming.IsOpen()
	if req.Incoming != nil {
		open = open || anyOpen(overlapping)
	}

	survivor.Start = start
	survivor.End = nil
	if !open && len(ends) > 0 {
		end := ends[0]
		for _, d := range ends[1:] {
			end = core.MaxDate(end, d)
		}
		survivor.End = &end
	}
	survivor.Notes = joinNotes(notes)
	survivor.Status = survivor.DeriveStatus()

	return Result{Survivor: survivor, Archived: archived, Merged: true}
}

// overlappingWith returns non-archived enrollments touching iv, earliest
// start first (lower id on ties).
func overlappingWith(existing []core.Enrollment, iv core.Interval) []core.Enrollment {
	var out []core.Enrollment
	for _, e := range existing {
		if e.IsArchived {
			continue
		}
		if e.Interval().OverlapsOrAdjoins(iv) {
			out = append(out, e)
		}
	}
	sortByStart(out)
	return out
}

func anyOpen(es []core.Enrollment) bool {
	for _, e := range es {
		if e.End == nil {
			return true
		}
	}
	return false
}

func fresh(clientID core.ClientID, programID core.ProgramID, iv core.Interval, req Request) core.Enrollment {
	if req.Incoming != nil {
		moved := *req.Incoming
		moved.ClientID = clientID
		moved.ProgramID = programID
		moved.Start, moved.End = iv.Start, iv.End
		moved.Status = moved.DeriveStatus()
		return moved
	}
	e := core.Enrollment{
		ClientID:  clientID,
		ProgramID: programID,
		Start:     iv.Start,
		End:       iv.End,
		Notes:     joinNotes(requestNotes(iv, req)),
		CreatedBy: req.CreatedBy,
	}
	e.Status = e.DeriveStatus()
	return e
}

func requestNotes(iv core.Interval, req Request) []string {
	notes := []string{req.Notes}
	if req.DischargeReason != "" && iv.End != nil {
		notes = append(notes, "Discharge Date: "+iv.End.String()+noteSeparator+"Reason: "+req.DischargeReason)
	}
	return notes
}

func archive(e core.Enrollment) core.Enrollment {
	e.IsArchived = true
	e.Status = core.EnrollmentArchived
	return e
}

// joinNotes drops blanks and repeats, keeping first-seen order.
func joinNotes(parts []string) string {
	seen := make(map[string]bool, len(parts))
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return strings.Join(out, noteSeparator)
}

func sortByStart(es []core.Enrollment) {
	sort.SliceStable(es, func(i, j int) bool {
		if !es[i].Start.Equal(es[j].Start) {
			return es[i].Start.Before(es[j].Start)
		}
		return es[i].ID < es[j].ID
	})
}

// =============================================================================
// GROUPING
// =============================================================================

type groupKey struct {
	client  core.ClientID
	program core.ProgramID
}

// GroupOverlapping partitions non-archived enrollments into transitive
// overlap groups per (client, program). Only groups with two or more
// members are returned, ordered by client, program and start.
func GroupOverlapping(enrollments []core.Enrollment) [][]core.Enrollment {
	byKey := make(map[groupKey][]core.Enrollment)
	var keys []groupKey
	for _, e := range enrollments {
		if e.IsArchived {
			continue
		}
		k := groupKey{e.ClientID, e.ProgramID}
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], e)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].client != keys[j].client {
			return keys[i].client < keys[j].client
		}
		return keys[i].program < keys[j].program
	})

	var out [][]core.Enrollment
	for _, k := range keys {
		members := byKey[k]
		sortByStart(members)

		group := []core.Enrollment{members[0]}
		union := members[0].Interval()
		for _, e := range members[1:] {
			if e.Interval().OverlapsOrAdjoins(union) {
				group = append(group, e)
				union = widen(union, e.Interval())
				continue
			}
			if len(group) > 1 {
				out = append(out, group)
			}
			group = []core.Enrollment{e}
			union = e.Interval()
		}
		if len(group) > 1 {
			out = append(out, group)
		}
	}
	return out
}

func widen(a, b core.Interval) core.Interval {
	out := core.Interval{Start: core.MinDate(a.Start, b.Start)}
	if a.End != nil && b.End != nil {
		end := core.MaxDate(*a.End, *b.End)
		out.End = &end
	}
	return out
}

// MergeGroup folds an overlap group into its earliest member through
// Reconcile, one member at a time.
func MergeGroup(group []core.Enrollment) Result {
	if len(group) == 0 {
		return Result{}
	}
	members := append([]core.Enrollment(nil), group...)
	sortByStart(members)

	survivor := members[0]
	var archived []core.Enrollment
	for i := range members[1:] {
		e := members[i+1]
		res := Reconcile(survivor.ClientID, survivor.ProgramID, []core.Enrollment{survivor}, Request{Incoming: &e})
		if !res.Merged {
			continue
		}
		survivor = res.Survivor
		archived = append(archived, res.Archived...)
	}
	return Result{Survivor: survivor, Archived: archived, Merged: len(archived) > 0}
}

// =============================================================================
// INACTIVE STATUS
// =============================================================================

// IsInactive reports whether a client with these enrollments should be
// marked inactive on today: it has enrollments, and none of the
// non-archived ones is open or ends on or after today.
func IsInactive(enrollments []core.Enrollment, today core.Date) bool {
	live := 0
	for _, e := range enrollments {
		if e.IsArchived {
			continue
		}
		live++
		if e.End == nil || e.End.AfterOrEqual(today) {
			return false
		}
	}
	return live > 0
}
