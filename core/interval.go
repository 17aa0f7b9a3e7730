package core

// =============================================================================
// INTERVAL - Enrollment and restriction date ranges
// =============================================================================

// Interval is a closed date range [Start, End]. A nil End means the range is
// open-ended (still ongoing).
//
// Examples:
//   - Closed stay: 2023-01-01 .. 2023-01-31
//   - Active enrollment: 2023-02-01 .. (open)
type Interval struct {
	Start Date
	End   *Date
}

// IsOpen reports whether the interval has no end date.
func (i Interval) IsOpen() bool { return i.End == nil }

// Normalize repairs an inverted interval by pulling Start back to End.
// Inverted bounds are corrected, never rejected.
func (i Interval) Normalize() Interval {
	if i.End != nil && i.End.Before(i.Start) {
		return Interval{Start: *i.End, End: i.End}
	}
	return i
}

// Contains reports whether d falls inside the interval.
func (i Interval) Contains(d Date) bool {
	if d.Before(i.Start) {
		return false
	}
	return i.End == nil || d.BeforeOrEqual(*i.End)
}

// OverlapsOrAdjoins reports whether two intervals overlap or sit within one
// day of each other.
//
//	both open          => true
//	one open           => the other starts at/after the open start, or ends at/after it
//	both closed        => start1 <= end2 && start2 <= end1, or end+1 day == other start
func (i Interval) OverlapsOrAdjoins(o Interval) bool {
	switch {
	case i.End == nil && o.End == nil:
		return true
	case i.End == nil:
		return o.Start.AfterOrEqual(i.Start) || o.End.AfterOrEqual(i.Start)
	case o.End == nil:
		return i.Start.AfterOrEqual(o.Start) || i.End.AfterOrEqual(o.Start)
	}

	overlap := i.Start.BeforeOrEqual(*o.End) && o.Start.BeforeOrEqual(*i.End)
	adjacent := i.End.AddDays(1).Equal(o.Start) || o.End.AddDays(1).Equal(i.Start)
	return overlap || adjacent
}

// String returns a string representation of the interval.
func (i Interval) String() string {
	end := "open"
	if i.End != nil {
		end = i.End.String()
	}
	return "[" + i.Start.String() + ", " + end + "]"
}
