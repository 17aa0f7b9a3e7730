package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/casework/client-dedup/core"
	"github.com/xuri/excelize/v2"
)

// Excel serial numbers outside this range are not treated as dates.
const (
	minExcelSerial = 1
	maxExcelSerial = 1_000_000
)

// dateLayouts is tried after the generic parser gives up. US forms come
// before EU forms for the ambiguous numeric shapes.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"20060102",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"01/02/06",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"2.1.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"02-Jan-2006",
	"02-Jan-06",
}

// ParseDate turns a cell into a calendar day. Attempts, in order:
//
//  1. time values, passed through
//  2. Excel serial numbers in [1, 1000000] from the 1899-12-30 epoch
//  3. the generic parser, retrying ambiguous day/month with a swap
//  4. dateLayouts
//  5. splitting on / or - and guessing which part is the year
//
// A number outside the serial range still gets the text attempts, so
// "20230315" parses as a compact date. Returns nil when nothing works.
func ParseDate(v any) *core.Date {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return core.DateOf(t).Ptr()
	case core.Date:
		return t.Ptr()
	case *core.Date:
		return t
	case int:
		if d := fromSerial(float64(t)); d != nil {
			return d
		}
		v = strconv.Itoa(t)
	case int64:
		if d := fromSerial(float64(t)); d != nil {
			return d
		}
		v = strconv.FormatInt(t, 10)
	case float64:
		if d := fromSerial(t); d != nil {
			return d
		}
	}

	s, ok := text(v)
	if !ok {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if d := fromSerial(f); d != nil {
			return d
		}
	}
	if t, err := dateparse.ParseIn(s, time.UTC, dateparse.RetryAmbiguousDateWithSwap(true)); err == nil {
		return core.DateOf(t).Ptr()
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return core.DateOf(t).Ptr()
		}
	}
	return splitDate(s)
}

func fromSerial(f float64) *core.Date {
	if f < minExcelSerial || f > maxExcelSerial {
		return nil
	}
	t, err := excelize.ExcelDateToTime(f, false)
	if err != nil {
		return nil
	}
	return core.DateOf(t).Ptr()
}

// splitDate handles "a/b/c" and "a-b-c" where the year is either first or
// last and day/month order is inferred from which value can't be a month.
func splitDate(s string) *core.Date {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '-' })
	if len(parts) != 3 {
		return nil
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil
		}
		nums[i] = n
	}

	var year, a, b int
	switch {
	case len(strings.TrimSpace(parts[0])) == 4:
		year, a, b = nums[0], nums[1], nums[2] // Y-M-D
	case len(strings.TrimSpace(parts[2])) == 4:
		year, a, b = nums[2], nums[0], nums[1]
	default:
		return nil
	}

	month, day := a, b
	if len(strings.TrimSpace(parts[2])) == 4 && a > 12 && b <= 12 {
		month, day = b, a
	}
	return validDate(year, month, day)
}

func validDate(year, month, day int) *core.Date {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return nil
	}
	d := core.NewDate(year, time.Month(month), day)
	// time.Date normalizes Feb 30 into March; reject that.
	if d.Time.Day() != day || int(d.Time.Month()) != month {
		return nil
	}
	return &d
}
