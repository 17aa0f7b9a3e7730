/*
Package normalize turns raw upload rows into typed canonical records.

PURPOSE:
  Upload cells arrive as strings, floats or time values depending on the
  file format and the spreadsheet that produced it. This package coerces
  them into core.CanonicalRecord, the only row shape the engine handles.

NEVER FAILS:
  Normalization never returns an error. A malformed cell becomes nil and
  the row carries on; deciding whether a missing value is fatal for the row
  is the upload orchestrator's job.

KEY RULES:
  Dates:      time values, Excel serials, generic parse, fixed layouts, then
              a manual split (see ParseDate)
  Client ID:  whole floats like 2765.0 become "2765"
  Names:      a combined "client" column is split when first/last columns
              are absent or blank (see ParseCombinedName)
  Nulls:      "", "none", "null", "nan" (any case) are nil

USAGE:
  mapping := mapper.MapColumns(src.Columns())
  rec := normalize.Normalize(rowNum, row, mapping)

SEE ALSO:
  - fieldmap: Produces the Mapping consumed here
  - core/record.go: CanonicalRecord
*/
package normalize

import (
	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/fieldmap"
	"github.com/casework/client-dedup/tabular"
)

// Normalize builds a canonical record from one row. rowNum is the 1-based
// data row number used in error reports.
func Normalize(rowNum int, row tabular.Row, m fieldmap.Mapping) core.CanonicalRecord {
	get := func(f fieldmap.Field) any {
		col, ok := m.Column(f)
		if !ok {
			return nil
		}
		return row.Value(col)
	}

	rec := core.CanonicalRecord{
		Row:               rowNum,
		ClientID:          ClientID(get(fieldmap.ClientID)),
		FirstName:         Text(get(fieldmap.FirstName)),
		LastName:          Text(get(fieldmap.LastName)),
		PreferredName:     Text(get(fieldmap.PreferredName)),
		Alias:             Text(get(fieldmap.Alias)),
		DOB:               ParseDate(get(fieldmap.DOB)),
		Gender:            Text(get(fieldmap.Gender)),
		SexualOrientation: Text(get(fieldmap.SexualOrientation)),
		Race:              Text(get(fieldmap.Race)),
		ImmigrationStatus: Text(get(fieldmap.ImmigrationStatus)),
		Languages:         ParseLanguages(get(fieldmap.Languages)),
		Phone:             Phone(get(fieldmap.Phone)),
		Email:             Email(get(fieldmap.Email)),
		ContactInfo:       ParseContactInfo(get(fieldmap.ContactInfo)),

		Veteran:        ParseBool(get(fieldmap.Veteran)),
		Indigenous:     ParseBool(get(fieldmap.Indigenous)),
		HouseholdSize:  ParseInt(get(fieldmap.HouseholdSize)),
		ReferralSource: Text(get(fieldmap.ReferralSource)),

		ProgramName:     Text(get(fieldmap.Program)),
		DepartmentName:  Text(get(fieldmap.Department)),
		StartDate:       ParseDate(get(fieldmap.StartDate)),
		EndDate:         ParseDate(get(fieldmap.EndDate)),
		DischargeReason: Text(get(fieldmap.DischargeReason)),
		EnrollmentNotes: Text(get(fieldmap.EnrollmentNotes)),
	}

	if rec.FirstName == nil && rec.LastName == nil {
		if full := Text(get(fieldmap.FullName)); full != nil {
			applyCombinedName(&rec, *full)
		}
	}
	return rec
}

func applyCombinedName(rec *core.CanonicalRecord, full string) {
	parts, ok := ParseCombinedName(full)
	if !ok {
		return
	}
	if parts.FirstName != "" {
		rec.FirstName = &parts.FirstName
	}
	if parts.LastName != "" {
		rec.LastName = &parts.LastName
	}
	if parts.ClientID != "" && rec.ClientID == nil {
		rec.ClientID = &parts.ClientID
	}
}
