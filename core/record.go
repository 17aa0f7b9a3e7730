package core

import (
	"reflect"
	"strings"
)

// =============================================================================
// CANONICAL RECORD - One normalized upload row
// =============================================================================

// CanonicalRecord is a row after field mapping and normalization. A nil
// pointer means the column was absent or blank, which matters for sparse
// updates: only non-nil fields overwrite stored values.
type CanonicalRecord struct {
	Row int // 1-based data row number in the source file

	ClientID          *string
	FirstName         *string
	LastName          *string
	PreferredName     *string
	Alias             *string
	DOB               *Date
	Gender            *string
	SexualOrientation *string
	Race              *string
	ImmigrationStatus *string
	Languages         []string
	Phone             *string
	Email             *string
	ContactInfo       map[string]any

	Veteran        *bool
	Indigenous     *bool
	HouseholdSize  *int
	ReferralSource *string

	// Enrollment columns.
	ProgramName     *string
	DepartmentName  *string
	StartDate       *Date
	EndDate         *Date
	DischargeReason *string
	EnrollmentNotes *string
}

// HasIdentity reports whether the row carries anything that identifies a
// person. Rows without identity are skipped.
func (r CanonicalRecord) HasIdentity() bool {
	return nonBlank(r.ClientID) || nonBlank(r.FirstName) || nonBlank(r.LastName) ||
		nonBlank(r.Email) || nonBlank(r.Phone)
}

// HasEnrollment reports whether the row names a program.
func (r CanonicalRecord) HasEnrollment() bool {
	return nonBlank(r.ProgramName)
}

// Interval returns the enrollment interval carried by the row, normalized.
// The start falls back to the end date, then to fallback.
func (r CanonicalRecord) Interval(fallback Date) Interval {
	start := fallback
	switch {
	case r.StartDate != nil:
		start = *r.StartDate
	case r.EndDate != nil:
		start = *r.EndDate
	}
	return Interval{Start: start, End: r.EndDate}.Normalize()
}

// ToClient builds a new ClientRecord from the row.
func (r CanonicalRecord) ToClient(source string) ClientRecord {
	c := ClientRecord{Source: source}
	r.ApplyTo(&c)
	return c
}

// ApplyTo overwrites the fields of c that the row provides. Absent fields
// leave c untouched. Returns the names of the fields that changed.
func (r CanonicalRecord) ApplyTo(c *ClientRecord) []string {
	var changed []string
	set := func(name string, dst *string, src *string) {
		if src == nil || *dst == *src {
			return
		}
		*dst = *src
		changed = append(changed, name)
	}

	set("client_id", &c.ClientID, r.ClientID)
	set("first_name", &c.FirstName, r.FirstName)
	set("last_name", &c.LastName, r.LastName)
	set("preferred_name", &c.PreferredName, r.PreferredName)
	set("alias", &c.Alias, r.Alias)
	set("gender", &c.Gender, r.Gender)
	set("sexual_orientation", &c.SexualOrientation, r.SexualOrientation)
	set("race", &c.Race, r.Race)
	set("immigration_status", &c.ImmigrationStatus, r.ImmigrationStatus)
	set("phone", &c.Phone, r.Phone)
	set("email", &c.Email, r.Email)
	set("referral_source", &c.Extended.ReferralSource, r.ReferralSource)

	if r.DOB != nil && !SameDate(c.DOB, r.DOB) {
		c.DOB = r.DOB.Ptr()
		changed = append(changed, "dob")
	}
	if len(r.Languages) > 0 && strings.Join(r.Languages, ",") != strings.Join(c.Languages, ",") {
		c.Languages = append([]string(nil), r.Languages...)
		changed = append(changed, "languages")
	}
	if len(r.ContactInfo) > 0 {
		merged := make(map[string]any, len(c.ContactInfo)+len(r.ContactInfo))
		for k, v := range c.ContactInfo {
			merged[k] = v
		}
		differs := false
		for k, v := range r.ContactInfo {
			if old, ok := merged[k]; !ok || !reflect.DeepEqual(old, v) {
				differs = true
			}
			merged[k] = v
		}
		if differs {
			c.ContactInfo = merged
			changed = append(changed, "contact_info")
		}
	}
	if r.Veteran != nil && (c.Extended.Veteran == nil || *c.Extended.Veteran != *r.Veteran) {
		v := *r.Veteran
		c.Extended.Veteran = &v
		changed = append(changed, "veteran")
	}
	if r.Indigenous != nil && (c.Extended.Indigenous == nil || *c.Extended.Indigenous != *r.Indigenous) {
		v := *r.Indigenous
		c.Extended.Indigenous = &v
		changed = append(changed, "indigenous")
	}
	if r.HouseholdSize != nil && (c.Extended.HouseholdSize == nil || *c.Extended.HouseholdSize != *r.HouseholdSize) {
		v := *r.HouseholdSize
		c.Extended.HouseholdSize = &v
		changed = append(changed, "household_size")
	}
	return changed
}

func nonBlank(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

// StringValue dereferences s, returning "" for nil.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
