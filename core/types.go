/*
types.go - Domain model for client identity, enrollments and duplicate flags

PURPOSE:
  Defines the persisted shapes shared by every engine package. Nothing in
  here talks to a database or parses input; see store.go for persistence and
  the normalize package for row parsing.

KEY CONCEPTS:
  ClientRecord:     A person as known to one source system. The natural key
                    (Source, ClientID) is NOT globally unique: the same person
                    can appear under several sources and sometimes twice under
                    one source. Deduplication exists because of this.
  LegacyID:         A (source, client_id) pair absorbed from a merged record.
  Enrollment:       A date interval binding one client to one program.
  ClientDuplicate:  A suspected-duplicate flag between two clients, reviewed
                    by a human or resolved by an automatic merge.
  UploadLog:        Progress and outcome of one bulk upload. Written outside
                    the upload transaction so it survives a rollback.

IDENTIFIERS:
  Internal identifiers are int64 and assigned by the store. Lower identifiers
  were created earlier and win tie-breaks when picking a merge primary.

SEE ALSO:
  - record.go: CanonicalRecord (normalized upload row)
  - store.go: Persistence contracts
  - errors.go: Error types
*/
package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	ClientID      int64
	ProgramID     int64
	DepartmentID  int64
	EnrollmentID  int64
	RestrictionID int64
	NoteID        int64
	DuplicateID   int64
)

// SourceKey is the natural key of a client inside one source system.
type SourceKey struct {
	Source   string
	ClientID string
}

// =============================================================================
// CLIENT
// =============================================================================

// ClientRecord is a person known to the system.
// Empty strings mean "not provided".
type ClientRecord struct {
	ID         ClientID
	ExternalID string
	ClientID   string // identifier inside Source
	Source     string

	FirstName     string
	LastName      string
	PreferredName string
	Alias         string
	DOB           *Date

	Gender            string
	SexualOrientation string
	Race              string
	ImmigrationStatus string
	Languages         []string

	Phone       string
	Email       string
	ContactInfo map[string]any

	LegacyIDs         []LegacyID
	SecondarySourceID string

	IsInactive bool
	IsArchived bool

	Extended ClientExtended

	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SourceKey returns the natural key, normalized for lookups.
func (c ClientRecord) SourceKey() SourceKey {
	return NewSourceKey(c.Source, c.ClientID)
}

// FullName joins first and last name with a single space.
func (c ClientRecord) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// HasLegacyID reports whether (source, clientID) is already recorded.
func (c ClientRecord) HasLegacyID(source, clientID string) bool {
	for _, l := range c.LegacyIDs {
		if l.Source == source && l.ClientID == clientID {
			return true
		}
	}
	return false
}

// NewSourceKey builds a SourceKey with case-insensitive source and trimmed id.
func NewSourceKey(source, clientID string) SourceKey {
	return SourceKey{
		Source:   strings.ToUpper(strings.TrimSpace(source)),
		ClientID: strings.TrimSpace(clientID),
	}
}

// LegacyID records an identifier a client carried before a merge. Label
// tells whether it was the surviving client's own id or came from the
// client that was merged away.
type LegacyID struct {
	Source   string    `json:"source"`
	ClientID string    `json:"client_id"`
	Label    string    `json:"label,omitempty"`
	MergedAt time.Time `json:"merged_at"`
	MergedBy string    `json:"merged_by,omitempty"`
}

// Legacy ID labels.
const (
	LegacyLabelPrimary = "primary"
	LegacyLabelMerged  = "merged"
)

// Key returns the legacy id as a normalized SourceKey.
func (l LegacyID) Key() SourceKey {
	return NewSourceKey(l.Source, l.ClientID)
}

// SourceKeys returns the client's own key followed by every legacy key
// that differs from it. Blank ids are skipped.
func (c ClientRecord) SourceKeys() []SourceKey {
	var keys []SourceKey
	seen := make(map[SourceKey]bool, len(c.LegacyIDs)+1)
	add := func(k SourceKey) {
		if k.ClientID == "" || seen[k] {
			return
		}
		seen[k] = true
		keys = append(keys, k)
	}
	add(c.SourceKey())
	for _, l := range c.LegacyIDs {
		add(l.Key())
	}
	return keys
}

// ClientExtended holds the extended-attribute side table.
type ClientExtended struct {
	Veteran        *bool
	Indigenous     *bool
	HouseholdSize  *int
	ReferralSource string
}

// IsEmpty reports whether no extended attribute is set.
func (e ClientExtended) IsEmpty() bool {
	return e.Veteran == nil && e.Indigenous == nil && e.HouseholdSize == nil && e.ReferralSource == ""
}

// =============================================================================
// PROGRAMS AND ENROLLMENTS
// =============================================================================

type Department struct {
	ID   DepartmentID
	Name string
}

type Program struct {
	ID           ProgramID
	Name         string
	DepartmentID DepartmentID
	IsActive     bool
}

// EnrollmentStatus is derived from the interval when an enrollment is saved.
type EnrollmentStatus string

const (
	EnrollmentActive     EnrollmentStatus = "active"
	EnrollmentDischarged EnrollmentStatus = "discharged"
	EnrollmentArchived   EnrollmentStatus = "archived"
)

// Enrollment binds a client to a program over a date interval.
type Enrollment struct {
	ID         EnrollmentID
	ClientID   ClientID
	ProgramID  ProgramID
	Start      Date
	End        *Date
	Status     EnrollmentStatus
	Notes      string
	IsArchived bool
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Interval returns the enrollment's date range.
func (e Enrollment) Interval() Interval {
	return Interval{Start: e.Start, End: e.End}
}

// DeriveStatus returns the status implied by archival and the end date.
func (e Enrollment) DeriveStatus() EnrollmentStatus {
	switch {
	case e.IsArchived:
		return EnrollmentArchived
	case e.End == nil:
		return EnrollmentActive
	default:
		return EnrollmentDischarged
	}
}

// ActiveOn reports whether a non-archived enrollment covers d.
func (e Enrollment) ActiveOn(d Date) bool {
	return !e.IsArchived && !d.Before(e.Start) && (e.End == nil || d.BeforeOrEqual(*e.End))
}

// RestrictionScope is the reach of a service restriction.
type RestrictionScope string

const (
	ScopeOrganization RestrictionScope = "org"
	ScopeProgram      RestrictionScope = "program"
)

// ServiceRestriction bars a client from services, organization-wide or for
// one program.
type ServiceRestriction struct {
	ID         RestrictionID
	ClientID   ClientID
	Scope      RestrictionScope
	ProgramID  *ProgramID
	Start      Date
	End        *Date
	Reason     string
	IsArchived bool
	CreatedAt  time.Time
}

// Equivalent reports whether two restrictions describe the same bar:
// same scope, program and start date.
func (r ServiceRestriction) Equivalent(o ServiceRestriction) bool {
	if r.Scope != o.Scope || !r.Start.Equal(o.Start) {
		return false
	}
	if r.ProgramID == nil || o.ProgramID == nil {
		return r.ProgramID == nil && o.ProgramID == nil
	}
	return *r.ProgramID == *o.ProgramID
}

// ClientNote is a free-text note attached to a client.
type ClientNote struct {
	ID        NoteID
	ClientID  ClientID
	Title     string
	Content   string
	CreatedAt time.Time
}

// =============================================================================
// DUPLICATE FLAGS
// =============================================================================

// MatchType names the rule that produced a match.
type MatchType string

const (
	MatchNone              MatchType = ""
	MatchSourceClientID    MatchType = "source_client_id"
	MatchEmail             MatchType = "email"
	MatchPhone             MatchType = "phone"
	MatchEmailPhone        MatchType = "email_phone"
	MatchCrossSourceName   MatchType = "cross_source_name"
	MatchNameDOB           MatchType = "name_dob"
	MatchDOBNameSimilarity MatchType = "dob_name_similarity"
	MatchFuzzyName         MatchType = "fuzzy_name"
)

// IsExact reports whether the match type comes from an exact-field rule
// rather than a similarity score.
func (m MatchType) IsExact() bool {
	switch m {
	case MatchSourceClientID, MatchEmail, MatchPhone, MatchEmailPhone, MatchNameDOB:
		return true
	}
	return false
}

// Confidence buckets a similarity score for display and auto-merge decisions.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceVeryLow Confidence = "very_low"
)

type DuplicateStatus string

const (
	DuplicatePending      DuplicateStatus = "pending"
	DuplicateConfirmed    DuplicateStatus = "confirmed"
	DuplicateNotDuplicate DuplicateStatus = "not_duplicate"
	DuplicateResolved     DuplicateStatus = "resolved"
)

// DetectionSource records which pipeline raised a duplicate flag.
type DetectionSource string

const (
	DetectedByUpload DetectionSource = "upload"
	DetectedByScan   DetectionSource = "scan"
)

// ClientDuplicate flags a suspected duplicate pair. At most one pending flag
// exists per unordered pair.
type ClientDuplicate struct {
	ID           DuplicateID
	PrimaryID    ClientID
	DuplicateID  ClientID
	Score        decimal.Decimal
	MatchType    MatchType
	Confidence   Confidence
	Status       DuplicateStatus
	DetectedBy   DetectionSource
	MatchDetails map[string]any
	CreatedAt    time.Time
	ResolvedAt   *time.Time
	ResolvedBy   string
}

// Involves reports whether id is either side of the pair.
func (d ClientDuplicate) Involves(id ClientID) bool {
	return d.PrimaryID == id || d.DuplicateID == id
}

// PairKey returns the unordered pair as (low, high).
func PairKey(a, b ClientID) [2]ClientID {
	if b < a {
		return [2]ClientID{b, a}
	}
	return [2]ClientID{a, b}
}

// =============================================================================
// UPLOAD LOG
// =============================================================================

type UploadStatus string

const (
	UploadRunning UploadStatus = "running"
	UploadSuccess UploadStatus = "success"
	UploadPartial UploadStatus = "partial"
	UploadFailed  UploadStatus = "failed"
)

// UploadLog is the externally visible record of one bulk upload.
type UploadLog struct {
	ID             string
	FileName       string
	Source         string
	Status         UploadStatus
	TotalRows      int
	ProcessedRows  int
	CreatedCount   int
	UpdatedCount   int
	SkippedCount   int
	DuplicateCount int
	ErrorCount     int
	ErrorCode      string
	ErrorMessage   string
	Errors         []RowError // first few row errors; ErrorCount is exact
	CreatedBy      string
	StartedAt      time.Time
	FinishedAt     *time.Time
}
