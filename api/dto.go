/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types in core
  carry no JSON tags; these types are the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - upload.Result, scan.Summary: Returned as-is, already tagged
*/
package api

import (
	"time"

	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/enrollment"
	"github.com/casework/client-dedup/merge"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CLIENTS
// =============================================================================

// ClientDTO represents a client in API responses.
type ClientDTO struct {
	ID                core.ClientID   `json:"id"`
	ExternalID        string          `json:"external_id,omitempty"`
	ClientID          string          `json:"client_id"`
	Source            string          `json:"source"`
	FirstName         string          `json:"first_name"`
	LastName          string          `json:"last_name"`
	PreferredName     string          `json:"preferred_name,omitempty"`
	Alias             string          `json:"alias,omitempty"`
	DOB               *core.Date      `json:"dob,omitempty"`
	Gender            string          `json:"gender,omitempty"`
	Languages         []string        `json:"languages,omitempty"`
	Phone             string          `json:"phone,omitempty"`
	Email             string          `json:"email,omitempty"`
	ContactInfo       map[string]any  `json:"contact_information,omitempty"`
	LegacyIDs         []core.LegacyID `json:"legacy_client_ids"`
	SecondarySourceID string          `json:"secondary_source_id,omitempty"`
	IsInactive        bool            `json:"is_inactive"`
	IsArchived        bool            `json:"is_archived"`
	UpdatedBy         string          `json:"updated_by,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toClientDTO(c core.ClientRecord) ClientDTO {
	legacy := c.LegacyIDs
	if legacy == nil {
		legacy = []core.LegacyID{}
	}
	return ClientDTO{
		ID:                c.ID,
		ExternalID:        c.ExternalID,
		ClientID:          c.ClientID,
		Source:            c.Source,
		FirstName:         c.FirstName,
		LastName:          c.LastName,
		PreferredName:     c.PreferredName,
		Alias:             c.Alias,
		DOB:               c.DOB,
		Gender:            c.Gender,
		Languages:         c.Languages,
		Phone:             c.Phone,
		Email:             c.Email,
		ContactInfo:       c.ContactInfo,
		LegacyIDs:         legacy,
		SecondarySourceID: c.SecondarySourceID,
		IsInactive:        c.IsInactive,
		IsArchived:        c.IsArchived,
		UpdatedBy:         c.UpdatedBy,
		UpdatedAt:         c.UpdatedAt,
	}
}

// =============================================================================
// UPLOADS
// =============================================================================

// UploadLogDTO represents a stored upload log.
type UploadLogDTO struct {
	ID             string            `json:"id"`
	FileName       string            `json:"file_name"`
	Source         string            `json:"source"`
	Status         core.UploadStatus `json:"status"`
	TotalRows      int               `json:"total_rows"`
	ProcessedRows  int               `json:"processed_rows"`
	CreatedCount   int               `json:"created_count"`
	UpdatedCount   int               `json:"updated_count"`
	SkippedCount   int               `json:"skipped_count"`
	DuplicateCount int               `json:"duplicates_flagged_count"`
	ErrorCount     int               `json:"error_count"`
	ErrorCode      string            `json:"error_code,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Errors         []core.RowError   `json:"errors"`
	CreatedBy      string            `json:"created_by"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

func toUploadLogDTO(l core.UploadLog) UploadLogDTO {
	errs := l.Errors
	if errs == nil {
		errs = []core.RowError{}
	}
	return UploadLogDTO{
		ID:             l.ID,
		FileName:       l.FileName,
		Source:         l.Source,
		Status:         l.Status,
		TotalRows:      l.TotalRows,
		ProcessedRows:  l.ProcessedRows,
		CreatedCount:   l.CreatedCount,
		UpdatedCount:   l.UpdatedCount,
		SkippedCount:   l.SkippedCount,
		DuplicateCount: l.DuplicateCount,
		ErrorCount:     l.ErrorCount,
		ErrorCode:      l.ErrorCode,
		ErrorMessage:   l.ErrorMessage,
		Errors:         errs,
		CreatedBy:      l.CreatedBy,
		StartedAt:      l.StartedAt,
		FinishedAt:     l.FinishedAt,
	}
}

// ProgressDTO is the latest progress snapshot of an upload.
type ProgressDTO struct {
	UploadID      string    `json:"upload_id"`
	Phase         string    `json:"phase"`
	TotalRows     int       `json:"total_rows"`
	ProcessedRows int       `json:"processed_rows"`
	Percent       int       `json:"percent"`
	Chunk         int       `json:"chunk"`
	Chunks        int       `json:"chunks"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// =============================================================================
// DUPLICATES
// =============================================================================

// DuplicateDTO represents a duplicate flag with both clients' names.
type DuplicateDTO struct {
	ID            core.DuplicateID     `json:"id"`
	PrimaryID     core.ClientID        `json:"primary_client_id"`
	PrimaryName   string               `json:"primary_name"`
	DuplicateID   core.ClientID        `json:"duplicate_client_id"`
	DuplicateName string               `json:"duplicate_name"`
	Score         decimal.Decimal      `json:"similarity_score"`
	MatchType     core.MatchType       `json:"match_type"`
	Confidence    core.Confidence      `json:"confidence_level"`
	Status        core.DuplicateStatus `json:"status"`
	DetectedBy    core.DetectionSource `json:"detected_by"`
	MatchDetails  map[string]any       `json:"match_details,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	ResolvedAt    *time.Time           `json:"resolved_at,omitempty"`
	ResolvedBy    string               `json:"resolved_by,omitempty"`
}

func toDuplicateDTO(d core.ClientDuplicate, names map[core.ClientID]string) DuplicateDTO {
	return DuplicateDTO{
		ID:            d.ID,
		PrimaryID:     d.PrimaryID,
		PrimaryName:   names[d.PrimaryID],
		DuplicateID:   d.DuplicateID,
		DuplicateName: names[d.DuplicateID],
		Score:         d.Score,
		MatchType:     d.MatchType,
		Confidence:    d.Confidence,
		Status:        d.Status,
		DetectedBy:    d.DetectedBy,
		MatchDetails:  d.MatchDetails,
		CreatedAt:     d.CreatedAt,
		ResolvedAt:    d.ResolvedAt,
		ResolvedBy:    d.ResolvedBy,
	}
}

// MergeRequest is the body of POST /api/duplicates/{id}/merge.
type MergeRequest struct {
	// KeepClientID picks the surviving client; zero keeps the flag's primary.
	KeepClientID core.ClientID    `json:"keep_client_id"`
	Fields       merge.Resolution `json:"fields"`
}

// MergeResultDTO is returned after a merge.
type MergeResultDTO struct {
	Client               ClientDTO     `json:"client"`
	MergedClientID       core.ClientID `json:"merged_client_id"`
	ChangedFields        []string      `json:"changed_fields"`
	EnrollmentsMoved     int           `json:"enrollments_moved"`
	EnrollmentsMerged    int           `json:"enrollments_merged"`
	RestrictionsMoved    int           `json:"restrictions_moved"`
	RestrictionsArchived int           `json:"restrictions_archived"`
	LinksMoved           int           `json:"links_moved"`
	FlagsDeleted         int           `json:"flags_deleted"`
}

func toMergeResultDTO(out *merge.Outcome) MergeResultDTO {
	changed := out.ChangedFields
	if changed == nil {
		changed = []string{}
	}
	return MergeResultDTO{
		Client:               toClientDTO(out.Primary),
		MergedClientID:       out.DuplicateID,
		ChangedFields:        changed,
		EnrollmentsMoved:     out.EnrollmentsMoved,
		EnrollmentsMerged:    out.EnrollmentsMerged,
		RestrictionsMoved:    out.RestrictionsMoved,
		RestrictionsArchived: out.RestrictionsArchived,
		LinksMoved:           out.LinksMoved,
		FlagsDeleted:         out.FlagsDeleted,
	}
}

// ScanRequest is the body of POST /api/duplicates/scan. Every field is optional.
type ScanRequest struct {
	AutoMerge bool            `json:"auto_merge"`
	Limit     int             `json:"limit"`
	Source    string          `json:"source"`
	ClientIDs []core.ClientID `json:"client_ids"`
}

// PruneRequest is the body of POST /api/duplicates/prune.
type PruneRequest struct {
	// Threshold defaults to the configured flag threshold.
	Threshold *decimal.Decimal `json:"threshold"`
}

// PruneResponse reports how many flags were deleted.
type PruneResponse struct {
	Threshold decimal.Decimal `json:"threshold"`
	Deleted   int             `json:"deleted"`
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

// EnrollRequest is the body of POST /api/clients/{id}/enrollments.
type EnrollRequest struct {
	ProgramID       core.ProgramID `json:"program_id"`
	StartDate       *core.Date     `json:"start_date"`
	EndDate         *core.Date     `json:"end_date"`
	Notes           string         `json:"notes"`
	DischargeReason string         `json:"discharge_reason"`
}

// EnrollmentDTO represents an enrollment.
type EnrollmentDTO struct {
	ID         core.EnrollmentID     `json:"id"`
	ClientID   core.ClientID         `json:"client_id"`
	ProgramID  core.ProgramID        `json:"program_id"`
	StartDate  core.Date             `json:"start_date"`
	EndDate    *core.Date            `json:"end_date"`
	Status     core.EnrollmentStatus `json:"status"`
	Notes      string                `json:"notes,omitempty"`
	IsArchived bool                  `json:"is_archived"`
}

func toEnrollmentDTO(e core.Enrollment) EnrollmentDTO {
	return EnrollmentDTO{
		ID:         e.ID,
		ClientID:   e.ClientID,
		ProgramID:  e.ProgramID,
		StartDate:  e.Start,
		EndDate:    e.End,
		Status:     e.Status,
		Notes:      e.Notes,
		IsArchived: e.IsArchived,
	}
}

// EnrollResultDTO reports an interactive enrollment.
type EnrollResultDTO struct {
	Enrollment EnrollmentDTO   `json:"enrollment"`
	Merged     bool            `json:"merged"`
	Archived   []EnrollmentDTO `json:"archived"`
}

func toEnrollResultDTO(res enrollment.Result) EnrollResultDTO {
	archived := make([]EnrollmentDTO, len(res.Archived))
	for i, e := range res.Archived {
		archived[i] = toEnrollmentDTO(e)
	}
	return EnrollResultDTO{
		Enrollment: toEnrollmentDTO(res.Survivor),
		Merged:     res.Merged,
		Archived:   archived,
	}
}

// ConsolidateRequest is the body of POST /api/enrollments/consolidate.
type ConsolidateRequest struct {
	ClientIDs []core.ClientID `json:"client_ids"`
	DryRun    bool            `json:"dry_run"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
