/*
store.go - Persistence contracts for clients, enrollments and duplicate flags

PURPOSE:
  Defines the interface between the engine and the database. Engine packages
  only ever see these interfaces; SQLite and in-memory implementations live
  under store/.

KEY INTERFACES:
  Store:        Everything the engine reads and writes
  TxStore:      Store plus WithTx for all-or-nothing units of work
  LinkageStore: Optional notes and upload-linkage capability. The merge
                engine reassigns these when present and skips them otherwise.

TRANSACTIONS:
  WithTx(ctx, fn) runs fn against a transactional view of the store. If fn
  returns an error every write made through the view is rolled back. Code
  running inside fn must only use the view it was handed; touching the outer
  store from inside a transaction is not supported.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - core/store: In-memory for tests and dry runs

SEE ALSO:
  - types.go: Persisted shapes
  - upload, merge, scan: Callers of WithTx
*/
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FILTERS
// =============================================================================

// ClientFilter narrows ListClients.
type ClientFilter struct {
	IDs             []ClientID
	Source          string
	IncludeArchived bool
}

// ClientLookup asks for every client that shares at least one key with an
// upload file. Used to pre-load caches sized to the file, not the population.
type ClientLookup struct {
	SourceKeys []SourceKey
	ClientIDs  []string // any source, for cross-source name checks
	Emails     []string // lower-cased
	Phones     []string // digits only
	DOBs       []Date
}

// IsEmpty reports whether the lookup has no keys at all.
func (l ClientLookup) IsEmpty() bool {
	return len(l.SourceKeys) == 0 && len(l.ClientIDs) == 0 && len(l.Emails) == 0 && len(l.Phones) == 0 && len(l.DOBs) == 0
}

// EnrollmentFilter narrows ListEnrollments. Zero values mean "any".
type EnrollmentFilter struct {
	ClientIDs       []ClientID
	ProgramID       ProgramID
	IncludeArchived bool
}

// DuplicateFilter narrows ListDuplicates and DeleteDuplicates.
type DuplicateFilter struct {
	Status     DuplicateStatus
	ClientID   ClientID
	BelowScore *decimal.Decimal
}

// =============================================================================
// STORE - Interface for persistence
// =============================================================================

type ClientStore interface {
	// GetClient returns ErrClientNotFound when id doesn't exist.
	GetClient(ctx context.Context, id ClientID) (*ClientRecord, error)

	ListClients(ctx context.Context, filter ClientFilter) ([]ClientRecord, error)

	// FindClients returns non-archived clients matching any key in lookup.
	FindClients(ctx context.Context, lookup ClientLookup) ([]ClientRecord, error)

	// CreateClients inserts clients in order and returns their assigned ids.
	CreateClients(ctx context.Context, clients []ClientRecord) ([]ClientID, error)

	UpdateClients(ctx context.Context, clients []ClientRecord) error

	// DeleteClient removes the client and its extended attributes.
	DeleteClient(ctx context.Context, id ClientID) error
}

type ProgramStore interface {
	SaveDepartment(ctx context.Context, d *Department) error
	ListDepartments(ctx context.Context) ([]Department, error)
	SaveProgram(ctx context.Context, p *Program) error
	ListPrograms(ctx context.Context) ([]Program, error)
}

type EnrollmentStore interface {
	ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]Enrollment, error)
	CreateEnrollment(ctx context.Context, e *Enrollment) error
	UpdateEnrollment(ctx context.Context, e Enrollment) error

	ListRestrictions(ctx context.Context, clientID ClientID) ([]ServiceRestriction, error)
	CreateRestriction(ctx context.Context, r *ServiceRestriction) error
	UpdateRestriction(ctx context.Context, r ServiceRestriction) error
}

type DuplicateStore interface {
	// GetDuplicate returns ErrDuplicateNotFound when id doesn't exist.
	GetDuplicate(ctx context.Context, id DuplicateID) (*ClientDuplicate, error)

	ListDuplicates(ctx context.Context, filter DuplicateFilter) ([]ClientDuplicate, error)

	// FindDuplicatePair returns the most recent flag for the unordered pair
	// in any status, or nil when the pair was never flagged.
	FindDuplicatePair(ctx context.Context, a, b ClientID) (*ClientDuplicate, error)

	// CreateDuplicate returns ErrPairAlreadyFlagged when a pending flag
	// already exists for the unordered pair.
	CreateDuplicate(ctx context.Context, d *ClientDuplicate) error

	UpdateDuplicate(ctx context.Context, d ClientDuplicate) error

	// DeleteDuplicatesFor removes every flag in which id appears on either side.
	DeleteDuplicatesFor(ctx context.Context, id ClientID) (int, error)

	DeleteDuplicates(ctx context.Context, filter DuplicateFilter) (int, error)
}

type UploadLogStore interface {
	CreateUploadLog(ctx context.Context, log *UploadLog) error
	UpdateUploadLog(ctx context.Context, log UploadLog) error

	// GetUploadLog returns ErrUploadNotFound when id doesn't exist.
	GetUploadLog(ctx context.Context, id string) (*UploadLog, error)

	// LinkUploadClients records which clients an upload created or updated.
	LinkUploadClients(ctx context.Context, uploadID string, ids []ClientID) error
}

// Store is everything the engine persists.
type Store interface {
	ClientStore
	ProgramStore
	EnrollmentStore
	DuplicateStore
	UploadLogStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// LINKAGE - Optional relations reassigned during a merge
// =============================================================================

// LinkageStore is implemented by stores that keep client notes and
// upload-to-client links.
type LinkageStore interface {
	CreateNote(ctx context.Context, n *ClientNote) error
	ListNotes(ctx context.Context, clientID ClientID) ([]ClientNote, error)

	// ReassignLinks moves notes and upload links from one client to another
	// and returns how many rows moved.
	ReassignLinks(ctx context.Context, from, to ClientID) (int, error)
}
