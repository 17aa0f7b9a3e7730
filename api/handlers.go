/*
handlers.go - HTTP API handlers for client deduplication

PURPOSE:
  Exposes uploads, duplicate review, scans and enrollments over REST. Handles
  HTTP request/response and JSON serialization, and delegates to the engines.

ENDPOINTS:
  Uploads:
    POST   /api/uploads                     Multipart upload (file, source)
    GET    /api/uploads/{id}                Upload log
    GET    /api/uploads/{id}/progress       Latest progress snapshot

  Duplicates:
    GET    /api/duplicates?status=          List flags
    POST   /api/duplicates/scan             Scan the population
    POST   /api/duplicates/prune            Delete low-similarity pending flags
    POST   /api/duplicates/{id}/merge       Merge the pair with field choices
    POST   /api/duplicates/{id}/confirm     Confirm a pending flag
    POST   /api/duplicates/{id}/not-duplicate  Dismiss a flag

  Enrollments:
    POST   /api/clients/{id}/enrollments    Enroll through the interval merger
    POST   /api/enrollments/consolidate     Merge overlapping enrollments

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Role lacks the capability
  - 404: Resource not found
  - 409: Flag already resolved or already pending
  - 500: Internal errors

  Uploads are the exception: a failed upload is a normal 200 response with
  success=false, because the payload describes the rollback.

SEE ALSO:
  - dto.go: Request/response data structures
  - capabilities.go: Role to capability mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/enrollment"
	"github.com/casework/client-dedup/merge"
	"github.com/casework/client-dedup/scan"
	"github.com/casework/client-dedup/upload"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       core.TxStore
	Uploads     *upload.Orchestrator
	Merges      *merge.Engine
	Scans       *scan.Orchestrator
	Enrollments *enrollment.Service

	MaxUploadBytes int64
	PruneThreshold decimal.Decimal

	log *zap.Logger
}

// NewHandler wires default engines over st. Callers replace fields to use
// configured engines.
func NewHandler(st core.TxStore, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	enrollments := enrollment.NewService(log)
	merges := merge.New(st, enrollments, log)
	return &Handler{
		Store:          st,
		Uploads:        upload.New(st, nil, nil, enrollments, log),
		Merges:         merges,
		Scans:          scan.New(st, nil, merges, log),
		Enrollments:    enrollments,
		MaxUploadBytes: 25 << 20,
		PruneThreshold: decimal.RequireFromString("0.9"),
		log:            log.Named("api"),
	}
}

// =============================================================================
// UPLOAD HANDLERS
// =============================================================================

// Upload runs a bulk upload from the multipart "file" field.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large", err)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file", err)
		return
	}
	defer file.Close()

	res, err := h.Uploads.ProcessFile(r.Context(), header.Filename, file, r.FormValue("source"), actorOf(r))
	if err != nil {
		h.log.Warn("upload failed",
			zap.String("file", header.Filename),
			zap.String("upload_id", res.UploadID),
			zap.String("code", string(res.ErrorCode)),
			zap.Error(err),
		)
	}
	writeJSON(w, http.StatusOK, res)
}

// GetUpload returns the stored upload log.
func (h *Handler) GetUpload(w http.ResponseWriter, r *http.Request) {
	ul, err := h.Store.GetUploadLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to get upload", err)
		return
	}
	writeJSON(w, http.StatusOK, toUploadLogDTO(*ul))
}

// GetUploadProgress returns the latest in-memory progress snapshot. It is
// readable while the upload's transaction is still open.
func (h *Handler) GetUploadProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := h.Uploads.Tracker().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "No progress for upload", core.ErrUploadNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ProgressDTO{
		UploadID:      p.UploadID,
		Phase:         string(p.Phase),
		TotalRows:     p.TotalRows,
		ProcessedRows: p.ProcessedRows,
		Percent:       p.Percent(),
		Chunk:         p.Chunk,
		Chunks:        p.Chunks,
		UpdatedAt:     p.UpdatedAt,
	})
}

// =============================================================================
// DUPLICATE HANDLERS
// =============================================================================

// ListDuplicates returns flags, optionally filtered by ?status=. Flags naming
// an archived client are hidden unless the role can see archived clients.
func (h *Handler) ListDuplicates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := core.DuplicateStatus(r.URL.Query().Get("status"))
	switch status {
	case "", core.DuplicatePending, core.DuplicateConfirmed, core.DuplicateNotDuplicate, core.DuplicateResolved:
	default:
		writeError(w, http.StatusBadRequest, "Invalid status", fmt.Errorf("unknown status %q", status))
		return
	}

	flags, err := h.Store.ListDuplicates(ctx, core.DuplicateFilter{Status: status})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list duplicates", err)
		return
	}

	ids := make([]core.ClientID, 0, 2*len(flags))
	for _, d := range flags {
		ids = append(ids, d.PrimaryID, d.DuplicateID)
	}
	clients := []core.ClientRecord{}
	if len(ids) > 0 {
		clients, err = h.Store.ListClients(ctx, core.ClientFilter{IDs: ids, IncludeArchived: true})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load clients", err)
			return
		}
	}
	names := make(map[core.ClientID]string, len(clients))
	archived := make(map[core.ClientID]bool)
	for _, c := range clients {
		names[c.ID] = c.FullName()
		if c.IsArchived {
			archived[c.ID] = true
		}
	}

	canSeeArchived := capabilitiesOf(r).CanSeeArchived
	dtos := make([]DuplicateDTO, 0, len(flags))
	for _, d := range flags {
		if !canSeeArchived && (archived[d.PrimaryID] || archived[d.DuplicateID]) {
			continue
		}
		dtos = append(dtos, toDuplicateDTO(d, names))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ScanDuplicates runs a population scan. Auto-merge needs the merge capability.
func (h *Handler) ScanDuplicates(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.AutoMerge && !capabilitiesOf(r).CanMerge {
		writeError(w, http.StatusForbidden, "Auto-merge requires merge permission", nil)
		return
	}

	sum, err := h.Scans.Scan(r.Context(),
		scan.Filter{Source: req.Source, ClientIDs: req.ClientIDs},
		scan.Options{AutoMerge: req.AutoMerge, Limit: req.Limit, Actor: actorOf(r)},
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Scan failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// PruneDuplicates deletes pending flags scoring below the threshold.
func (h *Handler) PruneDuplicates(w http.ResponseWriter, r *http.Request) {
	var req PruneRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	threshold := h.PruneThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if !threshold.IsPositive() || threshold.GreaterThan(decimal.NewFromInt(1)) {
		writeError(w, http.StatusBadRequest, "Threshold must be in (0, 1]", nil)
		return
	}

	n, err := h.Scans.Prune(r.Context(), threshold)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Prune failed", err)
		return
	}
	writeJSON(w, http.StatusOK, PruneResponse{Threshold: threshold, Deleted: n})
}

// MergeDuplicate merges the flagged pair using the reviewer's field choices.
func (h *Handler) MergeDuplicate(w http.ResponseWriter, r *http.Request) {
	id, ok := duplicateIDParam(w, r)
	if !ok {
		return
	}
	if !capabilitiesOf(r).CanMerge {
		writeError(w, http.StatusForbidden, "Merging requires merge permission", nil)
		return
	}
	var req MergeRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	out, err := h.Merges.ResolveDuplicate(r.Context(), id, req.KeepClientID, req.Fields, actorOf(r))
	if err != nil {
		writeDomainError(w, "Merge failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toMergeResultDTO(out))
}

// ConfirmDuplicate marks a flag as a confirmed duplicate.
func (h *Handler) ConfirmDuplicate(w http.ResponseWriter, r *http.Request) {
	id, ok := duplicateIDParam(w, r)
	if !ok {
		return
	}
	d, err := h.Merges.Confirm(r.Context(), id, actorOf(r))
	if err != nil {
		writeDomainError(w, "Failed to confirm duplicate", err)
		return
	}
	writeJSON(w, http.StatusOK, toDuplicateDTO(*d, nil))
}

// MarkNotDuplicate dismisses a flag as a false positive.
func (h *Handler) MarkNotDuplicate(w http.ResponseWriter, r *http.Request) {
	id, ok := duplicateIDParam(w, r)
	if !ok {
		return
	}
	d, err := h.Merges.MarkNotDuplicate(r.Context(), id, actorOf(r))
	if err != nil {
		writeDomainError(w, "Failed to dismiss duplicate", err)
		return
	}
	writeJSON(w, http.StatusOK, toDuplicateDTO(*d, nil))
}

// =============================================================================
// ENROLLMENT HANDLERS
// =============================================================================

// Enroll folds a new interval into the client's enrollments in one program.
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	clientID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid client id", err)
		return
	}
	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ProgramID == 0 || req.StartDate == nil {
		writeError(w, http.StatusBadRequest, "program_id and start_date are required", nil)
		return
	}

	res, err := h.Enrollments.Enroll(r.Context(), h.Store, core.ClientID(clientID), req.ProgramID, enrollment.Request{
		Interval:        core.Interval{Start: *req.StartDate, End: req.EndDate},
		Notes:           req.Notes,
		DischargeReason: req.DischargeReason,
		CreatedBy:       actorOf(r),
	})
	if err != nil {
		writeDomainError(w, "Enrollment failed", err)
		return
	}

	status := http.StatusCreated
	if res.Merged {
		status = http.StatusOK
	}
	writeJSON(w, status, toEnrollResultDTO(res))
}

// ConsolidateEnrollments merges overlapping enrollments already on file.
func (h *Handler) ConsolidateEnrollments(w http.ResponseWriter, r *http.Request) {
	var req ConsolidateRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	report, err := h.Enrollments.Consolidate(r.Context(), h.Store, enrollment.ConsolidateOptions{
		ClientIDs: req.ClientIDs,
		DryRun:    req.DryRun,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Consolidation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

func duplicateIDParam(w http.ResponseWriter, r *http.Request) (core.DuplicateID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid duplicate id", err)
		return 0, false
	}
	return core.DuplicateID(id), true
}

// decodeOptional decodes a JSON body into v. An empty body leaves v zero.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the error's sentinel.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case core.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, core.ErrAlreadyResolved), errors.Is(err, core.ErrPairAlreadyFlagged):
		writeError(w, http.StatusConflict, message, err)
	case core.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
