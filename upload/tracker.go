package upload

import (
	"sync"
	"time"
)

// Phase names a stage of an upload.
type Phase string

const (
	PhaseReading     Phase = "reading"
	PhaseCaching     Phase = "caching"
	PhaseRows        Phase = "rows"
	PhaseEnrollments Phase = "enrollments"
	PhaseInactive    Phase = "inactive"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// Progress is a point-in-time snapshot of one upload.
type Progress struct {
	UploadID      string    `json:"upload_id"`
	Phase         Phase     `json:"phase"`
	TotalRows     int       `json:"total_rows"`
	ProcessedRows int       `json:"processed_rows"`
	Chunk         int       `json:"chunk"`
	Chunks        int       `json:"chunks"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Percent returns processed rows as a percentage of the total.
func (p Progress) Percent() int {
	if p.TotalRows == 0 {
		return 0
	}
	return p.ProcessedRows * 100 / p.TotalRows
}

// Tracker keeps the latest progress per upload in memory. It lives outside
// the upload transaction, so progress stays readable while the transaction
// is open and after it rolls back.
type Tracker struct {
	mu       sync.RWMutex
	progress map[string]Progress
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{progress: make(map[string]Progress), now: time.Now}
}

// Update records p as the latest snapshot for its upload.
func (t *Tracker) Update(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p.UpdatedAt = t.now().UTC()
	t.progress[p.UploadID] = p
}

// Get returns the latest snapshot for id.
func (t *Tracker) Get(id string) (Progress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.progress[id]
	return p, ok
}

// Forget drops finished uploads older than maxAge and returns how many
// were dropped.
func (t *Tracker) Forget(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().UTC().Add(-maxAge)
	n := 0
	for id, p := range t.progress {
		if (p.Phase == PhaseDone || p.Phase == PhaseFailed) && p.UpdatedAt.Before(cutoff) {
			delete(t.progress, id)
			n++
		}
	}
	return n
}
