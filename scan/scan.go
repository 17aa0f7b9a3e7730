/*
Package scan looks for duplicate clients across the stored population.

PURPOSE:
  Uploads only compare new rows against what is already on file. A scan
  compares the population with itself, finds pairs that describe the same
  person, and either merges them or flags them for review.

PASSES (in priority order):
  1. Same (source, client_id)
  2. Same email
  3. Same phone
  4. Same first name, last name and date of birth
  5. Fuzzy names, compared only within a last-name-initial bucket and
     capped per bucket

  A pair found by an earlier pass is not proposed again by a later one.
  Group passes pair every member with the group's earliest client.

DECISIONS:
  - Pairs already flagged in any status are skipped.
  - The earliest-created client is the primary; lower id breaks ties.
  - With AutoMerge, pairs at or above AutoMergeThreshold, or from an exact
    pass, are merged. A failed merge becomes a pending flag that carries
    the failure reason.
  - Everything else becomes a pending flag.

  Every candidate is processed. Options.Limit only bounds the pair list in
  the returned Summary.

SEE ALSO:
  - candidates.go: The passes
  - scheduler.go: Periodic scans
  - merge: The engine auto-merges go through
*/
package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/matching"
	"github.com/casework/client-dedup/merge"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Actor is recorded on flags and merges made by a scan.
const Actor = "system:scan"

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	AutoMergeThreshold float64 // auto-merge at or above this score
	FuzzyMinScore      float64 // fuzzy names without a shared DOB
	BucketSample       int     // clients compared per fuzzy bucket
	DefaultLimit       int     // pairs listed in a Summary
}

func DefaultConfig() Config {
	return Config{
		AutoMergeThreshold: 0.95,
		FuzzyMinScore:      0.9,
		BucketSample:       500,
		DefaultLimit:       100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AutoMergeThreshold <= 0 {
		c.AutoMergeThreshold = d.AutoMergeThreshold
	}
	if c.FuzzyMinScore <= 0 {
		c.FuzzyMinScore = d.FuzzyMinScore
	}
	if c.BucketSample <= 0 {
		c.BucketSample = d.BucketSample
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	return c
}

// Filter narrows the population scanned.
type Filter struct {
	Source    string
	ClientIDs []core.ClientID
}

// Options tune one scan.
type Options struct {
	AutoMerge bool
	Limit     int    // pairs listed in the Summary; zero uses the default
	Actor     string // defaults to Actor
}

// =============================================================================
// RESULT
// =============================================================================

// Action is what a scan did with one pair.
type Action string

const (
	ActionMerged  Action = "merged"
	ActionFlagged Action = "flagged"
	ActionSkipped Action = "skipped"
)

// Pair describes one processed candidate.
type Pair struct {
	PrimaryID     core.ClientID   `json:"primary_id"`
	PrimaryName   string          `json:"primary_name"`
	DuplicateID   core.ClientID   `json:"duplicate_id"`
	DuplicateName string          `json:"duplicate_name"`
	MatchType     core.MatchType  `json:"match_type"`
	Score         decimal.Decimal `json:"score"`
	Confidence    core.Confidence `json:"confidence"`
	Action        Action          `json:"action"`
	Error         string          `json:"error,omitempty"`
}

// Summary reports a scan. Counts cover every candidate; Pairs is capped.
type Summary struct {
	Scanned     int       `json:"scanned"`
	Candidates  int       `json:"candidates"`
	Merged      int       `json:"merged_count"`
	Flagged     int       `json:"flagged_count"`
	Skipped     int       `json:"skipped_count"`
	Errors      []string  `json:"errors"`
	Pairs       []Pair    `json:"pairs"`
	Truncated   bool      `json:"truncated"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Merger is the part of the merge engine a scan needs.
type Merger interface {
	Merge(ctx context.Context, primaryID, duplicateID core.ClientID, r merge.Resolution, actor string) (*merge.Outcome, error)
}

// Orchestrator runs scans.
type Orchestrator struct {
	store   core.Store
	matcher *matching.Matcher
	merger  Merger
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Orchestrator)

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg.withDefaults() }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator. merger may be nil when scans never auto-merge.
func New(st core.Store, matcher *matching.Matcher, merger Merger, log *zap.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if matcher == nil {
		matcher = matching.New(matching.Config{}, log)
	}
	o := &Orchestrator{
		store:   st,
		matcher: matcher,
		merger:  merger,
		cfg:     DefaultConfig(),
		log:     log.Named("scan"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Scan runs every pass over the clients matching f and acts on each pair.
func (o *Orchestrator) Scan(ctx context.Context, f Filter, opts Options) (Summary, error) {
	if opts.Limit <= 0 {
		opts.Limit = o.cfg.DefaultLimit
	}
	if opts.Actor == "" {
		opts.Actor = Actor
	}
	if opts.AutoMerge && o.merger == nil {
		return Summary{}, errors.New("auto-merge requested without a merge engine")
	}

	sum := Summary{StartedAt: o.now().UTC(), Errors: []string{}, Pairs: []Pair{}}

	clients, err := o.store.ListClients(ctx, core.ClientFilter{IDs: f.ClientIDs, Source: f.Source})
	if err != nil {
		return sum, fmt.Errorf("load clients: %w", err)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	sum.Scanned = len(clients)

	candidates := o.candidates(matching.NewIndex(clients))
	sum.Candidates = len(candidates)

	r := &run{o: o, opts: opts, sum: &sum, mergedInto: make(map[core.ClientID]core.ClientID)}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := r.pair(ctx, c); err != nil {
			return sum, err
		}
	}

	sum.CompletedAt = o.now().UTC()
	o.log.Info("duplicate scan completed",
		zap.Int("scanned", sum.Scanned),
		zap.Int("candidates", sum.Candidates),
		zap.Int("merged", sum.Merged),
		zap.Int("flagged", sum.Flagged),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", len(sum.Errors)),
		zap.Bool("auto_merge", opts.AutoMerge),
	)
	return sum, nil
}

// run holds the state of one scan.
type run struct {
	o          *Orchestrator
	opts       Options
	sum        *Summary
	mergedInto map[core.ClientID]core.ClientID
}

// survivor follows merges made earlier in this scan.
func (r *run) survivor(id core.ClientID) core.ClientID {
	for {
		next, ok := r.mergedInto[id]
		if !ok {
			return id
		}
		id = next
	}
}

func (r *run) pair(ctx context.Context, c candidate) error {
	p := Pair{
		PrimaryID:     c.primary.ID,
		PrimaryName:   c.primary.FullName(),
		DuplicateID:   c.duplicate.ID,
		DuplicateName: c.duplicate.FullName(),
		MatchType:     c.matchType,
		Score:         matching.ScoreDecimal(c.score),
		Confidence:    matching.ConfidenceFor(c.score),
	}

	primaryID, duplicateID := r.survivor(c.primary.ID), r.survivor(c.duplicate.ID)
	if primaryID == duplicateID {
		r.skip(p)
		return nil
	}
	p.PrimaryID, p.DuplicateID = primaryID, duplicateID

	existing, err := r.o.store.FindDuplicatePair(ctx, primaryID, duplicateID)
	if err != nil {
		return fmt.Errorf("check pair %d/%d: %w", primaryID, duplicateID, err)
	}
	if existing != nil {
		r.skip(p)
		return nil
	}

	if r.opts.AutoMerge && (c.score >= r.o.cfg.AutoMergeThreshold || c.matchType.IsExact()) {
		_, err := r.o.merger.Merge(ctx, primaryID, duplicateID, nil, r.opts.Actor)
		if err == nil {
			r.mergedInto[duplicateID] = primaryID
			r.sum.Merged++
			p.Action = ActionMerged
			r.record(p)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.Error = err.Error()
		r.sum.Errors = append(r.sum.Errors, fmt.Sprintf("merge %d into %d: %v", duplicateID, primaryID, err))
		r.o.log.Warn("auto-merge failed; flagging for review",
			zap.Int64("primary_id", int64(primaryID)),
			zap.Int64("duplicate_id", int64(duplicateID)),
			zap.Error(err),
		)
	}

	return r.flag(ctx, p)
}

func (r *run) flag(ctx context.Context, p Pair) error {
	details := map[string]any{"pass": string(p.MatchType)}
	if p.Error != "" {
		details["auto_merge_error"] = p.Error
	}
	d := &core.ClientDuplicate{
		PrimaryID:    p.PrimaryID,
		DuplicateID:  p.DuplicateID,
		Score:        p.Score,
		MatchType:    p.MatchType,
		Confidence:   p.Confidence,
		Status:       core.DuplicatePending,
		DetectedBy:   core.DetectedByScan,
		MatchDetails: details,
	}
	if err := r.o.store.CreateDuplicate(ctx, d); err != nil {
		if errors.Is(err, core.ErrPairAlreadyFlagged) {
			r.skip(p)
			return nil
		}
		return fmt.Errorf("flag pair %d/%d: %w", p.PrimaryID, p.DuplicateID, err)
	}
	r.sum.Flagged++
	p.Action = ActionFlagged
	r.record(p)
	return nil
}

func (r *run) skip(p Pair) {
	r.sum.Skipped++
	p.Action = ActionSkipped
	r.record(p)
}

func (r *run) record(p Pair) {
	if len(r.sum.Pairs) < r.opts.Limit {
		r.sum.Pairs = append(r.sum.Pairs, p)
		return
	}
	r.sum.Truncated = true
}

// =============================================================================
// PRUNING
// =============================================================================

// Prune deletes pending flags scoring below threshold and returns how many
// were deleted.
func (o *Orchestrator) Prune(ctx context.Context, threshold decimal.Decimal) (int, error) {
	n, err := o.store.DeleteDuplicates(ctx, core.DuplicateFilter{
		Status:     core.DuplicatePending,
		BelowScore: &threshold,
	})
	if err != nil {
		return 0, fmt.Errorf("prune duplicates below %s: %w", threshold, err)
	}
	o.log.Info("low-similarity duplicate flags pruned",
		zap.String("threshold", threshold.String()),
		zap.Int("deleted", n),
	)
	return n, nil
}
