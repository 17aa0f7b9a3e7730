package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/casework/client-dedup/core"
	"go.uber.org/zap"
)

// Service persists Reconcile results and keeps client inactive flags in step
// with enrollments.
type Service struct {
	log *zap.Logger
	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for "today".
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a service.
func NewService(log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Today returns the service's current day.
func (s *Service) Today() core.Date {
	return core.DateOf(s.now())
}

// Apply reconciles req against the client's enrollments in programID and
// writes the outcome through st. st is typically a transaction view.
func (s *Service) Apply(ctx context.Context, st core.Store, clientID core.ClientID, programID core.ProgramID, req Request) (Result, error) {
	existing, err := st.ListEnrollments(ctx, core.EnrollmentFilter{
		ClientIDs: []core.ClientID{clientID},
		ProgramID: programID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("load enrollments for client %d: %w", clientID, err)
	}

	res := Reconcile(clientID, programID, existing, req)
	if err := s.persist(ctx, st, &res); err != nil {
		return Result{}, err
	}
	if res.Merged {
		s.log.Debug("enrollment merged",
			zap.Int64("client_id", int64(clientID)),
			zap.Int64("program_id", int64(programID)),
			zap.Int64("survivor_id", int64(res.Survivor.ID)),
			zap.Int("archived", len(res.Archived)),
		)
	}
	return res, nil
}

func (s *Service) persist(ctx context.Context, st core.Store, res *Result) error {
	if res.Survivor.ID == 0 {
		if err := st.CreateEnrollment(ctx, &res.Survivor); err != nil {
			return fmt.Errorf("create enrollment: %w", err)
		}
	} else if err := st.UpdateEnrollment(ctx, res.Survivor); err != nil {
		return fmt.Errorf("update enrollment %d: %w", res.Survivor.ID, err)
	}
	for _, a := range res.Archived {
		if err := st.UpdateEnrollment(ctx, a); err != nil {
			return fmt.Errorf("archive enrollment %d: %w", a.ID, err)
		}
	}
	return nil
}

// Enroll is the interactive entry point: reconcile and refresh the client's
// inactive flag in one transaction.
func (s *Service) Enroll(ctx context.Context, st core.TxStore, clientID core.ClientID, programID core.ProgramID, req Request) (Result, error) {
	var res Result
	err := st.WithTx(ctx, func(tx core.Store) error {
		if _, err := tx.GetClient(ctx, clientID); err != nil {
			return err
		}
		var err error
		if res, err = s.Apply(ctx, tx, clientID, programID, req); err != nil {
			return err
		}
		_, err = s.RefreshInactive(ctx, tx, []core.ClientID{clientID})
		return err
	})
	return res, err
}

// RefreshInactive recomputes IsInactive for ids and writes the clients whose
// flag changed. Returns how many changed.
func (s *Service) RefreshInactive(ctx context.Context, st core.Store, ids []core.ClientID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	clients, err := st.ListClients(ctx, core.ClientFilter{IDs: ids, IncludeArchived: true})
	if err != nil {
		return 0, fmt.Errorf("load clients: %w", err)
	}
	enrollments, err := st.ListEnrollments(ctx, core.EnrollmentFilter{ClientIDs: ids})
	if err != nil {
		return 0, fmt.Errorf("load enrollments: %w", err)
	}
	byClient := make(map[core.ClientID][]core.Enrollment, len(ids))
	for _, e := range enrollments {
		byClient[e.ClientID] = append(byClient[e.ClientID], e)
	}

	today := s.Today()
	var changed []core.ClientRecord
	for _, c := range clients {
		inactive := IsInactive(byClient[c.ID], today)
		if inactive != c.IsInactive {
			c.IsInactive = inactive
			changed = append(changed, c)
		}
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if err := st.UpdateClients(ctx, changed); err != nil {
		return 0, fmt.Errorf("update inactive flags: %w", err)
	}
	return len(changed), nil
}

// =============================================================================
// BATCH CONSOLIDATION
// =============================================================================

// ConsolidateOptions narrows a consolidation run.
type ConsolidateOptions struct {
	ClientIDs []core.ClientID // empty means every client
	DryRun    bool
}

// GroupFailure records a group that could not be consolidated.
type GroupFailure struct {
	ClientID  core.ClientID  `json:"client_id"`
	ProgramID core.ProgramID `json:"program_id"`
	Error     string         `json:"error"`
}

// ConsolidateReport summarizes a consolidation run.
type ConsolidateReport struct {
	DryRun          bool           `json:"dry_run"`
	Groups          int            `json:"groups"`
	Archived        int            `json:"archived"`
	ClientsAffected int            `json:"clients_affected"`
	Failures        []GroupFailure `json:"failures,omitempty"`
}

// Consolidate merges every existing overlap group. Each group commits in
// its own transaction; a failing group is reported and the run continues.
func (s *Service) Consolidate(ctx context.Context, st core.TxStore, opts ConsolidateOptions) (ConsolidateReport, error) {
	report := ConsolidateReport{DryRun: opts.DryRun}

	enrollments, err := st.ListEnrollments(ctx, core.EnrollmentFilter{ClientIDs: opts.ClientIDs})
	if err != nil {
		return report, fmt.Errorf("load enrollments: %w", err)
	}

	groups := GroupOverlapping(enrollments)
	report.Groups = len(groups)
	affected := make(map[core.ClientID]bool)

	for _, group := range groups {
		res := MergeGroup(group)
		clientID, programID := res.Survivor.ClientID, res.Survivor.ProgramID
		if opts.DryRun {
			report.Archived += len(res.Archived)
			affected[clientID] = true
			continue
		}

		err := st.WithTx(ctx, func(tx core.Store) error {
			if err := s.persist(ctx, tx, &res); err != nil {
				return err
			}
			_, err := s.RefreshInactive(ctx, tx, []core.ClientID{clientID})
			return err
		})
		if err != nil {
			s.log.Warn("enrollment group consolidation failed",
				zap.Int64("client_id", int64(clientID)),
				zap.Int64("program_id", int64(programID)),
				zap.Error(err),
			)
			report.Failures = append(report.Failures, GroupFailure{
				ClientID: clientID, ProgramID: programID, Error: err.Error(),
			})
			continue
		}
		report.Archived += len(res.Archived)
		affected[clientID] = true
	}

	report.ClientsAffected = len(affected)
	s.log.Info("enrollment consolidation finished",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("groups", report.Groups),
		zap.Int("archived", report.Archived),
		zap.Int("failures", len(report.Failures)),
	)
	return report, nil
}
