package scan

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs a scan on a fixed interval in the background.
//
// USAGE:
//
//	s := scan.NewScheduler(orchestrator, time.Hour, scan.Options{AutoMerge: true}, logger)
//	s.Start()
//	defer s.Stop()
type Scheduler struct {
	Scanner  *Orchestrator
	Interval time.Duration
	Options  Options
	Filter   Filter
	Enabled  bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.RWMutex
	last    *Summary
	lastErr error
}

// NewScheduler builds an enabled scheduler. A non-positive interval
// disables it.
func NewScheduler(o *Orchestrator, interval time.Duration, opts Options, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		Scanner:  o,
		Interval: interval,
		Options:  opts,
		Enabled:  interval > 0,
		log:      log.Named("scan_scheduler"),
	}
}

// Start begins the background loop. The first scan runs immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx)

	s.log.Info("scheduler started", zap.Duration("interval", s.Interval))
}

// Stop halts the loop, cancelling a scan in flight, and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow runs one scan synchronously and records its result.
func (s *Scheduler) RunNow(ctx context.Context) (Summary, error) {
	sum, err := s.Scanner.Scan(ctx, s.Filter, s.Options)

	s.lastMu.Lock()
	s.last, s.lastErr = &sum, err
	s.lastMu.Unlock()

	if err != nil {
		s.log.Warn("scheduled scan failed", zap.Error(err))
	}
	return sum, err
}

// Last returns the most recent scan result, or nil before the first run.
func (s *Scheduler) Last() (*Summary, error) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last, s.lastErr
}

// NextRunTime estimates when the next scan starts.
func (s *Scheduler) NextRunTime() time.Time {
	return time.Now().Add(s.Interval)
}
