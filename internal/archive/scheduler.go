package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pranav-miglani/dental-record/pkg/logger"
)

// ErrSweepRunning is returned by RunOnce while another sweep holds the scheduler.
var ErrSweepRunning = errors.New("archive sweep already running")

// Runner is implemented by Sweeper.
type Runner interface {
	Run(ctx context.Context) (*Report, error)
}

// Scheduler runs the sweep on a fixed interval. Only one sweep runs at a time, whether
// started by the ticker or by RunOnce.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	running sync.Mutex
	mu      sync.Mutex
	last    *Report
}

// NewScheduler creates a scheduler. A non-positive interval defaults to a day.
func NewScheduler(runner Runner, interval time.Duration, logger *logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
		doneCh:   make(chan struct{}),
	}
}

// Start launches the loop. The first sweep runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.logger != nil {
		s.logger.Infof("Starting archive scheduler (interval %s)", s.interval)
	}

	go s.loop()

	return nil
}

// Stop cancels the loop and waits for an in-flight sweep to wind down or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.logger != nil {
		s.logger.Info("Stopping archive scheduler")
	}

	if s.cancel != nil {
		s.cancel()
	} else {
		return nil
	}

	select {
	case <-s.doneCh:
		if s.logger != nil {
			s.logger.Info("Archive scheduler stopped gracefully")
		}
	case <-ctx.Done():
		if s.logger != nil {
			s.logger.Warn("Archive scheduler stop timed out")
		}
	}

	return nil
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick()

	for {
		select {
		case <-s.ctx.Done():
			if s.logger != nil {
				s.logger.Info("Archive scheduler loop exiting")
			}
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	_, err := s.RunOnce(s.ctx)
	switch {
	case errors.Is(err, ErrSweepRunning):
		if s.logger != nil {
			s.logger.Debug("Skipping scheduled sweep: previous sweep still running")
		}
	case err != nil:
		if s.logger != nil {
			s.logger.Errorf("Archive sweep failed: %v", err)
		}
	}
}

// RunOnce runs a sweep now unless one is already in flight.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	if !s.running.TryLock() {
		return nil, ErrSweepRunning
	}
	defer s.running.Unlock()

	report, err := s.runner.Run(ctx)
	if report != nil {
		s.mu.Lock()
		s.last = report
		s.mu.Unlock()
	}
	return report, err
}

// LastReport returns the report of the most recent sweep, or nil before the first one.
func (s *Scheduler) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
