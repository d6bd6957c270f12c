// Package scheduler fires backup jobs on six-field cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type Logger interface {
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

type Scheduler struct {
	cron   *cron.Cron
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// New creates a scheduler. A job still running when its next tick arrives
// skips that tick instead of piling up.
func New(logger Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]cron.EntryID),
	}
}

// AddJob registers job under name. Jobs receive a context that is cancelled by Stop.
func (s *Scheduler) AddJob(name, spec string, job func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already scheduled", name)
	}

	id, err := s.cron.AddFunc(spec, func() {
		started := time.Now()
		if err := job(s.ctx); err != nil {
			s.logger.Errorf("Scheduled job %s failed after %s: %v", name, time.Since(started).Round(time.Millisecond), err)
			return
		}
		s.logger.Infof("Scheduled job %s finished in %s", name, time.Since(started).Round(time.Millisecond))
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.jobs[name] = id
	return nil
}

// NextRun reports when name fires next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}
