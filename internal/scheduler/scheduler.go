// Package scheduler invokes zome functions on configured intervals.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/config"
	"github.com/mattjoyce/cellhost/internal/engine"
	"github.com/mattjoyce/cellhost/internal/workflow"
)

//go:generate mockgen -destination=mocks/mock_submitter.go -package=mocks github.com/mattjoyce/cellhost/internal/scheduler Submitter

// Submitter resolves cells and runs invocations against them.
type Submitter interface {
	Lookup(ref string) (engine.CellInfo, error)
	Submit(ctx context.Context, inv cell.Invocation) (workflow.Output, error)
}

// job is one schedule of one cell. Fields below sched are guarded by
// Scheduler.mu.
type job struct {
	cellName string
	sched    config.ScheduleConfig

	next     time.Time
	running  bool
	failures int
	openedAt time.Time
}

func (j *job) String() string {
	return fmt.Sprintf("%s/%s.%s", j.cellName, j.sched.Zome, j.sched.Fn)
}

// Scheduler runs every cell schedule from the config on its own interval.
// A schedule never overlaps itself: a due run is skipped while the
// previous one is still in flight.
type Scheduler struct {
	jobs      []*job
	submitter Submitter
	tick      time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	runs   sync.WaitGroup
	loop   sync.WaitGroup
	stopCh chan struct{}
}

// New creates a Scheduler for the schedules declared under cfg.Cells.
func New(cfg *config.Config, submitter Submitter, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		submitter: submitter,
		tick:      cfg.Engine.ScheduleTick,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	for _, c := range cfg.Cells {
		for _, sc := range c.Schedules {
			s.jobs = append(s.jobs, &job{cellName: c.Name, sched: sc})
		}
	}
	return s
}

// Len reports the number of schedules.
func (s *Scheduler) Len() int { return len(s.jobs) }

// Start plans each schedule's first run one interval from now and begins
// the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.tick <= 0 {
		return fmt.Errorf("scheduler: tick must be positive, got %s", s.tick)
	}
	s.logger.Info("starting scheduler", "schedules", len(s.jobs), "tick", s.tick)
	s.plan()

	s.loop.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop ends the tick loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	close(s.stopCh)
	s.loop.Wait()
	s.runs.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) plan() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		j.next = now.Add(calculateJitteredInterval(j.sched.Every, j.sched.Jitter))
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.loop.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runDue(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runDue starts every schedule whose time has come.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if now.Before(j.next) {
			continue
		}
		if j.running {
			s.logger.Debug("skipping schedule, previous run in flight", "schedule", j.String())
			j.next = now.Add(calculateJitteredInterval(j.sched.Every, j.sched.Jitter))
			continue
		}
		if s.breakerOpen(j, now) {
			s.logger.Debug("skipping schedule, circuit open", "schedule", j.String(), "failures", j.failures)
			j.next = now.Add(calculateJitteredInterval(j.sched.Every, j.sched.Jitter))
			continue
		}

		j.running = true
		j.next = now.Add(calculateJitteredInterval(j.sched.Every, j.sched.Jitter))
		s.runs.Add(1)
		go s.run(ctx, j)
	}
}

// breakerOpen reports whether j has failed enough times in a row to be
// paused. Once ResetAfter has passed one trial run is let through.
func (s *Scheduler) breakerOpen(j *job, now time.Time) bool {
	if j.sched.FailureThreshold <= 0 || j.failures < j.sched.FailureThreshold {
		return false
	}
	return now.Sub(j.openedAt) < j.sched.ResetAfter
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	defer s.runs.Done()

	err := s.invoke(ctx, j)

	s.mu.Lock()
	defer s.mu.Unlock()
	j.running = false
	if err == nil {
		if j.failures > 0 {
			s.logger.Info("schedule recovered", "schedule", j.String(), "after_failures", j.failures)
		}
		j.failures = 0
		return
	}

	j.failures++
	if j.sched.FailureThreshold > 0 && j.failures >= j.sched.FailureThreshold {
		j.openedAt = s.now()
		s.logger.Warn("schedule circuit opened",
			"schedule", j.String(),
			"failures", j.failures,
			"reset_after", j.sched.ResetAfter,
		)
	}
}

func (s *Scheduler) invoke(ctx context.Context, j *job) error {
	info, err := s.submitter.Lookup(j.cellName)
	if err != nil {
		s.logger.Error("scheduled cell not found", "schedule", j.String(), "error", err)
		return err
	}

	var payload json.RawMessage
	if j.sched.Payload != nil {
		payload, err = json.Marshal(j.sched.Payload)
		if err != nil {
			s.logger.Error("schedule payload is not JSON", "schedule", j.String(), "error", err)
			return err
		}
	}

	inv := cell.Invocation{
		ID:         shortuuid.New(),
		CellID:     info.ID,
		ZomeName:   j.sched.Zome,
		FnName:     j.sched.Fn,
		Payload:    payload,
		Provenance: info.ID.Agent,
	}
	if _, err := s.submitter.Submit(ctx, inv); err != nil {
		s.logger.Error("scheduled invocation failed",
			"schedule", j.String(),
			"invocation_id", inv.ID,
			"code", workflow.CodeOf(err),
			"error", err,
		)
		return err
	}
	s.logger.Debug("scheduled invocation committed", "schedule", j.String(), "invocation_id", inv.ID)
	return nil
}

// calculateJitteredInterval adds a random duration in [0, jitter) to
// baseInterval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
