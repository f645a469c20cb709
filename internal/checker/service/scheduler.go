package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/forwardmx/dnscheck/internal/checker/model"
	"github.com/forwardmx/dnscheck/internal/checker/repository"
)

// maxFailReasonLength bounds persisted fail_reason strings.
const maxFailReasonLength = 500

// expiredFailReason is recorded when the validation time budget runs out.
const expiredFailReason = "Request expired"

// SchedulerConfig tunes the polling scheduler.
type SchedulerConfig struct {
	PollInterval   time.Duration
	MaxActiveJobs  int
	ResumeJitter   time.Duration
	ResultMaxBytes int
}

// job is the in-memory state for one polling goroutine. The running
// flag is a CAS reentrancy guard: at most one validation is in flight
// per key, even if a tick overruns the poll interval.
type job struct {
	key     string
	id      int64
	running atomic.Bool
	cancel  context.CancelFunc
}

// Scheduler runs one polling job per PENDING request, bounded by a
// global active cap with FIFO overflow admission.
type Scheduler struct {
	store    RequestStore
	domains  DomainStore
	check    CheckFunc
	notifier Notifier
	logger   *zap.Logger
	cfg      SchedulerConfig
	now      func() time.Time

	mu         sync.Mutex
	jobs       map[string]*job
	queue      []*model.Request
	queuedKeys map[string]struct{}

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	onCheck      func(outcome string)
	onTransition func(status string)
	onJobs       func(active, queued int)
}

// NewScheduler creates a Scheduler. Jobs are started explicitly via
// StartForRequest or Resume.
func NewScheduler(store RequestStore, domains DomainStore, check CheckFunc, notifier Notifier, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		domains:    domains,
		check:      check,
		notifier:   notifier,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		jobs:       make(map[string]*job),
		queuedKeys: make(map[string]struct{}),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// SetMetricsHooks wires optional observability callbacks: per-check
// outcome, status transitions, and the active/queued job gauges.
func (s *Scheduler) SetMetricsHooks(onCheck, onTransition func(string), onJobs func(active, queued int)) {
	s.onCheck = onCheck
	s.onTransition = onTransition
	s.onJobs = onJobs
}

// ActiveJobs returns the number of running jobs.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// AtCapacity reports whether the scheduler can admit no further job.
// The intake handler turns this into a 503.
func (s *Scheduler) AtCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs) >= s.cfg.MaxActiveJobs
}

// StartForRequest starts a polling job for req, or queues it when the
// active cap is reached. Starting an already-running or already-queued
// key is a no-op.
func (s *Scheduler) StartForRequest(req *model.Request, initialDelay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.Key()
	if _, exists := s.jobs[key]; exists {
		return
	}
	if _, queued := s.queuedKeys[key]; queued {
		return
	}
	if len(s.jobs) < s.cfg.MaxActiveJobs {
		s.startJobLocked(req, initialDelay)
	} else {
		s.queue = append(s.queue, req)
		s.queuedKeys[key] = struct{}{}
		s.logger.Info("job queued at capacity",
			zap.String("key", key),
			zap.Int("queue_len", len(s.queue)),
		)
	}
	s.updateGaugesLocked()
}

// Resume reconstructs jobs for every PENDING request with a future
// expiry. Each start is jittered to avoid a thundering herd against
// the resolver after a restart.
func (s *Scheduler) Resume(ctx context.Context) error {
	rows, err := s.store.FindPendingNotExpired(ctx, s.now())
	if err != nil {
		return fmt.Errorf("load pending requests: %w", err)
	}

	maxJitter := s.cfg.ResumeJitter
	if limit := s.cfg.PollInterval - 100*time.Millisecond; limit < maxJitter {
		maxJitter = limit
	}
	if maxJitter < 0 {
		maxJitter = 0
	}

	for i := range rows {
		var delay time.Duration
		if maxJitter > 0 {
			delay = time.Duration(rand.Int63n(int64(maxJitter)))
		}
		s.StartForRequest(&rows[i], delay)
	}
	s.logger.Info("resumed pending validation jobs", zap.Int("count", len(rows)))
	return nil
}

// Shutdown cancels every job and waits for in-flight ticks to finish
// or the context to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.rootCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startJobLocked must be called with s.mu held.
func (s *Scheduler) startJobLocked(req *model.Request, initialDelay time.Duration) {
	ctx, cancel := context.WithCancel(s.rootCtx)
	j := &job{key: req.Key(), id: req.ID, cancel: cancel}
	s.jobs[j.key] = j
	s.wg.Add(1)
	go s.run(ctx, j, initialDelay)
}

// stopJob removes the job, cancels its timer, and promotes queued jobs
// FIFO into the freed slot.
func (s *Scheduler) stopJob(key string) {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if ok {
		delete(s.jobs, key)
		s.drainQueueLocked()
	}
	s.updateGaugesLocked()
	s.mu.Unlock()
	if ok {
		j.cancel()
	}
}

// drainQueueLocked must be called with s.mu held.
func (s *Scheduler) drainQueueLocked() {
	for len(s.jobs) < s.cfg.MaxActiveJobs && len(s.queue) > 0 {
		req := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queuedKeys, req.Key())
		s.startJobLocked(req, 0)
	}
}

func (s *Scheduler) updateGaugesLocked() {
	if s.onJobs != nil {
		s.onJobs(len(s.jobs), len(s.queue))
	}
}

func (s *Scheduler) recordCheck(outcome string) {
	if s.onCheck != nil {
		s.onCheck(outcome)
	}
}

func (s *Scheduler) recordTransition(status string) {
	if s.onTransition != nil {
		s.onTransition(status)
	}
}

// run owns one job: the recurring ticker starts immediately, the first
// tick fires now or after the initial delay. The ticker is torn down
// when stopJob cancels the context, so a stopped job holds no timer.
func (s *Scheduler) run(ctx context.Context, j *job, initialDelay time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	if initialDelay > 0 {
		timer := time.NewTimer(initialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	s.runCheck(ctx, j)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCheck(ctx, j)
		}
	}
}

// runCheck is one poll tick. Terminal rows stop the job; check errors
// record a fail_reason and leave the job ticking; the conditional
// store updates resolve any race with the intake's immediate check.
func (s *Scheduler) runCheck(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		return
	}
	defer j.running.Store(false)

	now := s.now()
	req, err := s.store.FindByID(ctx, j.id)
	if err != nil {
		if errors.Is(err, repository.ErrRequestNotFound) {
			s.logger.Info("request row gone, stopping job", zap.String("key", j.key))
			s.stopJob(j.key)
			return
		}
		s.logger.Warn("read request", zap.String("key", j.key), zap.Error(err))
		return
	}
	if req.Status != model.StatusPending {
		s.stopJob(j.key)
		return
	}

	if !req.ExpiresAt.After(now) {
		s.expire(ctx, j, req, now)
		return
	}

	result, err := s.check(ctx, req.Target)
	if err != nil {
		s.recordCheck("error")
		reason := SanitizeLine(err.Error(), maxFailReasonLength)
		if serr := s.store.SetFailReason(ctx, j.id, now, reason); serr != nil {
			s.logger.Warn("persist fail reason", zap.String("key", j.key), zap.Error(serr))
		}
		s.logger.Warn("dns check failed",
			zap.String("target", req.Target),
			zap.Error(err),
		)
		return
	}
	if result.OK {
		s.recordCheck("ok")
	} else {
		s.recordCheck("mismatch")
	}

	payload, err := BuildResultPayload(result, s.cfg.ResultMaxBytes)
	if err != nil {
		s.logger.Error("serialize check result", zap.String("key", j.key), zap.Error(err))
		return
	}
	affected, err := s.store.UpdateCheckResult(ctx, j.id, now, now.Add(s.cfg.PollInterval), payload)
	if err != nil {
		s.logger.Warn("persist check result", zap.String("key", j.key), zap.Error(err))
		return
	}
	if affected == 0 {
		// Row turned terminal under us.
		s.stopJob(j.key)
		return
	}
	if !result.OK {
		return
	}

	s.promote(ctx, j, req, result, now)
}

// expire and promote run their follow-up work (emails, the domains
// write) before stopJob: stopJob cancels the job context these calls
// still use.

func (s *Scheduler) expire(ctx context.Context, j *job, req *model.Request, now time.Time) {
	reason := expiredFailReason
	affected, err := s.store.ConditionalTransition(ctx, j.id, model.StatusExpired, now, repository.TransitionFields{FailReason: &reason})
	if err != nil {
		s.logger.Error("expire request", zap.String("key", j.key), zap.Error(err))
		return
	}
	if affected == 1 {
		req.Status = model.StatusExpired
		req.FailReason = &reason
		s.recordTransition(string(model.StatusExpired))
		s.logger.Info("request expired",
			zap.String("target", req.Target),
			zap.Int64("id", req.ID),
		)
		s.notifier.StatusChange(ctx, req, nil)
	}
	s.stopJob(j.key)
}

func (s *Scheduler) promote(ctx context.Context, j *job, req *model.Request, result *model.CheckResult, now time.Time) {
	activatedAt := now
	affected, err := s.store.ConditionalTransition(ctx, j.id, model.StatusActive, now, repository.TransitionFields{ActivatedAt: &activatedAt})
	if err != nil {
		s.logger.Error("promote request", zap.String("key", j.key), zap.Error(err))
		return
	}
	if affected == 1 {
		req.Status = model.StatusActive
		req.ActivatedAt = &activatedAt
		s.recordTransition(string(model.StatusActive))
		s.logger.Info("request promoted to ACTIVE",
			zap.String("target", req.Target),
			zap.Int64("id", req.ID),
		)
		s.notifier.StatusChange(ctx, req, result)
		if err := s.domains.MarkDomainActive(ctx, req.Target); err != nil {
			s.logger.Warn("record active domain", zap.String("target", req.Target), zap.Error(err))
		}
	}
	s.stopJob(j.key)
}
