package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/forwardmx/dnscheck/internal/checker/model"
	"github.com/forwardmx/dnscheck/internal/checker/repository"
	"github.com/forwardmx/dnscheck/pkg/domain"
)

// Sentinel errors consumed by the intake handler.
var (
	ErrServerBusy = errors.New("validation capacity exhausted")
	ErrCooldown   = errors.New("target is in cooldown window")
)

// IntakeConfig tunes the submission flow.
type IntakeConfig struct {
	JobMaxAge      time.Duration
	TargetCooldown time.Duration
	PollInterval   time.Duration
	ResultMaxBytes int
}

// IntakeService accepts new validation requests.
type IntakeService struct {
	store    RequestStore
	domains  DomainStore
	sched    *Scheduler
	check    CheckFunc
	notifier Notifier
	cfg      IntakeConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewIntakeService creates an IntakeService.
func NewIntakeService(store RequestStore, domains DomainStore, sched *Scheduler, check CheckFunc, notifier Notifier, cfg IntakeConfig, logger *zap.Logger) *IntakeService {
	return &IntakeService{
		store:    store,
		domains:  domains,
		sched:    sched,
		check:    check,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Submit validates and registers a new EMAIL request. When the
// target's DNS is already correct the request is promoted inline and
// the caller sees ACTIVE immediately; otherwise a background polling
// job takes over.
//
// Returned errors: domain.ErrInvalidTarget, ErrServerBusy, ErrCooldown,
// repository.ErrDuplicateRequest.
func (s *IntakeService) Submit(ctx context.Context, rawTarget string) (*model.Request, error) {
	target, err := domain.Normalize(rawTarget)
	if err != nil {
		return nil, err
	}

	if s.sched.AtCapacity() {
		return nil, ErrServerBusy
	}

	now := s.now()
	last, err := s.store.FindLastCreated(ctx, target, model.TypeEmail)
	if err != nil {
		return nil, fmt.Errorf("cooldown lookup for %q: %w", target, err)
	}
	if last != nil && now.Sub(last.CreatedAt) < s.cfg.TargetCooldown {
		return nil, ErrCooldown
	}

	req, err := s.store.Insert(ctx, target, model.TypeEmail, now, now.Add(s.cfg.JobMaxAge))
	if err != nil {
		return nil, err
	}
	s.logger.Info("validation request created",
		zap.Int64("id", req.ID),
		zap.String("target", target),
	)
	s.notifier.RequestCreated(ctx, req)

	if promoted := s.immediateCheck(ctx, req); promoted {
		return req, nil
	}
	s.sched.StartForRequest(req, 0)
	return req, nil
}

// immediateCheck runs one validation inline with the submission.
// Returns true when the request was promoted to ACTIVE. A failed or
// errored check leaves the request PENDING for the background job.
func (s *IntakeService) immediateCheck(ctx context.Context, req *model.Request) bool {
	result, err := s.check(ctx, req.Target)
	if err != nil {
		s.logger.Warn("immediate dns check failed",
			zap.String("target", req.Target),
			zap.Error(err),
		)
		return false
	}

	now := s.now()
	payload, err := BuildResultPayload(result, s.cfg.ResultMaxBytes)
	if err != nil {
		s.logger.Error("serialize immediate check result", zap.Error(err))
		return false
	}
	if _, err := s.store.UpdateCheckResult(ctx, req.ID, now, now.Add(s.cfg.PollInterval), payload); err != nil {
		s.logger.Warn("persist immediate check result", zap.Error(err))
		return false
	}
	lastChecked := now
	req.LastCheckedAt = &lastChecked

	if !result.OK {
		return false
	}

	activatedAt := now
	affected, err := s.store.ConditionalTransition(ctx, req.ID, model.StatusActive, now, repository.TransitionFields{ActivatedAt: &activatedAt})
	if err != nil {
		s.logger.Error("promote after immediate check", zap.Error(err))
		return false
	}
	if affected != 1 {
		return false
	}

	req.Status = model.StatusActive
	req.ActivatedAt = &activatedAt
	s.logger.Info("request promoted on intake",
		zap.Int64("id", req.ID),
		zap.String("target", req.Target),
	)
	s.notifier.StatusChange(ctx, req, result)
	if err := s.domains.MarkDomainActive(ctx, req.Target); err != nil {
		s.logger.Warn("record active domain", zap.String("target", req.Target), zap.Error(err))
	}
	return true
}
