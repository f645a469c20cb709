package service

import (
	"context"
	"time"

	"github.com/forwardmx/dnscheck/internal/checker/model"
	"github.com/forwardmx/dnscheck/internal/checker/repository"
)

// RequestStore is the persistence surface the services depend on.
// *repository.RequestRepository satisfies it; tests use an in-memory
// stub.
type RequestStore interface {
	Insert(ctx context.Context, target string, typ model.RequestType, now, expiresAt time.Time) (*model.Request, error)
	FindByID(ctx context.Context, id int64) (*model.Request, error)
	FindByTarget(ctx context.Context, target string) ([]model.Request, error)
	FindPendingNotExpired(ctx context.Context, now time.Time) ([]model.Request, error)
	FindLastCreated(ctx context.Context, target string, typ model.RequestType) (*model.Request, error)
	UpdateCheckResult(ctx context.Context, id int64, now, nextCheckAt time.Time, resultJSON string) (int64, error)
	SetFailReason(ctx context.Context, id int64, now time.Time, reason string) error
	ConditionalTransition(ctx context.Context, id int64, to model.Status, now time.Time, fields repository.TransitionFields) (int64, error)
}

// DomainStore records first-time promotions.
type DomainStore interface {
	MarkDomainActive(ctx context.Context, name string) error
}

// Notifier delivers the two transactional emails. Implementations are
// fire-and-forget: they log failures and never block validation.
type Notifier interface {
	RequestCreated(ctx context.Context, req *model.Request)
	StatusChange(ctx context.Context, req *model.Request, result *model.CheckResult)
}
