// Package repository persists validation requests in Postgres.
package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/forwardmx/dnscheck/internal/checker/model"
)

// Sentinel errors surfaced to the service layer.
var (
	ErrDuplicateRequest = errors.New("duplicate request for target and type")
	ErrRequestNotFound  = errors.New("request not found")
)

const requestColumns = `id, target, type, status, created_at, updated_at,
	activated_at, last_checked_at, next_check_at, expires_at,
	last_check_result_json, fail_reason`

// RetryConfig bounds retries of transient store errors and the total
// time one operation (pool acquire included) may take.
type RetryConfig struct {
	Count     int
	Delay     time.Duration
	OpTimeout time.Duration
}

// RequestRepository is the pgx-backed store for dns_requests.
type RequestRepository struct {
	db     *pgxpool.Pool
	retry  RetryConfig
	logger *zap.Logger
}

// NewRequestRepository creates a RequestRepository.
func NewRequestRepository(db *pgxpool.Pool, retry RetryConfig, logger *zap.Logger) *RequestRepository {
	return &RequestRepository{db: db, retry: retry, logger: logger}
}

// TransitionFields carries the optional columns set alongside a status
// transition.
type TransitionFields struct {
	ActivatedAt *time.Time
	FailReason  *string
}

// Insert creates a new PENDING row and returns it.
// A (target, type) collision maps to ErrDuplicateRequest.
func (r *RequestRepository) Insert(ctx context.Context, target string, typ model.RequestType, now, expiresAt time.Time) (*model.Request, error) {
	var req *model.Request
	err := r.withRetry(ctx, "insert request", func(ctx context.Context) error {
		row := r.db.QueryRow(ctx,
			`INSERT INTO dns_requests
			   (target, type, status, created_at, updated_at, expires_at)
			 VALUES ($1, $2, $3, $4, $4, $5)
			 RETURNING `+requestColumns,
			target, typ, model.StatusPending, now, expiresAt,
		)
		req = &model.Request{}
		return scanRequest(row, req)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateRequest
		}
		return nil, fmt.Errorf("insert request: %w", err)
	}
	return req, nil
}

// FindByID returns a single request, or ErrRequestNotFound.
func (r *RequestRepository) FindByID(ctx context.Context, id int64) (*model.Request, error) {
	req := &model.Request{}
	err := r.withRetry(ctx, "find request by id", func(ctx context.Context) error {
		row := r.db.QueryRow(ctx,
			`SELECT `+requestColumns+` FROM dns_requests WHERE id = $1`, id)
		return scanRequest(row, req)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("find request %d: %w", id, err)
	}
	return req, nil
}

// FindByTarget returns every row for the target, newest type first is
// not guaranteed; callers select by type.
func (r *RequestRepository) FindByTarget(ctx context.Context, target string) ([]model.Request, error) {
	var out []model.Request
	err := r.withRetry(ctx, "find requests by target", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx,
			`SELECT `+requestColumns+` FROM dns_requests WHERE target = $1 ORDER BY id`, target)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var req model.Request
			if err := scanRequest(rows, &req); err != nil {
				return err
			}
			out = append(out, req)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("find requests for %q: %w", target, err)
	}
	return out, nil
}

// FindPendingNotExpired returns the PENDING rows whose expiry is still
// in the future. The scheduler resumes these at boot.
func (r *RequestRepository) FindPendingNotExpired(ctx context.Context, now time.Time) ([]model.Request, error) {
	var out []model.Request
	err := r.withRetry(ctx, "find pending requests", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx,
			`SELECT `+requestColumns+` FROM dns_requests
			 WHERE status = $1 AND expires_at > $2 ORDER BY id`,
			model.StatusPending, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var req model.Request
			if err := scanRequest(rows, &req); err != nil {
				return err
			}
			out = append(out, req)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("find pending requests: %w", err)
	}
	return out, nil
}

// FindLastCreated returns the most recently created row for
// (target, type), or nil when none exists. Used for the intake cooldown.
func (r *RequestRepository) FindLastCreated(ctx context.Context, target string, typ model.RequestType) (*model.Request, error) {
	req := &model.Request{}
	err := r.withRetry(ctx, "find last created request", func(ctx context.Context) error {
		row := r.db.QueryRow(ctx,
			`SELECT `+requestColumns+` FROM dns_requests
			 WHERE target = $1 AND type = $2
			 ORDER BY created_at DESC LIMIT 1`,
			target, typ)
		return scanRequest(row, req)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find last created for %q: %w", target, err)
	}
	return req, nil
}

// UpdateCheckResult records the outcome of one validation cycle on a
// still-PENDING row. Returns the number of rows affected; 0 means the
// row turned terminal (or vanished) since it was read.
func (r *RequestRepository) UpdateCheckResult(ctx context.Context, id int64, now, nextCheckAt time.Time, resultJSON string) (int64, error) {
	var affected int64
	err := r.withRetry(ctx, "update check result", func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx,
			`UPDATE dns_requests
			 SET last_checked_at = $2, next_check_at = $3,
			     last_check_result_json = $4, updated_at = $2
			 WHERE id = $1 AND status = $5`,
			id, now, nextCheckAt, resultJSON, model.StatusPending)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("update check result for %d: %w", id, err)
	}
	return affected, nil
}

// SetFailReason records a check failure without changing status.
func (r *RequestRepository) SetFailReason(ctx context.Context, id int64, now time.Time, reason string) error {
	err := r.withRetry(ctx, "set fail reason", func(ctx context.Context) error {
		_, err := r.db.Exec(ctx,
			`UPDATE dns_requests SET fail_reason = $2, updated_at = $3
			 WHERE id = $1 AND status = $4`,
			id, reason, now, model.StatusPending)
		return err
	})
	if err != nil {
		return fmt.Errorf("set fail reason for %d: %w", id, err)
	}
	return nil
}

// ConditionalTransition moves a PENDING row to the target status.
// The WHERE status='PENDING' guard is the sole defense against double
// promotion or expiry when an intake check and a background tick race;
// the returned count is 0 when the transition lost that race.
func (r *RequestRepository) ConditionalTransition(ctx context.Context, id int64, to model.Status, now time.Time, fields TransitionFields) (int64, error) {
	var affected int64
	err := r.withRetry(ctx, "conditional transition", func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx,
			`UPDATE dns_requests
			 SET status = $2, updated_at = $3,
			     activated_at = COALESCE($4, activated_at),
			     fail_reason  = COALESCE($5, fail_reason)
			 WHERE id = $1 AND status = $6`,
			id, to, now, fields.ActivatedAt, fields.FailReason, model.StatusPending)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("transition %d to %s: %w", id, to, err)
	}
	return affected, nil
}

func scanRequest(row pgx.Row, req *model.Request) error {
	return row.Scan(
		&req.ID, &req.Target, &req.Type, &req.Status,
		&req.CreatedAt, &req.UpdatedAt,
		&req.ActivatedAt, &req.LastCheckedAt, &req.NextCheckAt,
		&req.ExpiresAt, &req.LastCheckResultJSON, &req.FailReason,
	)
}

// withRetry runs fn, retrying transient store errors with linear
// backoff (delay × attempt number). Non-transient errors, including
// context cancellation, bubble immediately. The whole operation is
// bounded by OpTimeout so a saturated pool cannot block a job forever.
func (r *RequestRepository) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r.retry.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.retry.OpTimeout)
		defer cancel()
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !isTransient(err) || attempt >= r.retry.Count {
			return err
		}
		delay := r.retry.Delay * time.Duration(attempt+1)
		r.logger.Warn("transient store error, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

// isTransient classifies connection-level failures worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET, syscall.ECONNREFUSED,
		syscall.ETIMEDOUT, syscall.EHOSTUNREACH,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
