package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DomainRepository records domains that completed validation.
type DomainRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewDomainRepository creates a DomainRepository.
func NewDomainRepository(db *pgxpool.Pool, logger *zap.Logger) *DomainRepository {
	return &DomainRepository{db: db, logger: logger}
}

// MarkDomainActive inserts the domain on first promotion. A repeat
// promotion of the same name is not an error.
func (r *DomainRepository) MarkDomainActive(ctx context.Context, name string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO domains (name, active) VALUES ($1, true)
		 ON CONFLICT (name) DO UPDATE SET active = true`,
		name)
	if err != nil {
		return fmt.Errorf("mark domain %q active: %w", name, err)
	}
	return nil
}
