package repository

import (
	"context"

	"qb-autoseed/internal/domain"
)

// DecisionRepository persists the journal of eviction and admission decisions.
type DecisionRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, d *domain.Decision) (int64, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Decision, error)
	ListByCycle(ctx context.Context, cycleID string) ([]domain.Decision, error)
}
