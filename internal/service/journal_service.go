package service

import (
	"context"
	"errors"

	"qb-autoseed/internal/domain"
	"qb-autoseed/internal/repository"
)

const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500
)

// ErrJournalDisabled is returned by reads when no database is configured.
var ErrJournalDisabled = errors.New("decision journal is disabled")

// JournalService records what the monitor decided and lets operators read it back.
type JournalService interface {
	Record(ctx context.Context, d domain.Decision) error
	Recent(ctx context.Context, limit int) ([]domain.Decision, error)
	Cycle(ctx context.Context, cycleID string) ([]domain.Decision, error)
}

type journalService struct {
	decisions repository.DecisionRepository
}

func NewJournalService(decisions repository.DecisionRepository) JournalService {
	return &journalService{decisions: decisions}
}

func (s *journalService) Record(ctx context.Context, d domain.Decision) error {
	if d.CycleID == "" {
		return errors.New("cycle id is required")
	}
	if d.Kind == "" {
		return errors.New("decision kind is required")
	}
	_, err := s.decisions.Create(ctx, &d)
	return err
}

func (s *journalService) Recent(ctx context.Context, limit int) ([]domain.Decision, error) {
	return s.decisions.ListRecent(ctx, ClampLimit(limit))
}

func (s *journalService) Cycle(ctx context.Context, cycleID string) ([]domain.Decision, error) {
	if cycleID == "" {
		return nil, errors.New("cycle id is required")
	}
	return s.decisions.ListByCycle(ctx, cycleID)
}

// ClampLimit maps a requested page size into [1, MaxRecentLimit], defaulting non-positive values.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentLimit
	case limit > MaxRecentLimit:
		return MaxRecentLimit
	default:
		return limit
	}
}

type noopJournal struct{}

// NewNoopJournal drops every record. Used when database.path is empty.
func NewNoopJournal() JournalService { return noopJournal{} }

func (noopJournal) Record(context.Context, domain.Decision) error { return nil }

func (noopJournal) Recent(context.Context, int) ([]domain.Decision, error) {
	return nil, ErrJournalDisabled
}

func (noopJournal) Cycle(context.Context, string) ([]domain.Decision, error) {
	return nil, ErrJournalDisabled
}
