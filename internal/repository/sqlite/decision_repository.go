package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"qb-autoseed/internal/domain"
	"qb-autoseed/internal/repository"
)

const createDecisionsTable = `
CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	hash TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	link TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	dry_run INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_cycle ON decisions (cycle_id);
`

const selectDecision = `SELECT id, cycle_id, kind, hash, name, link, size, reason, dry_run, created_at FROM decisions`

type DecisionRepository struct {
	db *sql.DB
}

func NewDecisionRepository(db *sql.DB) repository.DecisionRepository {
	return &DecisionRepository{db: db}
}

func (r *DecisionRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createDecisionsTable); err != nil {
		return fmt.Errorf("create decisions table: %w", err)
	}
	return nil
}

func (r *DecisionRepository) Create(ctx context.Context, d *domain.Decision) (int64, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO decisions (cycle_id, kind, hash, name, link, size, reason, dry_run, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.CycleID,
		string(d.Kind),
		d.Hash,
		d.Name,
		d.Link,
		d.Size,
		d.Reason,
		d.DryRun,
		d.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert decision: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("decision last insert id: %w", err)
	}
	d.ID = id
	return id, nil
}

func (r *DecisionRepository) ListRecent(ctx context.Context, limit int) ([]domain.Decision, error) {
	rows, err := r.db.QueryContext(ctx, selectDecision+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

func (r *DecisionRepository) ListByCycle(ctx context.Context, cycleID string) ([]domain.Decision, error) {
	rows, err := r.db.QueryContext(ctx, selectDecision+` WHERE cycle_id = ? ORDER BY id ASC`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("list cycle decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

func scanDecisions(rows *sql.Rows) ([]domain.Decision, error) {
	var out []domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDecision(scanner interface {
	Scan(dest ...any) error
}) (*domain.Decision, error) {
	var (
		d         domain.Decision
		kind      string
		createdAt time.Time
	)
	if err := scanner.Scan(
		&d.ID,
		&d.CycleID,
		&kind,
		&d.Hash,
		&d.Name,
		&d.Link,
		&d.Size,
		&d.Reason,
		&d.DryRun,
		&createdAt,
	); err != nil {
		return nil, fmt.Errorf("scan decision: %w", err)
	}
	d.Kind = domain.DecisionKind(kind)
	d.CreatedAt = createdAt.Local()
	return &d, nil
}
