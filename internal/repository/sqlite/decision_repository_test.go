package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qb-autoseed/internal/domain"
)

func newTestRepo(t *testing.T) *DecisionRepository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := &DecisionRepository{db: db}
	require.NoError(t, repo.Init(context.Background()))
	// Init is idempotent
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func TestDecisionRepositoryCreateAndList(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	evict := &domain.Decision{
		CycleID:   "c1",
		Kind:      domain.DecisionEvict,
		Hash:      "aaa",
		Name:      "old release",
		Size:      1 << 30,
		Reason:    "seed time 22h0m0s > 21h0m0s",
		CreatedAt: at,
	}
	id, err := repo.Create(ctx, evict)
	require.NoError(t, err)
	assert.Equal(t, id, evict.ID)

	_, err = repo.Create(ctx, &domain.Decision{CycleID: "c1", Kind: domain.DecisionAdmit, Link: "magnet:?xt=1", DryRun: true, CreatedAt: at})
	require.NoError(t, err)
	_, err = repo.Create(ctx, &domain.Decision{CycleID: "c2", Kind: domain.DecisionCycle, Reason: "new=0"})
	require.NoError(t, err)

	recent, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, domain.DecisionCycle, recent[0].Kind)
	assert.Equal(t, domain.DecisionAdmit, recent[1].Kind)
	assert.True(t, recent[1].DryRun)

	cycle, err := repo.ListByCycle(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, cycle, 2)
	assert.Equal(t, "aaa", cycle[0].Hash)
	assert.Equal(t, int64(1<<30), cycle[0].Size)
	assert.False(t, cycle[0].DryRun)
	assert.True(t, at.Equal(cycle[0].CreatedAt))
}
