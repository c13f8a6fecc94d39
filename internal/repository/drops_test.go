package repository

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/deaddrop/internal/database"
	"github.com/dharsanguruparan/deaddrop/internal/kvstore"
	"github.com/dharsanguruparan/deaddrop/internal/model"
)

// newTestRepository connects to DEADDROP_TEST_DATABASE_URL and skips the test
// when it is not set.
func newTestRepository(t *testing.T) *DropRepository {
	t.Helper()
	dsn := os.Getenv("DEADDROP_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("DEADDROP_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool, nil))
	return NewDropRepository(pool)
}

func newDrop() *model.Drop {
	id := uuid.NewString()
	return &model.Drop{
		ID:        id,
		Status:    model.StatusUploading,
		CreatedAt: 1700000000,
		CreatorID: "creator",
		Chunks:    []model.Chunk{{Key: "drops/" + id + "/chunks/h1", Size: 10, Hash: "h1"}},
	}
}

func TestDropRepositoryLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	d := newDrop()
	require.NoError(t, repo.PutNew(ctx, d))
	assert.ErrorIs(t, repo.PutNew(ctx, d), kvstore.ErrExists)

	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUploading, got.Status)
	assert.Equal(t, d.Chunks, got.Chunks)
	assert.Empty(t, got.ShortCode)

	ready := model.StatusReady
	code := uuid.NewString()[:8]
	norm := code
	manifest := "drops/" + d.ID + "/manifest.json"
	ttl := int64(1800000000)
	onlyUploading := kvstore.Condition{StatusIn: []model.DropStatus{model.StatusUploading}}

	updated, err := repo.ConditionalUpdate(ctx, d.ID, kvstore.Update{
		Status:        &ready,
		ManifestKey:   &manifest,
		ManifestIndex: []model.IndexEntry{{Key: d.Chunks[0].Key, Size: 10}},
		ShortCode:     &code,
		ShortCodeNorm: &norm,
		TTLEpoch:      &ttl,
	}, onlyUploading)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, updated.Status)
	assert.Equal(t, ttl, updated.TTLEpoch)
	assert.Len(t, updated.ManifestIndex, 1)

	_, err = repo.ConditionalUpdate(ctx, d.ID, kvstore.Update{Status: &ready}, onlyUploading)
	assert.ErrorIs(t, err, kvstore.ErrPreconditionFailed)

	other := newDrop()
	require.NoError(t, repo.PutNew(ctx, other))
	_, err = repo.ConditionalUpdate(ctx, other.ID, kvstore.Update{Status: &ready, ShortCode: &code, ShortCodeNorm: &norm}, onlyUploading)
	assert.ErrorIs(t, err, kvstore.ErrShortCodeTaken)

	found, err := repo.LookupShortCode(ctx, norm, 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, d.ID, found[0].ID)

	deleted := model.StatusDeleted
	_, err = repo.UnconditionalUpdate(ctx, d.ID, kvstore.Update{Status: &deleted})
	require.NoError(t, err)
	_, err = repo.UnconditionalUpdate(ctx, d.ID, kvstore.Update{Status: &ready})
	assert.ErrorIs(t, err, kvstore.ErrPreconditionFailed)
	_, err = repo.UnconditionalUpdate(ctx, uuid.NewString(), kvstore.Update{Status: &deleted})
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestDropRepositoryReadCountAndAttempts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	d := newDrop()
	require.NoError(t, repo.PutNew(ctx, d))

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := repo.IncrementReadCount(ctx, d.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.ReadCount)

	require.NoError(t, repo.PutAttempt(ctx, &model.Attempt{DropID: d.ID, AttemptID: uuid.NewString(), Result: "attempted", ClientTime: 1}))
	attempts, err := repo.ListAttempts(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}
