package drops

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/deaddrop/internal/kvstore"
	"github.com/dharsanguruparan/deaddrop/internal/model"
	"github.com/dharsanguruparan/deaddrop/internal/objectstore"
	"github.com/dharsanguruparan/deaddrop/internal/signing"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu       sync.Mutex
	ids      []string
	err      error
	ctxErrs  []error
	deadline bool
}

func (p *recordingPublisher) PublishDeletion(ctx context.Context, dropID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, dropID)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	_, p.deadline = ctx.Deadline()
	return p.err
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

type fixture struct {
	store     *kvstore.MemoryStore
	objects   *objectstore.Memory
	publisher *recordingPublisher
	log       *logrus.Logger
	hook      *test.Hook
	lifecycle *Lifecycle
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	f := &fixture{
		store:     kvstore.NewMemoryStore(),
		objects:   objectstore.NewMemory(signing.NewSigner([]byte("test-secret")), "http://localhost:8080"),
		publisher: &recordingPublisher{},
		log:       log,
		hook:      hook,
	}
	f.svc = NewService(Deps{
		Store:     f.store,
		Objects:   f.objects,
		Presigner: f.objects,
		Publisher: f.publisher,
		Logger:    log,
	}, Options{
		TTL:               30 * 24 * time.Hour,
		ShortCodeLength:   6,
		MaxShortCodeTries: 8,
		PresignPutExpiry:  15 * time.Minute,
		PresignGetExpiry:  10 * time.Minute,
		DeleteBatchSize:   1000,
		MaxChunks:         100,
	})
	f.lifecycle = f.svc.lifecycle
	f.lifecycle.now = func() time.Time { return fixedNow }
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

// uploading stores an uploading drop whose manifest has been uploaded.
func (f *fixture) uploading(t *testing.T, id string) *model.Drop {
	t.Helper()
	d := &model.Drop{
		ID:        id,
		CreatedAt: fixedNow.Unix(),
		Chunks:    []model.Chunk{{Key: ChunkKey(id, "h1"), Size: 4, Hash: "h1"}},
	}
	require.NoError(t, f.lifecycle.Create(context.Background(), d))
	f.objects.Put(ManifestKey(id), []byte(`{"chunks":[{"key":"`+ChunkKey(id, "h1")+`","iv":"iv-1"}]}`))
	f.objects.Put(ChunkKey(id, "h1"), []byte("data"))
	return d
}

// ready stores a finalized drop and returns its short code.
func (f *fixture) ready(t *testing.T, id string) string {
	t.Helper()
	f.uploading(t, id)
	d, err := f.lifecycle.Finalize(context.Background(), FinalizeInput{DropID: id, ManifestKey: ManifestKey(id)})
	require.NoError(t, err)
	return d.ShortCode
}

func (f *fixture) status(t *testing.T, id string) model.DropStatus {
	t.Helper()
	d, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return d.Status
}

// sequence yields the given codes in order, then keeps repeating the last.
func sequence(codes ...string) CodeGenerator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return c, nil
	}
}

var errBoom = errors.New("boom")

// faultyStore lets tests break single kvstore operations.
type faultyStore struct {
	kvstore.Store
	lookupErr error
	scanErr   error
}

func (s *faultyStore) LookupShortCode(ctx context.Context, norm string, limit int) ([]*model.Drop, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	return s.Store.LookupShortCode(ctx, norm, limit)
}

func (s *faultyStore) ScanShortCode(ctx context.Context, f kvstore.ScanFilter) ([]*model.Drop, error) {
	if s.scanErr != nil {
		return nil, s.scanErr
	}
	return s.Store.ScanShortCode(ctx, f)
}

// countingObjects records the size of every DeleteBatch call.
type countingObjects struct {
	objectstore.Store
	mu        sync.Mutex
	batches   []int
	deleteErr error
}

func (c *countingObjects) DeleteBatch(ctx context.Context, keys []string) error {
	c.mu.Lock()
	c.batches = append(c.batches, len(keys))
	c.mu.Unlock()
	if c.deleteErr != nil {
		return c.deleteErr
	}
	return c.Store.DeleteBatch(ctx, keys)
}
