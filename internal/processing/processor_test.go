package processing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeleter struct {
	mu      sync.Mutex
	calls   map[string]int
	failFor int
	block   chan struct{}
}

func (f *fakeDeleter) DeleteDrop(_ context.Context, dropID string) (int, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[dropID]++
	if f.calls[dropID] <= f.failFor {
		return 0, errors.New("storage unavailable")
	}
	return 1, nil
}

func (f *fakeDeleter) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func TestDispatcherDeletes(t *testing.T) {
	log, _ := test.NewNullLogger()
	deleter := &fakeDeleter{}
	d := New(deleter, 2, log)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	require.NoError(t, d.PublishDeletion(context.Background(), "d1"))
	require.NoError(t, d.PublishDeletion(context.Background(), "d2"))
	assert.Eventually(t, func() bool {
		return deleter.count("d1") == 1 && deleter.count("d2") == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	d.Wait()
}

func TestDispatcherRetries(t *testing.T) {
	log, _ := test.NewNullLogger()
	deleter := &fakeDeleter{failFor: 2}
	d := New(deleter, 1, log)
	d.retry = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	require.NoError(t, d.PublishDeletion(context.Background(), "d1"))
	assert.Eventually(t, func() bool { return deleter.count("d1") == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcherQueueFull(t *testing.T) {
	log, hook := test.NewNullLogger()
	d := New(&fakeDeleter{}, 1, log)

	for i := 0; i < cap(d.queue); i++ {
		require.NoError(t, d.PublishDeletion(context.Background(), "d1"))
	}
	assert.ErrorIs(t, d.PublishDeletion(context.Background(), "d1"), ErrQueueFull)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "deletion queue full, dropping job", hook.LastEntry().Message)
}

func TestDispatcherSkipsInFlightDuplicates(t *testing.T) {
	log, _ := test.NewNullLogger()
	deleter := &fakeDeleter{block: make(chan struct{})}
	d := New(deleter, 2, log)

	require.True(t, d.claim("d1"))
	assert.False(t, d.claim("d1"))
	d.inFlight.Remove("d1")
	assert.True(t, d.claim("d1"))
	d.inFlight.Remove("d1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	require.NoError(t, d.PublishDeletion(ctx, "d1"))
	assert.Eventually(t, func() bool { return d.inFlight.Has("d1") }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.PublishDeletion(ctx, "d1"))
	assert.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, 5*time.Millisecond)

	close(deleter.block)
	assert.Eventually(t, func() bool { return !d.inFlight.Has("d1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, deleter.count("d1"))
}

func TestPublishAfterCancel(t *testing.T) {
	log, _ := test.NewNullLogger()
	d := New(&fakeDeleter{}, 1, log)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.PublishDeletion(ctx, "d1"), context.Canceled)
}
