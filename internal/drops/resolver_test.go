package drops

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/deaddrop/internal/apperr"
	"github.com/dharsanguruparan/deaddrop/internal/model"
)

func TestResolveIgnoresCaseAndSpace(t *testing.T) {
	f := newFixture(t)
	f.lifecycle.allocator = NewAllocator(sequence("AB3XYZ"), 8, f.log)
	f.ready(t, "d1")

	for _, in := range []string{"AB3XYZ", "ab3xyz", "  Ab3XyZ\n"} {
		res, err := f.svc.Resolve(context.Background(), in)
		require.NoError(t, err, in)
		assert.Equal(t, Resolution{DropID: "d1", ShortCode: "AB3XYZ", Status: model.StatusReady}, res)
	}
}

func TestResolveErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Resolve(ctx, "   ")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.svc.Resolve(ctx, "ZZZZZZ")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestResolveFallsBackToScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lifecycle.allocator = NewAllocator(sequence("QWERTY"), 8, f.log)
	f.ready(t, "d1")

	r := NewResolver(&faultyStore{Store: f.store, lookupErr: errBoom}, f.log)
	res, err := r.Resolve(ctx, "qwerty")
	require.NoError(t, err)
	assert.Equal(t, "d1", res.DropID)

	var warned bool
	for _, e := range f.hook.AllEntries() {
		if strings.Contains(e.Message, "index lookup failed") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestResolveLegacyRecordByRawCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutNew(ctx, &model.Drop{
		ID:        "legacy",
		Status:    model.StatusReady,
		ShortCode: "OLDCODE",
	}))

	res, err := f.svc.Resolve(ctx, " OLDCODE ")
	require.NoError(t, err)
	assert.Equal(t, "legacy", res.DropID)

	_, err = f.svc.Resolve(ctx, "oldcode")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestResolveScanFailure(t *testing.T) {
	f := newFixture(t)
	r := NewResolver(&faultyStore{Store: f.store, lookupErr: errBoom, scanErr: errBoom}, f.log)

	_, err := r.Resolve(context.Background(), "ABCDEF")
	assert.True(t, apperr.IsKind(err, apperr.KindStorage))
	assert.ErrorIs(t, err, errBoom)
}
