package drops

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/deaddrop/internal/apperr"
	"github.com/dharsanguruparan/deaddrop/internal/kvstore"
	"github.com/dharsanguruparan/deaddrop/internal/model"
)

// fallbackScanLimit bounds how many records the unindexed scan returns.
const fallbackScanLimit = 1

// Resolution maps a short code to its drop.
type Resolution struct {
	DropID    string           `json:"drop_id"`
	ShortCode string           `json:"short_code"`
	Status    model.DropStatus `json:"status"`
}

// Resolver turns user-typed short codes into drop ids, regardless of case.
type Resolver struct {
	store kvstore.Store
	log   logrus.FieldLogger
}

// NewResolver constructs a Resolver.
func NewResolver(store kvstore.Store, log logrus.FieldLogger) *Resolver {
	return &Resolver{store: store, log: log}
}

// Resolve looks the code up through the short code index first. Records
// written before the index existed are found by a predicate scan on either
// the normalized or the raw code.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Resolution, error) {
	trimmed := strings.TrimSpace(raw)
	norm := NormalizeCode(trimmed)
	if norm == "" {
		return Resolution{}, apperr.Validation("short_code required")
	}
	log := r.log.WithField("shortCode", norm)

	found, err := r.store.LookupShortCode(ctx, norm, 1)
	if err != nil {
		log.WithError(err).Warn("short code index lookup failed, scanning")
	}
	if err == nil && len(found) > 0 {
		return resolution(found[0]), nil
	}

	found, err = r.store.ScanShortCode(ctx, kvstore.ScanFilter{
		ShortCodeNorm: norm,
		ShortCode:     trimmed,
		Limit:         fallbackScanLimit,
	})
	if err != nil {
		return Resolution{}, apperr.Storage("failed to resolve short code").WithCause(err)
	}
	if len(found) == 0 {
		return Resolution{}, apperr.NotFound("short code not found")
	}
	log.Debug("short code resolved by scan")
	return resolution(found[0]), nil
}

func resolution(d *model.Drop) Resolution {
	return Resolution{DropID: d.ID, ShortCode: d.ShortCode, Status: d.Status}
}
