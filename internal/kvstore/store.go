// Package kvstore declares the key-value contract the drop lifecycle runs on
// and ships an in-memory implementation. The PostgreSQL implementation lives
// in package repository.
package kvstore

import (
	"context"
	"errors"

	"github.com/dharsanguruparan/deaddrop/internal/model"
)

var (
	// ErrNotFound is returned when no drop exists under the id.
	ErrNotFound = errors.New("drop not found")
	// ErrExists is returned by PutNew when the id is already taken.
	ErrExists = errors.New("drop already exists")
	// ErrPreconditionFailed is returned when a Condition does not hold.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrShortCodeTaken is returned when an update would assign a normalized
	// short code already owned by another drop.
	ErrShortCodeTaken = errors.New("short code already taken")
)

// Update lists the fields a single-item update sets. Nil fields are left
// untouched.
type Update struct {
	Status          *model.DropStatus
	ManifestKey     *string
	ManifestIndex   []model.IndexEntry
	ShortCode       *string
	ShortCodeNorm   *string
	TTLEpoch        *int64
	ReaderTokenHash *string
	ReaderTokenSalt *string
	WriterTokenHash *string
	WriterTokenSalt *string
}

// Forward reports whether upd keeps the status of d or moves it forward.
// Both stores refuse any other update with ErrPreconditionFailed, whether
// conditional or not.
func (u Update) Forward(d *model.Drop) bool {
	if u.Status == nil {
		return true
	}
	return u.Status.Valid() && !u.Status.Before(d.Status)
}

// Condition guards a ConditionalUpdate.
type Condition struct {
	// StatusIn lists the statuses the record must currently have. Empty means
	// any status.
	StatusIn []model.DropStatus
}

// Holds reports whether d satisfies the condition.
func (c Condition) Holds(d *model.Drop) bool {
	if len(c.StatusIn) == 0 {
		return true
	}
	for _, s := range c.StatusIn {
		if d.Status == s {
			return true
		}
	}
	return false
}

// ScanFilter is the predicate of the fallback short code scan: a record
// matches when its normalized code equals ShortCodeNorm or its raw code equals
// ShortCode.
type ScanFilter struct {
	ShortCodeNorm string
	ShortCode     string
	Limit         int
}

// Matches reports whether d satisfies the filter.
func (f ScanFilter) Matches(d *model.Drop) bool {
	if f.ShortCodeNorm != "" && d.ShortCodeNorm == f.ShortCodeNorm {
		return true
	}
	return f.ShortCode != "" && d.ShortCode == f.ShortCode
}

// Store is the typed key-value contract over Drop and Attempt records. Every
// mutation touches exactly one item.
type Store interface {
	Get(ctx context.Context, dropID string) (*model.Drop, error)
	PutNew(ctx context.Context, d *model.Drop) error
	ConditionalUpdate(ctx context.Context, dropID string, upd Update, cond Condition) (*model.Drop, error)
	UnconditionalUpdate(ctx context.Context, dropID string, upd Update) (*model.Drop, error)
	IncrementReadCount(ctx context.Context, dropID string) (int64, error)
	// LookupShortCode is the indexed point lookup on the normalized code.
	LookupShortCode(ctx context.Context, norm string, limit int) ([]*model.Drop, error)
	// ScanShortCode is the unindexed fallback. Result order is unspecified.
	ScanShortCode(ctx context.Context, f ScanFilter) ([]*model.Drop, error)
	PutAttempt(ctx context.Context, a *model.Attempt) error
	ListAttempts(ctx context.Context, dropID string) ([]*model.Attempt, error)
}

// Apply copies the set fields of upd onto d.
func Apply(d *model.Drop, upd Update) {
	if upd.Status != nil {
		d.Status = *upd.Status
	}
	if upd.ManifestKey != nil {
		d.ManifestKey = *upd.ManifestKey
	}
	if upd.ManifestIndex != nil {
		d.ManifestIndex = append([]model.IndexEntry(nil), upd.ManifestIndex...)
	}
	if upd.ShortCode != nil {
		d.ShortCode = *upd.ShortCode
	}
	if upd.ShortCodeNorm != nil {
		d.ShortCodeNorm = *upd.ShortCodeNorm
	}
	if upd.TTLEpoch != nil {
		d.TTLEpoch = *upd.TTLEpoch
	}
	if upd.ReaderTokenHash != nil {
		d.ReaderTokenHash = *upd.ReaderTokenHash
	}
	if upd.ReaderTokenSalt != nil {
		d.ReaderTokenSalt = *upd.ReaderTokenSalt
	}
	if upd.WriterTokenHash != nil {
		d.WriterTokenHash = *upd.WriterTokenHash
	}
	if upd.WriterTokenSalt != nil {
		d.WriterTokenSalt = *upd.WriterTokenSalt
	}
}
