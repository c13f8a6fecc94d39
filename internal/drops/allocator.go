package drops

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/deaddrop/internal/apperr"
	"github.com/dharsanguruparan/deaddrop/internal/kvstore"
	"github.com/dharsanguruparan/deaddrop/internal/model"
)

// CommitFunc performs the single atomic write that moves a drop to ready with
// the given code. It returns kvstore.ErrShortCodeTaken when the normalized
// code belongs to another drop.
type CommitFunc func(ctx context.Context, code, norm string) (*model.Drop, error)

// Allocator picks short codes and retries on collision up to a fixed bound.
type Allocator struct {
	generate    CodeGenerator
	maxAttempts int
	log         logrus.FieldLogger
}

// NewAllocator constructs an Allocator.
func NewAllocator(generate CodeGenerator, maxAttempts int, log logrus.FieldLogger) *Allocator {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Allocator{generate: generate, maxAttempts: maxAttempts, log: log}
}

// Allocate generates candidate codes and hands each to commit until one
// sticks. Only a code collision is retried; any other commit error is
// returned as is. When every attempt collides the drop is left untouched and
// an AllocationExhausted error is returned.
func (a *Allocator) Allocate(ctx context.Context, dropID string, commit CommitFunc) (string, *model.Drop, error) {
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		code, err := a.generate()
		if err != nil {
			return "", nil, apperr.Storage("failed to generate short code").WithCause(err)
		}
		d, err := commit(ctx, code, NormalizeCode(code))
		if err == nil {
			return code, d, nil
		}
		if !errors.Is(err, kvstore.ErrShortCodeTaken) {
			return "", nil, err
		}
		a.log.WithFields(logrus.Fields{"dropID": dropID, "attempt": attempt}).Debug("short code collision, retrying")
	}
	a.log.WithField("dropID", dropID).Error("short code allocation exhausted")
	return "", nil, apperr.AllocationExhausted(fmt.Sprintf("failed to allocate unique short_code after %d attempts", a.maxAttempts))
}
