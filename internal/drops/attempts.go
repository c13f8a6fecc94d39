package drops

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/deaddrop/internal/apperr"
	"github.com/dharsanguruparan/deaddrop/internal/kvstore"
	"github.com/dharsanguruparan/deaddrop/internal/model"
)

const (
	// MaxUserAgentLen is how many characters of a user agent are kept.
	MaxUserAgentLen = 200
	// DefaultAttemptResult is recorded when the client sends no result.
	DefaultAttemptResult = "attempted"
)

// AttemptInput describes one pickup attempt reported by a client.
type AttemptInput struct {
	DropID     string
	Result     string
	ClientTime *int64
	UserAgent  string
}

// Recorder appends pickup attempts and counts reads.
type Recorder struct {
	store kvstore.Store
	now   func() time.Time
	log   logrus.FieldLogger
}

// NewRecorder constructs a Recorder.
func NewRecorder(store kvstore.Store, log logrus.FieldLogger) *Recorder {
	return &Recorder{store: store, now: time.Now, log: log}
}

// RecordAttempt stores an immutable attempt and bumps the drop read count,
// whatever the drop status and the attempt result.
func (r *Recorder) RecordAttempt(ctx context.Context, in AttemptInput) (string, error) {
	if err := validateDropID(in.DropID); err != nil {
		return "", err
	}
	now := r.now().UTC()
	a := &model.Attempt{
		DropID:     in.DropID,
		AttemptID:  uuid.NewString(),
		Result:     in.Result,
		ClientTime: now.Unix(),
		UserAgent:  truncate(in.UserAgent, MaxUserAgentLen),
		CreatedAt:  now,
	}
	if a.Result == "" {
		a.Result = DefaultAttemptResult
	}
	if in.ClientTime != nil {
		a.ClientTime = *in.ClientTime
	}
	log := r.log.WithFields(logrus.Fields{"dropID": in.DropID, "attemptID": a.AttemptID})

	if err := r.store.PutAttempt(ctx, a); err != nil {
		return "", apperr.Storage("failed to record attempt").WithCause(err)
	}
	count, err := r.store.IncrementReadCount(ctx, in.DropID)
	if errors.Is(err, kvstore.ErrNotFound) {
		log.Warn("attempt recorded for unknown drop")
		return "", apperr.NotFound("drop not found").WithCause(err)
	}
	if err != nil {
		return "", apperr.Storage("failed to increment read count").WithCause(err)
	}
	log.WithField("readCount", count).Debug("pickup attempt recorded")
	return a.AttemptID, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
