package drops

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/deaddrop/internal/apperr"
	"github.com/dharsanguruparan/deaddrop/internal/kvstore"
	"github.com/dharsanguruparan/deaddrop/internal/logging"
	"github.com/dharsanguruparan/deaddrop/internal/model"
	"github.com/dharsanguruparan/deaddrop/internal/objectstore"
)

// DefaultPublishTimeout bounds the fire-and-forget deletion publish on burn.
const DefaultPublishTimeout = 5 * time.Second

// DeletionPublisher hands a drop over to asynchronous deletion.
type DeletionPublisher interface {
	PublishDeletion(ctx context.Context, dropID string) error
}

// FinalizeInput carries everything a finalize request may set.
type FinalizeInput struct {
	DropID          string
	ManifestKey     string
	ManifestIndex   []model.IndexEntry
	ReaderTokenHash string
	ReaderTokenSalt string
	WriterTokenHash string
	WriterTokenSalt string
}

// Lifecycle owns every status transition of a drop record.
type Lifecycle struct {
	store          kvstore.Store
	objects        objectstore.Store
	allocator      *Allocator
	publisher      DeletionPublisher
	ttl            time.Duration
	publishTimeout time.Duration
	now            func() time.Time
	log            logrus.FieldLogger
}

// NewLifecycle constructs a Lifecycle. publisher may be nil, in which case
// burned drops wait for an external sweep.
func NewLifecycle(store kvstore.Store, objects objectstore.Store, allocator *Allocator, publisher DeletionPublisher, ttl time.Duration, log logrus.FieldLogger) *Lifecycle {
	return &Lifecycle{
		store:          store,
		objects:        objects,
		allocator:      allocator,
		publisher:      publisher,
		ttl:            ttl,
		publishTimeout: DefaultPublishTimeout,
		now:            time.Now,
		log:            log,
	}
}

// Create stores a new drop in uploading state.
func (l *Lifecycle) Create(ctx context.Context, d *model.Drop) error {
	d.Status = model.StatusUploading
	if err := l.store.PutNew(ctx, d); err != nil {
		if errors.Is(err, kvstore.ErrExists) {
			return apperr.Conflict("drop already exists").WithCause(err)
		}
		return apperr.Storage("failed to persist drop").WithCause(err)
	}
	return nil
}

// Finalize moves an uploading drop to ready once its manifest exists,
// allocating a short code in the same write. Repeating a finalize that
// already succeeded with the same manifest key returns the stored drop.
func (l *Lifecycle) Finalize(ctx context.Context, in FinalizeInput) (*model.Drop, error) {
	log := logging.WithFuncName(l.log).WithField("dropID", in.DropID)
	if in.DropID == "" || in.ManifestKey == "" {
		return nil, apperr.Validation("drop_id and manifest_s3_key required")
	}
	if err := validateDropID(in.DropID); err != nil {
		return nil, err
	}

	if !OwnsKey(in.DropID, in.ManifestKey) {
		return nil, apperr.Validation("manifest_s3_key must belong to the drop").WithDetail("manifest_s3_key", in.ManifestKey)
	}

	current, err := l.get(ctx, in.DropID)
	if err != nil {
		return nil, err
	}
	if current.Status == model.StatusReady && current.ManifestKey == in.ManifestKey && current.ShortCode != "" {
		log.Debug("finalize repeated, returning stored drop")
		return current, nil
	}
	if current.Status != model.StatusUploading {
		return nil, apperr.Conflict("drop is not awaiting finalization").WithDetail("status", current.Status)
	}

	exists, err := l.objects.Exists(ctx, in.ManifestKey)
	if err != nil {
		return nil, apperr.Storage("error checking manifest existence").WithCause(err)
	}
	if !exists {
		return nil, apperr.Conflict("manifest_s3_key does not exist")
	}

	ready := model.StatusReady
	ttlEpoch := l.now().Add(l.ttl).Unix()
	manifestKey := in.ManifestKey
	commit := func(ctx context.Context, code, norm string) (*model.Drop, error) {
		upd := kvstore.Update{
			Status:        &ready,
			ManifestKey:   &manifestKey,
			ManifestIndex: in.ManifestIndex,
			ShortCode:     &code,
			ShortCodeNorm: &norm,
			TTLEpoch:      &ttlEpoch,
		}
		setIfPresent(&upd.ReaderTokenHash, in.ReaderTokenHash)
		setIfPresent(&upd.ReaderTokenSalt, in.ReaderTokenSalt)
		setIfPresent(&upd.WriterTokenHash, in.WriterTokenHash)
		setIfPresent(&upd.WriterTokenSalt, in.WriterTokenSalt)

		d, err := l.store.ConditionalUpdate(ctx, in.DropID, upd, kvstore.Condition{
			StatusIn: []model.DropStatus{model.StatusUploading},
		})
		switch {
		case err == nil:
			return d, nil
		case errors.Is(err, kvstore.ErrShortCodeTaken):
			return nil, err
		case errors.Is(err, kvstore.ErrNotFound):
			return nil, apperr.NotFound("drop not found").WithCause(err)
		case errors.Is(err, kvstore.ErrPreconditionFailed):
			return nil, apperr.Conflict("drop is not awaiting finalization").WithCause(err)
		default:
			return nil, apperr.Storage("failed to finalize drop").WithCause(err)
		}
	}

	code, d, err := l.allocator.Allocate(ctx, in.DropID, commit)
	if err != nil {
		return nil, err
	}
	log.WithField("shortCode", code).Info("drop finalized")
	return d, nil
}

// Burn moves a drop to burning and submits its deletion. A burn of a drop
// that is already burning is accepted again and resubmits the job. The
// submission never affects the outcome of the burn.
func (l *Lifecycle) Burn(ctx context.Context, dropID string) (*model.Drop, error) {
	if err := validateDropID(dropID); err != nil {
		return nil, err
	}
	burning := model.StatusBurning
	d, err := l.store.ConditionalUpdate(ctx, dropID, kvstore.Update{Status: &burning}, kvstore.Condition{
		StatusIn: []model.DropStatus{model.StatusUploading, model.StatusReady, model.StatusBurning},
	})
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		return nil, apperr.NotFound("drop not found").WithCause(err)
	case errors.Is(err, kvstore.ErrPreconditionFailed):
		return nil, apperr.Conflict("drop already deleted").WithDetail("status", model.StatusDeleted)
	case err != nil:
		return nil, apperr.Storage("failed to burn drop").WithCause(err)
	}
	l.log.WithField("dropID", dropID).Info("drop burned")
	l.publish(ctx, dropID)
	return d, nil
}

func (l *Lifecycle) publish(ctx context.Context, dropID string) {
	log := l.log.WithField("dropID", dropID)
	if l.publisher == nil {
		log.Warn("no deletion publisher configured, drop left for sweep")
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.publishTimeout)
	defer cancel()
	if err := l.publisher.PublishDeletion(pctx, dropID); err != nil {
		log.WithError(err).Error("failed to submit deletion job")
		return
	}
	log.Debug("deletion job submitted")
}

// BeginDeletion makes sure the drop no longer serves reads before its
// objects are purged: uploading and ready drops are moved to burning. It
// returns the current record, or nil when none exists.
func (l *Lifecycle) BeginDeletion(ctx context.Context, dropID string) (*model.Drop, error) {
	burning := model.StatusBurning
	d, err := l.store.ConditionalUpdate(ctx, dropID, kvstore.Update{Status: &burning}, kvstore.Condition{
		StatusIn: []model.DropStatus{model.StatusUploading, model.StatusReady},
	})
	switch {
	case err == nil:
		return d, nil
	case errors.Is(err, kvstore.ErrNotFound):
		return nil, nil
	case errors.Is(err, kvstore.ErrPreconditionFailed):
		d, err := l.store.Get(ctx, dropID)
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, apperr.Storage("failed to load drop").WithCause(err)
		}
		return d, nil
	default:
		return nil, apperr.Storage("failed to begin deletion").WithCause(err)
	}
}

// MarkDeleted flips a drop to deleted. An absent record is not an error.
func (l *Lifecycle) MarkDeleted(ctx context.Context, dropID string) error {
	deleted := model.StatusDeleted
	_, err := l.store.UnconditionalUpdate(ctx, dropID, kvstore.Update{Status: &deleted})
	if errors.Is(err, kvstore.ErrNotFound) {
		l.log.WithField("dropID", dropID).Debug("no record to mark deleted")
		return nil
	}
	if err != nil {
		return apperr.Storage("failed to mark drop deleted").WithCause(err)
	}
	return nil
}

// ReadReady returns the drop only while it is ready.
func (l *Lifecycle) ReadReady(ctx context.Context, dropID string) (*model.Drop, error) {
	if err := validateDropID(dropID); err != nil {
		return nil, err
	}
	d, err := l.get(ctx, dropID)
	if err != nil {
		return nil, err
	}
	if d.Status != model.StatusReady {
		return nil, apperr.Conflict("drop not ready").WithDetail("status", d.Status)
	}
	return d, nil
}

// Get returns the drop in whatever status it is.
func (l *Lifecycle) Get(ctx context.Context, dropID string) (*model.Drop, error) {
	if err := validateDropID(dropID); err != nil {
		return nil, err
	}
	return l.get(ctx, dropID)
}

func (l *Lifecycle) get(ctx context.Context, dropID string) (*model.Drop, error) {
	d, err := l.store.Get(ctx, dropID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, apperr.NotFound("drop not found").WithCause(err)
	}
	if err != nil {
		return nil, apperr.Storage("failed to load drop").WithCause(err)
	}
	return d, nil
}

func setIfPresent(dst **string, v string) {
	if v != "" {
		*dst = &v
	}
}
