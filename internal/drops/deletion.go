package drops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/deaddrop/internal/apperr"
	"github.com/dharsanguruparan/deaddrop/internal/objectstore"
	"github.com/dharsanguruparan/deaddrop/internal/queue"
)

// ErrMalformedJob is returned for deletion job payloads that cannot be
// decoded. Retrying such a job cannot succeed.
var ErrMalformedJob = errors.New("malformed deletion job")

// Orchestrator purges every object of a drop and then marks it deleted.
// Running it again for the same drop is harmless.
type Orchestrator struct {
	lifecycle *Lifecycle
	objects   objectstore.Store
	batchSize int
	log       logrus.FieldLogger
}

// NewOrchestrator constructs an Orchestrator. batchSize is clamped to
// objectstore.MaxDeleteBatch.
func NewOrchestrator(lifecycle *Lifecycle, objects objectstore.Store, batchSize int, log logrus.FieldLogger) *Orchestrator {
	if batchSize <= 0 || batchSize > objectstore.MaxDeleteBatch {
		batchSize = objectstore.MaxDeleteBatch
	}
	return &Orchestrator{lifecycle: lifecycle, objects: objects, batchSize: batchSize, log: log}
}

// DeleteDrop removes all objects under the drop namespace, plus the
// manifests/{id}/ prefix when the manifest was recorded there, and returns
// how many keys were sent for deletion. Keys of other drops are never
// touched.
func (o *Orchestrator) DeleteDrop(ctx context.Context, dropID string) (int, error) {
	if err := validateDropID(dropID); err != nil {
		return 0, err
	}
	log := o.log.WithField("dropID", dropID)

	d, err := o.lifecycle.BeginDeletion(ctx, dropID)
	if err != nil {
		return 0, err
	}

	deleted, err := o.purge(ctx, NamespacePrefix(dropID))
	if err != nil {
		return deleted, apperr.Storage("failed to purge drop objects").WithCause(err)
	}
	if d != nil && strings.HasPrefix(d.ManifestKey, ManifestPrefix(dropID)) {
		n, err := o.purge(ctx, ManifestPrefix(dropID))
		deleted += n
		if err != nil {
			return deleted, apperr.Storage("failed to delete manifest").WithCause(err)
		}
	}

	if d == nil {
		log.WithField("objects", deleted).Info("purged namespace of unknown drop")
		return deleted, nil
	}
	if err := o.lifecycle.MarkDeleted(ctx, dropID); err != nil {
		return deleted, err
	}
	log.WithField("objects", deleted).Info("drop deleted")
	return deleted, nil
}

func (o *Orchestrator) purge(ctx context.Context, prefix string) (int, error) {
	total := 0
	startAfter := ""
	for {
		keys, next, err := o.objects.ListPage(ctx, prefix, startAfter, o.batchSize)
		if err != nil {
			return total, fmt.Errorf("list %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			if err := o.objects.DeleteBatch(ctx, keys); err != nil {
				return total, fmt.Errorf("delete batch under %s: %w", prefix, err)
			}
			total += len(keys)
		}
		if next == "" {
			return total, nil
		}
		startAfter = next
	}
}

// HandleJob processes one deletion job body. A body without drop_id is
// skipped; a body that is not JSON yields ErrMalformedJob.
func (o *Orchestrator) HandleJob(ctx context.Context, payload []byte) error {
	_, err := o.handle(ctx, payload)
	return err
}

func (o *Orchestrator) handle(ctx context.Context, payload []byte) (bool, error) {
	p, err := queue.DecodeDelete(payload)
	if err != nil {
		o.log.WithError(err).Error("malformed deletion job")
		return false, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if p.DropID == "" {
		o.log.Warn("deletion job without drop_id, skipping")
		return true, nil
	}
	if _, err := o.DeleteDrop(ctx, p.DropID); err != nil {
		return false, err
	}
	return false, nil
}

// BatchResult counts the outcome of HandleBatch.
type BatchResult struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// HandleBatch processes jobs independently of each other; a failing job is
// logged and does not stop the rest. The asynq worker delivers one task at a
// time; batches come from the replay command.
func (o *Orchestrator) HandleBatch(ctx context.Context, payloads [][]byte) BatchResult {
	var res BatchResult
	for i, payload := range payloads {
		skipped, err := o.handle(ctx, payload)
		switch {
		case err != nil:
			o.log.WithError(err).WithField("job", i).Error("deletion job failed")
			res.Failed++
		case skipped:
			res.Skipped++
		default:
			res.Processed++
		}
	}
	return res
}
