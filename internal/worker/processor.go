package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/deaddrop/internal/drops"
	"github.com/dharsanguruparan/deaddrop/internal/queue"
)

// JobHandler consumes the body of one deletion job.
type JobHandler interface {
	HandleJob(ctx context.Context, payload []byte) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	jobs JobHandler
	log  logrus.FieldLogger
}

// NewProcessor constructs a worker processor.
func NewProcessor(jobs JobHandler, log logrus.FieldLogger) *Processor {
	return &Processor{jobs: jobs, log: log}
}

// Handler registers the delete job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.DeleteDropTask, p.handleDelete)
	return mux
}

func (p *Processor) handleDelete(ctx context.Context, task *asynq.Task) error {
	log := p.log.WithField("task", task.Type())
	if id, ok := asynq.GetTaskID(ctx); ok {
		log = log.WithField("taskID", id)
	}
	err := p.jobs.HandleJob(ctx, task.Payload())
	if errors.Is(err, drops.ErrMalformedJob) {
		log.WithError(err).Error("dropping malformed job")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		log.WithError(err).Warn("delete failed, will retry")
		return err
	}
	return nil
}
