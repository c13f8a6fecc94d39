// Package processing runs deletion jobs inside the server process when no
// Redis is configured. Jobs travel over a buffered channel to a fixed pool of
// goroutines.
package processing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by PublishDeletion when the buffer is exhausted.
var ErrQueueFull = errors.New("deletion queue full")

const (
	inFlightSize = 1024
	retryDelay   = time.Second
	maxRetry     = 5
)

// Deleter purges one drop.
type Deleter interface {
	DeleteDrop(ctx context.Context, dropID string) (int, error)
}

// DeleterFunc adapts a function to Deleter.
type DeleterFunc func(ctx context.Context, dropID string) (int, error)

func (f DeleterFunc) DeleteDrop(ctx context.Context, dropID string) (int, error) {
	return f(ctx, dropID)
}

// Job represents one pending deletion.
type Job struct {
	DropID  string
	attempt int
}

// Dispatcher consumes Jobs with a pool of workers. Delivery is at-least-once:
// failed jobs are requeued up to maxRetry times.
type Dispatcher struct {
	deleter  Deleter
	queue    chan Job
	workers  int
	mu       sync.Mutex
	inFlight gcache.Cache
	log      logrus.FieldLogger
	wg       sync.WaitGroup
	retry    time.Duration
}

// New builds a Dispatcher with queue capacity tied to worker count.
func New(deleter Deleter, workers int, log logrus.FieldLogger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		deleter:  deleter,
		queue:    make(chan Job, workers*64),
		workers:  workers,
		inFlight: gcache.New(inFlightSize).LRU().Build(),
		log:      log,
		retry:    retryDelay,
	}
}

// Start launches worker goroutines. They exit once ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// PublishDeletion queues a deletion. It never blocks; a full queue is
// reported to the caller.
func (d *Dispatcher) PublishDeletion(ctx context.Context, dropID string) error {
	return d.submit(ctx, Job{DropID: dropID})
}

func (d *Dispatcher) submit(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case d.queue <- job:
		return nil
	default:
		d.log.WithField("dropID", job.DropID).Warn("deletion queue full, dropping job")
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.process(ctx, job)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, job Job) {
	log := d.log.WithField("dropID", job.DropID)
	if !d.claim(job.DropID) {
		log.Debug("deletion already in flight, skipping duplicate")
		return
	}
	_, err := d.deleter.DeleteDrop(ctx, job.DropID)
	d.inFlight.Remove(job.DropID)
	if err != nil {
		job.attempt++
		if job.attempt > maxRetry {
			log.WithError(err).Error("deletion failed, giving up")
			return
		}
		log.WithError(err).WithField("attempt", job.attempt).Warn("deletion failed, requeueing")
		time.AfterFunc(d.retry*time.Duration(job.attempt), func() {
			_ = d.submit(ctx, job)
		})
	}
}

// claim marks dropID as in flight unless another worker already did.
func (d *Dispatcher) claim(dropID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight.Has(dropID) {
		return false
	}
	_ = d.inFlight.Set(dropID, struct{}{})
	return true
}
