package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// DeleteDropTask is scheduled each time a drop is burned or expires.
	DeleteDropTask = "drop:delete"

	maxRetry = 5
)

// DeletePayload is serialized into the task payload so the worker knows which
// drop namespace to purge.
type DeletePayload struct {
	DropID string `json:"drop_id"`
}

// EncodeDelete builds the job body for dropID.
func EncodeDelete(dropID string) ([]byte, error) {
	data, err := json.Marshal(DeletePayload{DropID: dropID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// DecodeDelete parses a job body. A payload without drop_id decodes to an
// empty DropID, which consumers treat as a skip.
func DecodeDelete(data []byte) (DeletePayload, error) {
	var p DeletePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return DeletePayload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Publisher submits deletion jobs through asynq. Delivery is at-least-once.
type Publisher struct {
	client *asynq.Client
}

// NewPublisher wraps an asynq client.
func NewPublisher(client *asynq.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishDeletion enqueues a deletion job for dropID.
func (p *Publisher) PublishDeletion(ctx context.Context, dropID string) error {
	data, err := EncodeDelete(dropID)
	if err != nil {
		return err
	}
	task := asynq.NewTask(DeleteDropTask, data)
	if _, err := p.client.EnqueueContext(ctx, task, asynq.MaxRetry(maxRetry)); err != nil {
		return fmt.Errorf("enqueue delete task: %w", err)
	}
	return nil
}
