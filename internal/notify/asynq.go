// ABOUTME: Asynq sink enqueueing guest and agent delivery tasks onto Redis
// ABOUTME: Downstream workers own actual push or WhatsApp delivery; this only enqueues

package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskPrefix prefixes every task type, e.g. handoff:conversation.assigned.
const TaskPrefix = "handoff:"

// Asynq enqueues one task per event.
type Asynq struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

// NewAsynq creates an enqueuer from a redis:// URL.
func NewAsynq(redisURL, queue string, maxRetry int) (*Asynq, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if queue == "" {
		queue = "default"
	}
	return &Asynq{client: asynq.NewClient(opt), queue: queue, maxRetry: maxRetry}, nil
}

// NewTask builds the task for ev.
func NewTask(ev Event) (*asynq.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return asynq.NewTask(TaskPrefix+string(ev.Kind), payload), nil
}

// Name implements Sink.
func (a *Asynq) Name() string { return "asynq" }

// Notify enqueues ev. The event ID is the task ID so a re-dispatched event is not enqueued twice.
func (a *Asynq) Notify(ctx context.Context, ev Event) error {
	task, err := NewTask(ev)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.Queue(a.queue), asynq.TaskID(ev.ID)}
	if a.maxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(a.maxRetry))
	}
	if _, err := a.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueueing %s: %w", task.Type(), err)
	}
	return nil
}

// Close closes the Redis client.
func (a *Asynq) Close() error {
	return a.client.Close()
}
