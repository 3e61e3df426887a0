package ports

import (
	"context"
	"errors"

	"taskq/internal/domain"
)

// ErrUnknownQueue is returned by Dequeue for a queue that was never created.
var ErrUnknownQueue = errors.New("unknown queue")

// Broker stores serialized envelopes in named FIFO queues.
type Broker interface {
	// Enqueue appends item to the tail of queue, creating the queue if needed.
	Enqueue(ctx context.Context, item string, queue string, opts *domain.TaskOptions) error
	// Dequeue removes the head of queue, polling while it is empty.
	Dequeue(ctx context.Context, queue string) (string, error)
}

// QueueDeclarer is implemented by brokers that can create an empty queue up front.
type QueueDeclarer interface {
	DeclareQueue(ctx context.Context, queue string) error
}

// Scheduler moves parked items back into their queues once due.
type Scheduler interface {
	Run(ctx context.Context) error
}
