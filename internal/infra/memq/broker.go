package memq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskq/internal/domain"
	"taskq/internal/ports"
)

// DefaultPollInterval is how long Dequeue waits before looking at an empty queue again.
const DefaultPollInterval = 5 * time.Second

var (
	_ ports.Broker        = (*Broker)(nil)
	_ ports.QueueDeclarer = (*Broker)(nil)
)

// Broker keeps queues in process memory. Items are lost when the process exits.
type Broker struct {
	mu     sync.Mutex
	queues map[string][]string

	pollInterval time.Duration
}

type Option func(*Broker)

// WithPollInterval sets the wait between looks at an empty queue.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithQueues pre-creates empty queues.
func WithQueues(names ...string) Option {
	return func(b *Broker) {
		for _, n := range names {
			if _, ok := b.queues[n]; !ok {
				b.queues[n] = nil
			}
		}
	}
}

func New(opts ...Option) *Broker {
	b := &Broker{
		queues:       make(map[string][]string),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) DeclareQueue(_ context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[queue]; !ok {
		b.queues[queue] = nil
	}
	return nil
}

func (b *Broker) Enqueue(ctx context.Context, item string, queue string, _ *domain.TaskOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.queues[queue] = append(b.queues[queue], item)
	b.mu.Unlock()
	return nil
}

func (b *Broker) Dequeue(ctx context.Context, queue string) (string, error) {
	for {
		item, ok, err := b.pop(queue)
		if err != nil {
			return "", err
		}
		if ok {
			return item, nil
		}

		timer := time.NewTimer(b.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// Len returns the number of items waiting in queue.
func (b *Broker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

func (b *Broker) pop(queue string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items, ok := b.queues[queue]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ports.ErrUnknownQueue, queue)
	}
	if len(items) == 0 {
		return "", false, nil
	}

	item := items[0]
	items[0] = ""
	b.queues[queue] = items[1:]
	return item, true, nil
}
