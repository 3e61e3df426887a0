package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"taskq/internal/domain"
	"taskq/internal/ports"
)

var (
	_ ports.Broker        = (*Broker)(nil)
	_ ports.QueueDeclarer = (*Broker)(nil)
)

// delayed members are "<uuid>|<item>" so identical items never collapse in the set.
const memberSep = "|"

func (b *Broker) DeclareQueue(ctx context.Context, queue string) error {
	return b.Rdb.SAdd(ctx, b.queuesKey(), queue).Err()
}

func (b *Broker) Enqueue(ctx context.Context, item string, queue string, opts *domain.TaskOptions) error {
	if opts != nil && opts.ETA().After(b.clock()) {
		member := uuid.NewString() + memberSep + item
		score := float64(opts.ETA().UnixMilli())
		_, err := b.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SAdd(ctx, b.queuesKey(), queue)
			p.ZAdd(ctx, b.delayedKey(queue), redis.Z{Score: score, Member: member})
			return nil
		})
		return err
	}

	_, err := b.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, b.queuesKey(), queue)
		p.RPush(ctx, b.listKey(queue), item)
		return nil
	})
	return err
}

func (b *Broker) Dequeue(ctx context.Context, queue string) (string, error) {
	known, err := b.Rdb.SIsMember(ctx, b.queuesKey(), queue).Result()
	if err != nil {
		return "", err
	}
	if !known {
		return "", fmt.Errorf("%w: %s", ports.ErrUnknownQueue, queue)
	}

	for {
		item, err := b.Rdb.LPop(ctx, b.listKey(queue)).Result()
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", err
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

// Len returns the number of ready items in queue.
func (b *Broker) Len(ctx context.Context, queue string) (int64, error) {
	return b.Rdb.LLen(ctx, b.listKey(queue)).Result()
}

// Parked returns the number of items waiting for their eta in queue.
func (b *Broker) Parked(ctx context.Context, queue string) (int64, error) {
	return b.Rdb.ZCard(ctx, b.delayedKey(queue)).Result()
}
