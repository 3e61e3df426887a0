package redisq

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"taskq/internal/ports"
)

var _ ports.Scheduler = (*Scheduler)(nil)

const releaseBatch = 128

// releaseDue moves due members of KEYS[1] to the tail of the list KEYS[2].
var releaseDue = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(members) do
	redis.call('ZREM', KEYS[1], member)
	local sep = string.find(member, '|', 1, true)
	redis.call('RPUSH', KEYS[2], string.sub(member, sep + 1))
end
return #members
`)

type Scheduler struct {
	B        *Broker
	Interval time.Duration
}

func NewScheduler(b *Broker, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{B: b, Interval: interval}
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.MoveDue(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).Error().Err(err).Msg("failed to release delayed items")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// MoveDue releases every parked item whose eta has passed and returns how many moved.
func (s *Scheduler) MoveDue(ctx context.Context) (int, error) {
	queues, err := s.B.Rdb.SMembers(ctx, s.B.queuesKey()).Result()
	if err != nil {
		return 0, err
	}

	now := strconv.FormatInt(s.B.clock().UnixMilli(), 10)
	moved := 0
	for _, q := range queues {
		for {
			n, err := releaseDue.Run(ctx, s.B.Rdb,
				[]string{s.B.delayedKey(q), s.B.listKey(q)}, now, releaseBatch).Int()
			if err != nil {
				return moved, err
			}
			moved += n
			if n < releaseBatch {
				break
			}
		}
	}
	if moved > 0 {
		log.Ctx(ctx).Debug().Int("released", moved).Msg("released delayed items")
	}
	return moved, nil
}
