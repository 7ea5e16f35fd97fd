package ttl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisScheduler arms one volatile key per message and turns the server's expired keyevents
// back into triggers. Notifications are fire-and-forget: a trigger lost while no watcher is
// subscribed is caught by Watcher.Recover.
type RedisScheduler struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger
}

func NewRedisScheduler(rdb *redis.Client, prefix string, log *zap.Logger) *RedisScheduler {
	if prefix == "" {
		prefix = "im:ttl:"
	}
	return &RedisScheduler{rdb: rdb, prefix: prefix, log: log}
}

func (s *RedisScheduler) key(msgID string) string { return s.prefix + msgID }

// Schedule sets <prefix><msgID> to expire at at. Past deadlines get the minimum TTL so the
// trigger still goes through the notification path.
func (s *RedisScheduler) Schedule(ctx context.Context, msgID string, at time.Time) error {
	d := time.Until(at)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	d = d.Truncate(time.Millisecond)
	if err := s.rdb.Set(ctx, s.key(msgID), "1", d).Err(); err != nil {
		return fmt.Errorf("ttl set %s: %w", msgID, err)
	}
	return nil
}

// Run subscribes to expired keyevents of the client's database and calls fire for each of
// our keys until ctx is done.
func (s *RedisScheduler) Run(ctx context.Context, fire func(msgID string)) error {
	s.enableNotifications(ctx)

	channel := fmt.Sprintf("__keyevent@%d__:expired", s.rdb.Options().DB)
	ps := s.rdb.PSubscribe(ctx, channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("ttl subscribe %s: %w", channel, err)
	}
	s.log.Info("ttl watcher subscribed", zap.String("channel", channel), zap.String("prefix", s.prefix))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(msg.Payload, s.prefix) {
				continue
			}
			fire(strings.TrimPrefix(msg.Payload, s.prefix))
		}
	}
}

// enableNotifications adds the E and x flags to notify-keyspace-events, keeping what is
// already enabled. Managed servers often refuse CONFIG; that is logged, not fatal.
func (s *RedisScheduler) enableNotifications(ctx context.Context) {
	cur, err := s.rdb.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		s.log.Warn("ttl: CONFIG GET notify-keyspace-events failed, assuming it is preconfigured", zap.Error(err))
		return
	}
	next, changed := mergeNotifyFlags(cur["notify-keyspace-events"])
	if !changed {
		return
	}
	if err := s.rdb.ConfigSet(ctx, "notify-keyspace-events", next).Err(); err != nil {
		s.log.Warn("ttl: CONFIG SET notify-keyspace-events failed", zap.String("want", next), zap.Error(err))
	}
}

func mergeNotifyFlags(cur string) (string, bool) {
	next := cur
	if !strings.Contains(next, "E") {
		next += "E"
	}
	if !strings.Contains(next, "x") && !strings.Contains(next, "A") {
		next += "x"
	}
	return next, next != cur
}
