package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yuim/im-msg/internal/metrics"
	"yuim/im-msg/internal/persist"
	"yuim/im-msg/internal/repo"
	"yuim/im-msg/pkg/event"
)

// Delivery is one record handed over by the bus.
type Delivery struct {
	ID         string
	Topic      string
	Key        string // ordering key (conversation id)
	Body       []byte
	Attempt    int // bus redelivery count, 1 on first delivery; shared by a whole redelivered batch
	Properties map[string]string
}

type Result int

const (
	Ack   Result = iota // commit the offset
	Retry               // leave unacknowledged; the bus redelivers in order
)

func (r Result) String() string {
	if r == Ack {
		return "ack"
	}
	return "retry"
}

type Persister interface {
	Persist(ctx context.Context, in *event.Inbound) (*repo.Message, bool, error)
}

type Publisher interface {
	PublishPersisted(ctx context.Context, m *repo.Message) error
}

type DeadLetterSink interface {
	DeadLetter(ctx context.Context, d Delivery, cause error) error
}

type ExpiryScheduler interface {
	Schedule(ctx context.Context, m *repo.Message) error
}

type Options struct {
	MaxAttempts    int
	PersistTimeout time.Duration
	Workers        int
}

// Consumer turns inbound deliveries into persisted messages.
type Consumer struct {
	store Persister
	pub   Publisher
	dlq   DeadLetterSink
	ttl   ExpiryScheduler
	log   *zap.Logger
	opt   Options

	mu      sync.Mutex
	closing bool
	flight  sync.WaitGroup

	failMu   sync.Mutex
	failures map[string]int // msg_id -> failed persist attempts in this process
}

// maxTrackedFailures bounds the failure table. Clearing it only postpones dead-lettering.
const maxTrackedFailures = 10000

func NewConsumer(store Persister, pub Publisher, dlq DeadLetterSink, ttl ExpiryScheduler, log *zap.Logger, opt Options) *Consumer {
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 5
	}
	if opt.PersistTimeout <= 0 {
		opt.PersistTimeout = 3 * time.Second
	}
	if opt.Workers <= 0 {
		opt.Workers = 8
	}
	return &Consumer{store: store, pub: pub, dlq: dlq, ttl: ttl, log: log, opt: opt, failures: make(map[string]int)}
}

// Handle processes one delivery.
func (c *Consumer) Handle(ctx context.Context, d Delivery) Result {
	if !c.enter() {
		return Retry
	}
	defer c.flight.Done()
	return c.handle(ctx, d)
}

// HandleBatch processes a batch keeping per-key order: deliveries of one key run sequentially
// and stop at the first failure; distinct keys run concurrently. The batch is acknowledged only
// if every delivery was.
func (c *Consumer) HandleBatch(ctx context.Context, ds []Delivery) Result {
	if !c.enter() {
		return Retry
	}
	defer c.flight.Done()

	if len(ds) == 1 {
		return c.handle(ctx, ds[0])
	}

	groups := make(map[string][]Delivery)
	var keys []string
	for _, d := range ds {
		if _, ok := groups[d.Key]; !ok {
			keys = append(keys, d.Key)
		}
		groups[d.Key] = append(groups[d.Key], d)
	}

	var failed atomic.Bool
	var g errgroup.Group
	g.SetLimit(c.opt.Workers)
	for _, k := range keys {
		run := groups[k]
		g.Go(func() error {
			for _, d := range run {
				if c.handle(ctx, d) != Ack {
					failed.Store(true)
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if failed.Load() {
		return Retry
	}
	return Ack
}

func (c *Consumer) handle(ctx context.Context, d Delivery) Result {
	metrics.Consumed.Inc()

	in, err := event.DecodeInbound(d.Body)
	if err != nil {
		return c.deadLetter(ctx, d, err, "malformed")
	}

	pctx, cancel := context.WithTimeout(ctx, c.opt.PersistTimeout)
	start := time.Now()
	rec, created, err := c.store.Persist(pctx, in)
	cancel()
	metrics.PersistSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, persist.ErrSeqConflict) {
			return c.deadLetter(ctx, d, err, "seq_conflict")
		}
		metrics.PersistFail.Inc()
		// Counted per event: a redelivered batch shares one bus counter.
		attempts := c.recordFailure(in.MsgID)
		if attempts >= c.opt.MaxAttempts {
			res := c.deadLetter(ctx, d, err, "max_attempts")
			if res == Ack {
				c.clearFailures(in.MsgID)
			}
			return res
		}
		c.log.Warn("persist failed, awaiting redelivery",
			zap.String("msg_id", in.MsgID),
			zap.String("conv_id", in.ChatID),
			zap.Int("attempt", attempts),
			zap.Int("delivery", d.Attempt),
			zap.Error(err))
		return Retry
	}
	c.clearFailures(in.MsgID)

	if created {
		metrics.Persisted.Inc()
		// Failure is logged by the publisher; the outbox row covers it.
		_ = c.pub.PublishPersisted(ctx, rec)
	} else {
		metrics.Duplicates.Inc()
	}

	// Repeated for duplicates too: the first attempt may have died before scheduling.
	if c.ttl != nil && rec.ExpireAt.Valid && !rec.Deleted() {
		if err := c.ttl.Schedule(ctx, rec); err != nil {
			c.log.Warn("ttl schedule failed, left to sweep", zap.String("msg_id", rec.MsgID), zap.Error(err))
		}
	}
	return Ack
}

func (c *Consumer) recordFailure(msgID string) int {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	if _, ok := c.failures[msgID]; !ok && len(c.failures) >= maxTrackedFailures {
		clear(c.failures)
	}
	c.failures[msgID]++
	return c.failures[msgID]
}

func (c *Consumer) clearFailures(msgID string) {
	c.failMu.Lock()
	delete(c.failures, msgID)
	c.failMu.Unlock()
}

func (c *Consumer) deadLetter(ctx context.Context, d Delivery, cause error, reason string) Result {
	if err := c.dlq.DeadLetter(ctx, d, cause); err != nil {
		c.log.Error("dead-letter failed, awaiting redelivery",
			zap.String("id", d.ID),
			zap.String("reason", reason),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return Retry
	}
	metrics.DeadLettered.WithLabelValues(reason).Inc()
	c.log.Warn("event dead-lettered",
		zap.String("id", d.ID),
		zap.String("key", d.Key),
		zap.String("reason", reason),
		zap.Int("delivery", d.Attempt),
		zap.Error(cause))
	return Ack
}

func (c *Consumer) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.flight.Add(1)
	return true
}

// Drain rejects new deliveries and waits for in-flight ones, or until ctx is done.
func (c *Consumer) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.flight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
