package mq

import (
	"context"
	"fmt"
	"time"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"go.uber.org/zap"

	"yuim/im-msg/internal/pipeline"
)

type BatchHandler interface {
	HandleBatch(ctx context.Context, ds []pipeline.Delivery) pipeline.Result
}

// Drainer is implemented by handlers that must finish in-flight work before the queues are
// released to another member of the group.
type Drainer interface {
	Drain(ctx context.Context) error
}

type ConsumerOptions struct {
	NameServer   string
	Group        string
	AccessKey    string
	SecretKey    string
	Topics       []string
	Tag          string
	BatchSize    int
	Orderly      bool
	DrainTimeout time.Duration
}

// PushConsumer binds a BatchHandler to a RocketMQ push consumer (CLUSTERING).
type PushConsumer struct {
	pc      rmq.PushConsumer
	h       BatchHandler
	log     *zap.Logger
	orderly bool
	drain   time.Duration
}

func NewPushConsumer(opt ConsumerOptions, h BatchHandler, log *zap.Logger) (*PushConsumer, error) {
	if opt.NameServer == "" {
		return nil, fmt.Errorf("rocketmq: missing name-server")
	}
	if opt.Group == "" {
		return nil, fmt.Errorf("rocketmq: missing consumer group")
	}
	if len(opt.Topics) == 0 {
		return nil, fmt.Errorf("rocketmq: no topic to subscribe")
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = 16
	}
	if opt.DrainTimeout <= 0 {
		opt.DrainTimeout = 10 * time.Second
	}

	opts := []consumer.Option{
		consumer.WithNameServer([]string{opt.NameServer}),
		consumer.WithGroupName(opt.Group),
		consumer.WithConsumerModel(consumer.Clustering),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromFirstOffset),
		consumer.WithConsumerOrder(opt.Orderly),
		consumer.WithConsumeMessageBatchMaxSize(opt.BatchSize),
	}
	if opt.AccessKey != "" || opt.SecretKey != "" {
		opts = append(opts, consumer.WithCredentials(primitive.Credentials{
			AccessKey: opt.AccessKey,
			SecretKey: opt.SecretKey,
		}))
	}
	pc, err := rmq.NewPushConsumer(opts...)
	if err != nil {
		return nil, err
	}

	c := &PushConsumer{pc: pc, h: h, log: log, orderly: opt.Orderly, drain: opt.DrainTimeout}

	selector := consumer.MessageSelector{Type: consumer.TAG, Expression: "*"}
	if opt.Tag != "" {
		selector.Expression = opt.Tag
	}
	for _, topic := range opt.Topics {
		if err := pc.Subscribe(topic, selector, c.onMessage); err != nil {
			return nil, fmt.Errorf("rocketmq subscribe %s: %w", topic, err)
		}
	}
	return c, nil
}

func (c *PushConsumer) onMessage(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	ds := make([]pipeline.Delivery, 0, len(msgs))
	for _, m := range msgs {
		ds = append(ds, toDelivery(m))
	}
	return consumeResult(c.h.HandleBatch(ctx, ds), c.orderly), nil
}

// Run starts consuming and blocks until ctx is done, then drains and shuts down.
func (c *PushConsumer) Run(ctx context.Context) error {
	if err := c.pc.Start(); err != nil {
		return fmt.Errorf("rocketmq consumer start: %w", err)
	}
	<-ctx.Done()
	return c.Shutdown()
}

func (c *PushConsumer) Shutdown() error {
	if d, ok := c.h.(Drainer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), c.drain)
		if err := d.Drain(ctx); err != nil {
			c.log.Warn("drain incomplete, in-flight events will be redelivered", zap.Error(err))
		}
		cancel()
	}
	return c.pc.Shutdown()
}

func consumeResult(r pipeline.Result, orderly bool) consumer.ConsumeResult {
	if r == pipeline.Ack {
		return consumer.ConsumeSuccess
	}
	if orderly {
		return consumer.SuspendCurrentQueueAMoment
	}
	return consumer.ConsumeRetryLater
}

func toDelivery(m *primitive.MessageExt) pipeline.Delivery {
	key := m.GetShardingKey()
	if key == "" {
		key = m.GetKeys()
	}
	return pipeline.Delivery{
		ID:         m.MsgId,
		Topic:      m.Topic,
		Key:        key,
		Body:       m.Body,
		Attempt:    int(m.ReconsumeTimes) + 1,
		Properties: userProperties(m.GetProperties()),
	}
}

// userProperties drops broker-managed properties (upper-case names such as KEYS or UNIQ_KEY).
func userProperties(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if isSystemProperty(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func isSystemProperty(k string) bool {
	if k == "" {
		return true
	}
	for _, r := range k {
		if (r < 'A' || r > 'Z') && r != '_' && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
