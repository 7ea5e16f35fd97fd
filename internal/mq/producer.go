package mq

import (
	"context"
	"fmt"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/google/uuid"
)

const PropTraceID = "trace_id"

type ProducerOptions struct {
	NameServer string
	Group      string
	AccessKey  string
	SecretKey  string
	Retry      int
}

// Producer sends keyed messages. The hash selector maps one sharding key to one queue, so
// events of a conversation stay in order.
type Producer struct {
	p rmq.Producer
}

func NewProducer(opt ProducerOptions) (*Producer, error) {
	if opt.NameServer == "" {
		return nil, fmt.Errorf("rocketmq: missing name-server")
	}
	if opt.Group == "" {
		return nil, fmt.Errorf("rocketmq: missing producer group")
	}
	if opt.Retry <= 0 {
		opt.Retry = 2
	}
	opts := []producer.Option{
		producer.WithNameServer([]string{opt.NameServer}),
		producer.WithGroupName(opt.Group),
		producer.WithRetry(opt.Retry),
		producer.WithQueueSelector(producer.NewHashQueueSelector()),
	}
	if opt.AccessKey != "" || opt.SecretKey != "" {
		opts = append(opts, producer.WithCredentials(primitive.Credentials{
			AccessKey: opt.AccessKey,
			SecretKey: opt.SecretKey,
		}))
	}
	prd, err := rmq.NewProducer(opts...)
	if err != nil {
		return nil, err
	}
	if err := prd.Start(); err != nil {
		return nil, err
	}
	return &Producer{p: prd}, nil
}

// Send publishes body to topic with key as sharding key and message key.
func (p *Producer) Send(ctx context.Context, topic, tag, key string, body []byte) error {
	return p.send(ctx, buildMessage(topic, tag, key, body, nil))
}

func (p *Producer) send(ctx context.Context, m *primitive.Message) error {
	res, err := p.p.SendSync(ctx, m)
	if err != nil {
		return err
	}
	if res.Status != primitive.SendOK {
		return fmt.Errorf("rocketmq: send to %s: status %d", m.Topic, res.Status)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.p != nil {
		return p.p.Shutdown()
	}
	return nil
}

func buildMessage(topic, tag, key string, body []byte, props map[string]string) *primitive.Message {
	m := primitive.NewMessage(topic, body)
	if tag != "" && tag != "*" {
		m.WithTag(tag)
	}
	if key != "" {
		m.WithShardingKey(key)
		m.WithKeys([]string{key})
	}
	for k, v := range props {
		m.WithProperty(k, v)
	}
	if m.GetProperty(PropTraceID) == "" {
		m.WithProperty(PropTraceID, uuid.NewString())
	}
	return m
}
