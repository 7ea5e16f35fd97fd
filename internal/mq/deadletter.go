package mq

import (
	"context"
	"strconv"
	"time"

	"github.com/apache/rocketmq-client-go/v2/primitive"

	"yuim/im-msg/internal/pipeline"
)

const (
	PropErrorTS     = "x-error-ts"
	PropError       = "x-error"
	PropOriginTopic = "x-origin-topic"
	PropOriginID    = "x-origin-msg-id"
)

// DeadLetter routes poison records to the dead-letter topic with the raw body and the original
// properties untouched. Nothing consumes that topic automatically.
type DeadLetter struct {
	prod  *Producer
	topic string
	now   func() time.Time
}

func NewDeadLetter(prod *Producer, topic string) *DeadLetter {
	return &DeadLetter{prod: prod, topic: topic, now: time.Now}
}

func (d *DeadLetter) DeadLetter(ctx context.Context, dl pipeline.Delivery, cause error) error {
	return d.prod.send(ctx, deadLetterMessage(d.topic, dl, cause, d.now()))
}

func deadLetterMessage(topic string, d pipeline.Delivery, cause error, at time.Time) *primitive.Message {
	props := make(map[string]string, len(d.Properties)+4)
	for k, v := range d.Properties {
		props[k] = v
	}
	props[PropErrorTS] = strconv.FormatInt(at.UnixMilli(), 10)
	if cause != nil {
		props[PropError] = truncate(cause.Error(), 512)
	}
	if d.Topic != "" {
		props[PropOriginTopic] = d.Topic
	}
	if d.ID != "" {
		props[PropOriginID] = d.ID
	}
	return buildMessage(topic, "", d.Key, d.Body, props)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
