package mq

import (
	"errors"
	"testing"
	"time"

	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/im-msg/internal/pipeline"
)

func TestToDelivery(t *testing.T) {
	m := &primitive.MessageExt{
		Message:        primitive.Message{Topic: "chat_messages", Body: []byte(`{"msgId":"m1"}`)},
		MsgId:          "AC11000100002A9F0000000000000001",
		ReconsumeTimes: 2,
	}
	m.WithShardingKey("c1")
	m.WithKeys([]string{"c1"})
	m.WithProperty(PropTraceID, "t-1")
	m.WithProperty("UNIQ_KEY", "AC11")

	d := toDelivery(m)
	assert.Equal(t, "c1", d.Key)
	assert.Equal(t, "chat_messages", d.Topic)
	assert.Equal(t, 3, d.Attempt)
	assert.Equal(t, "t-1", d.Properties[PropTraceID])
	assert.NotContains(t, d.Properties, "UNIQ_KEY")
	assert.NotContains(t, d.Properties, "KEYS")
}

func TestToDeliveryFallsBackToKeys(t *testing.T) {
	m := &primitive.MessageExt{Message: primitive.Message{Topic: "t", Body: []byte("{}")}}
	m.WithKeys([]string{"c9"})

	d := toDelivery(m)
	assert.Equal(t, "c9", d.Key)
	assert.Equal(t, 1, d.Attempt)
}

func TestConsumeResult(t *testing.T) {
	assert.Equal(t, consumer.ConsumeSuccess, consumeResult(pipeline.Ack, true))
	assert.Equal(t, consumer.SuspendCurrentQueueAMoment, consumeResult(pipeline.Retry, true))
	assert.Equal(t, consumer.ConsumeRetryLater, consumeResult(pipeline.Retry, false))
}

func TestDeadLetterMessage(t *testing.T) {
	at := time.UnixMilli(1714550400123)
	d := pipeline.Delivery{
		ID:         "mq-1",
		Topic:      "chat_messages",
		Key:        "c1",
		Body:       []byte(`{"msgId":`),
		Properties: map[string]string{PropTraceID: "t-1", "origin": "gw"},
	}
	m := deadLetterMessage("chat_messages_dlq", d, errors.New("event: malformed"), at)

	assert.Equal(t, "chat_messages_dlq", m.Topic)
	assert.Equal(t, d.Body, m.Body)
	assert.Equal(t, "1714550400123", m.GetProperty(PropErrorTS))
	assert.Equal(t, "event: malformed", m.GetProperty(PropError))
	assert.Equal(t, "chat_messages", m.GetProperty(PropOriginTopic))
	assert.Equal(t, "mq-1", m.GetProperty(PropOriginID))
	assert.Equal(t, "t-1", m.GetProperty(PropTraceID), "trace id is kept")
	assert.Equal(t, "gw", m.GetProperty("origin"))
	assert.Equal(t, "c1", m.GetShardingKey())
}

func TestBuildMessageAddsTraceID(t *testing.T) {
	m := buildMessage("chat_message_persisted", "*", "c1", []byte("{}"), nil)
	require.NotEmpty(t, m.GetProperty(PropTraceID))
	assert.Empty(t, m.GetTags())
	assert.Equal(t, "c1", m.GetShardingKey())
	assert.Equal(t, "c1", m.GetKeys())
}

func TestIsSystemProperty(t *testing.T) {
	assert.True(t, isSystemProperty("MAX_OFFSET"))
	assert.True(t, isSystemProperty("KEYS"))
	assert.False(t, isSystemProperty(PropTraceID))
	assert.False(t, isSystemProperty(PropErrorTS))
}
