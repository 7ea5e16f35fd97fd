package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"yuim/im-msg/internal/breaker"
	"yuim/im-msg/internal/metrics"
	"yuim/im-msg/internal/repo"
	"yuim/im-msg/pkg/event"
)

// Producer sends one payload to topic. key is the ordering key (conversation id).
type Producer interface {
	Send(ctx context.Context, topic, tag, key string, body []byte) error
}

var ErrBreakerOpen = errors.New("outbox: breaker open")

type sentMarker interface {
	MarkSentByMsg(ctx context.Context, event, msgID string) error
}

// Publisher is the fast path: it sends right after commit and closes the outbox row.
// Any failure leaves the row pending for the Worker.
type Publisher struct {
	prod    Producer
	rows    sentMarker
	brk     *breaker.Breaker
	topics  Topics
	timeout time.Duration
	log     *zap.Logger
}

type PublisherOptions struct {
	Topics  Topics
	Timeout time.Duration
	Breaker *breaker.Breaker // nil disables
}

func NewPublisher(prod Producer, rows sentMarker, log *zap.Logger, opt PublisherOptions) *Publisher {
	if opt.Timeout <= 0 {
		opt.Timeout = 3 * time.Second
	}
	return &Publisher{
		prod:    prod,
		rows:    rows,
		brk:     opt.Breaker,
		topics:  opt.Topics,
		timeout: opt.Timeout,
		log:     log,
	}
}

func (p *Publisher) PublishPersisted(ctx context.Context, m *repo.Message) error {
	e, err := PersistedEntry(m, p.topics)
	if err != nil {
		return err
	}
	return p.send(ctx, e)
}

func (p *Publisher) PublishDeleted(ctx context.Context, d event.Deleted, seq int64) error {
	e, err := DeletedEntry(d, seq, p.topics)
	if err != nil {
		return err
	}
	return p.send(ctx, e)
}

func (p *Publisher) send(ctx context.Context, e Entry) error {
	if !p.brk.Allow(e.Topic) {
		metrics.BreakerSkip.WithLabelValues(e.Topic).Inc()
		return ErrBreakerOpen
	}

	sctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.prod.Send(sctx, e.Topic, e.Tag, e.ConvID, e.Payload)
	cancel()
	if err != nil {
		metrics.PublishFail.WithLabelValues(e.Topic, "direct").Inc()
		opened := p.brk.Failure(e.Topic)
		if opened {
			metrics.BreakerOpen.WithLabelValues(e.Topic).Inc()
		}
		p.log.Warn("direct publish failed, left to outbox",
			zap.String("event", e.Event),
			zap.String("msg_id", e.MsgID),
			zap.String("conv_id", e.ConvID),
			zap.Bool("breaker_opened", opened),
			zap.Error(err),
		)
		return err
	}
	p.brk.Success(e.Topic)
	metrics.PublishOK.WithLabelValues(e.Topic, "direct").Inc()

	// The event is out; a failed mark only costs a duplicate send from the relay.
	if err := p.rows.MarkSentByMsg(context.WithoutCancel(ctx), e.Event, e.MsgID); err != nil {
		p.log.Warn("outbox mark sent failed", zap.String("msg_id", e.MsgID), zap.Error(err))
	}
	return nil
}
