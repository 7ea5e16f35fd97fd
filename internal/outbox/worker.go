package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"yuim/im-msg/internal/breaker"
	"yuim/im-msg/internal/metrics"
)

type rowStore interface {
	FetchDue(ctx context.Context, limit int) ([]Row, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, retryCount int, lastErr string, backoff time.Duration) error
}

// Worker relays due outbox rows. It is the reconciliation path for every direct publish
// that failed or never happened (crash between commit and send).
type Worker struct {
	repo rowStore
	prod Producer
	brk  *breaker.Breaker
	log  *zap.Logger

	tick  time.Duration
	batch int
}

type Options struct {
	Tick    time.Duration
	Batch   int
	Breaker *breaker.Breaker
}

func NewWorker(repo rowStore, prod Producer, log *zap.Logger, opt Options) *Worker {
	if opt.Tick <= 0 {
		opt.Tick = 1 * time.Second
	}
	if opt.Batch <= 0 {
		opt.Batch = 200
	}
	return &Worker{
		repo:  repo,
		prod:  prod,
		brk:   opt.Breaker,
		log:   log,
		tick:  opt.Tick,
		batch: opt.Batch,
	}
}

// Run relays on every tick until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("outbox fetch failed", zap.Error(err))
			}
		}
	}
}

// RunOnce relays one batch and returns how many rows were sent.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	fctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	recs, err := w.repo.FetchDue(fctx, w.batch)
	cancel()
	if err != nil {
		return 0, err
	}
	metrics.OutboxDue.Set(float64(len(recs)))

	sent := 0
	for _, r := range recs {
		if ctx.Err() != nil {
			return sent, nil
		}
		if !w.brk.Allow(r.Topic) {
			metrics.BreakerSkip.WithLabelValues(r.Topic).Inc()
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := w.prod.Send(sctx, r.Topic, r.Tag, r.ConvID, r.Payload)
		cancel()
		if err == nil {
			w.brk.Success(r.Topic)
			metrics.PublishOK.WithLabelValues(r.Topic, "outbox").Inc()
			if err := w.repo.MarkSent(context.WithoutCancel(ctx), r.ID); err != nil {
				w.log.Warn("outbox mark sent failed", zap.Int64("id", r.ID), zap.Error(err))
			}
			sent++
			continue
		}

		metrics.PublishFail.WithLabelValues(r.Topic, "outbox").Inc()
		if w.brk.Failure(r.Topic) {
			metrics.BreakerOpen.WithLabelValues(r.Topic).Inc()
		}
		rc := r.Attempts + 1
		backoff := calcBackoff(rc)
		if merr := w.repo.MarkFailed(context.WithoutCancel(ctx), r.ID, rc, err.Error(), backoff); merr != nil {
			w.log.Warn("outbox mark failed failed", zap.Int64("id", r.ID), zap.Error(merr))
		}
		if rc == 1 || rc%10 == 0 {
			w.log.Warn("outbox publish retry",
				zap.Int64("id", r.ID),
				zap.String("msg_id", r.MsgID),
				zap.Int("retry", rc),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		}
	}
	return sent, nil
}

// calcBackoff doubles from 2s and caps at 60s.
func calcBackoff(retry int) time.Duration {
	if retry <= 0 {
		return 1 * time.Second
	}
	d := time.Duration(1<<min(retry, 8)) * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
