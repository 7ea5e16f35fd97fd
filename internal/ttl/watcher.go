package ttl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"yuim/im-msg/internal/metrics"
	"yuim/im-msg/internal/outbox"
	"yuim/im-msg/internal/repo"
	"yuim/im-msg/pkg/event"
)

// Scheduler delivers a trigger for msgID no earlier than at (best effort; Watcher re-checks).
type Scheduler interface {
	Schedule(ctx context.Context, msgID string, at time.Time) error
	Run(ctx context.Context, fire func(msgID string)) error
}

type Store interface {
	Find(ctx context.Context, msgID string) (*repo.Message, error)
	SoftDelete(ctx context.Context, msgID, scope string) (*repo.Message, bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]repo.Message, error)
}

type DeletedPublisher interface {
	PublishDeleted(ctx context.Context, d event.Deleted, seq int64) error
}

type Options struct {
	SweepEvery time.Duration
	SweepBatch int
	OpTimeout  time.Duration
	Now        func() time.Time
}

// Watcher soft-deletes messages once their expiry has passed. Any number of watchers may
// see the same trigger; the store's compare-and-set lets exactly one of them emit.
type Watcher struct {
	store Store
	sched Scheduler
	pub   DeletedPublisher
	log   *zap.Logger
	opt   Options
}

func NewWatcher(store Store, sched Scheduler, pub DeletedPublisher, log *zap.Logger, opt Options) *Watcher {
	if opt.SweepEvery <= 0 {
		opt.SweepEvery = time.Minute
	}
	if opt.SweepBatch <= 0 {
		opt.SweepBatch = 500
	}
	if opt.OpTimeout <= 0 {
		opt.OpTimeout = 3 * time.Second
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Watcher{store: store, sched: sched, pub: pub, log: log, opt: opt}
}

// Schedule arms the trigger for m. Records without expiry or already deleted are ignored.
func (w *Watcher) Schedule(ctx context.Context, m *repo.Message) error {
	if !m.ExpireAt.Valid || m.Deleted() {
		return nil
	}
	if err := w.sched.Schedule(ctx, m.MsgID, m.ExpireAt.Time); err != nil {
		return err
	}
	metrics.TTLScheduled.Inc()
	return nil
}

// Expire handles a trigger for msgID. It reports whether this call performed the deletion.
func (w *Watcher) Expire(ctx context.Context, msgID string) (bool, error) {
	m, err := w.store.Find(ctx, msgID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ttl lookup %s: %w", msgID, err)
	}
	if m.Deleted() || !m.ExpireAt.Valid {
		return false, nil
	}
	if now := w.opt.Now(); now.Before(m.ExpireAt.Time) {
		// Early trigger (clock skew, rescheduled expiry): arm again.
		return false, w.sched.Schedule(ctx, msgID, m.ExpireAt.Time)
	}

	rec, deleted, err := w.store.SoftDelete(ctx, msgID, event.ScopeTTL)
	if err != nil {
		return false, fmt.Errorf("ttl delete %s: %w", msgID, err)
	}
	if !deleted {
		return false, nil
	}
	metrics.TTLExpired.Inc()
	w.log.Debug("message expired", zap.String("msg_id", msgID), zap.String("conv_id", rec.ConvID))

	// The deleted event is already in the outbox; this is the fast path.
	_ = w.pub.PublishDeleted(ctx, outbox.DeletedEvent(rec, event.ScopeTTL), rec.Seq)
	return true, nil
}

// Recover expires every active message whose expiry has already passed, page by page. It runs
// on startup and on every sweep.
func (w *Watcher) Recover(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	failed := make(map[string]bool)
	defer func() {
		if total > 0 {
			metrics.TTLRecovered.Add(float64(total))
			w.log.Info("ttl recovery expired overdue messages", zap.Int("count", total))
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			return total, errors.Join(append(errs, err)...)
		}
		page, err := w.store.ListExpired(ctx, w.opt.Now(), w.opt.SweepBatch)
		if err != nil {
			return total, errors.Join(append(errs, fmt.Errorf("ttl list expired: %w", err))...)
		}
		progressed := 0
		for _, m := range page {
			if failed[m.MsgID] {
				continue
			}
			ok, err := w.Expire(ctx, m.MsgID)
			if err != nil {
				// Left for the next sweep; the rest of the page still goes through.
				w.log.Warn("ttl recovery skipped message", zap.String("msg_id", m.MsgID), zap.Error(err))
				failed[m.MsgID] = true
				errs = append(errs, err)
				continue
			}
			if ok {
				progressed++
			}
		}
		total += progressed
		if len(page) < w.opt.SweepBatch || progressed == 0 {
			break
		}
	}
	return total, errors.Join(errs...)
}

// Run recovers overdue messages, then serves scheduler triggers and periodic sweeps until ctx
// is done.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.Recover(ctx); err != nil && ctx.Err() == nil {
		w.log.Warn("ttl startup recovery failed", zap.Error(err))
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = cron.NewJob(
		gocron.DurationJob(w.opt.SweepEvery),
		gocron.NewTask(func() {
			if _, err := w.Recover(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("ttl sweep failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	cron.Start()
	defer func() {
		if err := cron.Shutdown(); err != nil {
			w.log.Warn("ttl sweep shutdown", zap.Error(err))
		}
	}()

	return w.sched.Run(ctx, func(msgID string) {
		octx, cancel := context.WithTimeout(ctx, w.opt.OpTimeout)
		defer cancel()
		if _, err := w.Expire(octx, msgID); err != nil {
			w.log.Warn("ttl expire failed, left to sweep", zap.String("msg_id", msgID), zap.Error(err))
		}
	})
}
