package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yuim/im-msg/internal/metrics"
	"yuim/im-msg/internal/mq"
	"yuim/im-msg/internal/outbox"
	"yuim/im-msg/internal/persist"
	"yuim/im-msg/internal/pipeline"
	"yuim/im-msg/internal/ttl"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume inbound messages, persist them and publish persisted events",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.serve(ctx)
	},
}

func (a *app) serve(ctx context.Context) error {
	metrics.Register()

	store, err := a.persistService()
	if err != nil {
		return err
	}
	prod, err := a.producer()
	if err != nil {
		return fmt.Errorf("rocketmq producer: %w", err)
	}
	defer func() { _ = prod.Close() }()

	brk := a.breaker()
	pub := a.publisher(prod, brk)

	sched, closeSched, err := a.ttlScheduler()
	if err != nil {
		return err
	}
	defer closeSched()
	watcher := ttl.NewWatcher(store, sched, pub, a.log, ttl.Options{
		SweepEvery: a.cfg.TTL.SweepEvery,
		SweepBatch: a.cfg.TTL.SweepBatch,
	})

	pipe := pipeline.NewConsumer(store, pub, mq.NewDeadLetter(prod, a.cfg.RocketMQ.DeadTopic), watcher, a.log, pipeline.Options{
		MaxAttempts:    a.cfg.Pipeline.MaxAttempts,
		PersistTimeout: a.cfg.Pipeline.PersistTimeout,
		Workers:        a.cfg.Pipeline.Workers,
	})
	pc, err := mq.NewPushConsumer(mq.ConsumerOptions{
		NameServer:   a.cfg.RocketMQ.NameServer,
		Group:        a.cfg.RocketMQ.ConsumerGroup,
		AccessKey:    a.cfg.RocketMQ.AccessKey,
		SecretKey:    a.cfg.RocketMQ.SecretKey,
		Topics:       []string{a.cfg.RocketMQ.InboundTopic},
		Tag:          a.cfg.RocketMQ.Tag,
		BatchSize:    a.cfg.RocketMQ.BatchSize,
		Orderly:      true,
		DrainTimeout: a.cfg.Pipeline.DrainTimeout,
	}, pipe, a.log)
	if err != nil {
		return fmt.Errorf("rocketmq consumer: %w", err)
	}

	worker := outbox.NewWorker(outbox.NewRepo(a.mysql.DB), prod, a.log, outbox.Options{
		Tick:    a.cfg.Outbox.Tick,
		Batch:   a.cfg.Outbox.Batch,
		Breaker: brk,
	})

	a.log.Info("im-msg started",
		zap.String("inbound", a.cfg.RocketMQ.InboundTopic),
		zap.String("group", a.cfg.RocketMQ.ConsumerGroup),
		zap.String("ttl_scheduler", a.cfg.TTL.Scheduler),
		zap.Bool("breaker", brk != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pc.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return serveMetrics(gctx, a.cfg.Metrics.Addr, a.log) })

	err = g.Wait()
	a.log.Info("im-msg stopped", zap.Error(err))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ttlScheduler picks the trigger source for expiring messages.
func (a *app) ttlScheduler() (ttl.Scheduler, func(), error) {
	switch a.cfg.TTL.Scheduler {
	case "timer":
		return ttl.NewTimerScheduler(), func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.Database,
		})
		pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return ttl.NewRedisScheduler(rdb, a.cfg.TTL.KeyPrefix, a.log), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("ttl.scheduler: unknown %q (redis|timer)", a.cfg.TTL.Scheduler)
	}
}

// expiryOnly wires a watcher for one-shot sweeps; no scheduler triggers are consumed.
func (a *app) expiryOnly(store *persist.Service, pub *outbox.Publisher) *ttl.Watcher {
	return ttl.NewWatcher(store, ttl.NewTimerScheduler(), pub, a.log, ttl.Options{
		SweepBatch: a.cfg.TTL.SweepBatch,
	})
}

func serveMetrics(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
