package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sony/sonyflake"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"yuim/im-msg/internal/breaker"
	"yuim/im-msg/internal/config"
	"yuim/im-msg/internal/db"
	"yuim/im-msg/internal/mq"
	"yuim/im-msg/internal/outbox"
	"yuim/im-msg/internal/persist"
)

var cfgPaths string

var rootCmd = &cobra.Command{
	Use:   "im-msg",
	Short: "Ordered, idempotent chat message persistence",
	Long: `im-msg consumes inbound chat messages, assigns per-conversation sequence numbers,
stores each message exactly once and publishes the authoritative persisted event.

It also expires ephemeral messages and relays outbox rows whose direct publish failed.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPaths, "config", "c", "./config.yml", "config file path (supports: a.yml,b.yml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(republishCmd)
	rootCmd.AddCommand(indexCmd)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = cfg.Log.Encoding
	if cfg.Log.Encoding == "console" {
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zc.Build(zap.Fields(zap.String("service", "im-msg"), zap.String("env", cfg.Env)))
}

// app holds what every subcommand needs: config, logger and the MySQL pool.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	mysql *db.MySQL
}

func loadApp() (*app, error) {
	cfg, err := config.Load(cfgPaths)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	mysql, err := db.Open(db.Options{
		DSN:          cfg.MySQL.DSN,
		MaxOpenConns: cfg.MySQL.MaxOpenConns,
		MaxIdleConns: cfg.MySQL.MaxIdleConns,
		ConnMaxLife:  cfg.MySQL.ConnMaxLife,
		ConnMaxIdle:  cfg.MySQL.ConnMaxIdle,
	})
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("mysql init: %w", err)
	}
	return &app{cfg: cfg, log: log, mysql: mysql}, nil
}

func (a *app) close() {
	_ = a.mysql.Close()
	_ = a.log.Sync()
}

func (a *app) topics() outbox.Topics {
	return outbox.Topics{
		Persisted: a.cfg.RocketMQ.PersistedTopic,
		Deleted:   a.cfg.RocketMQ.DeletedTopic,
		Tag:       a.cfg.RocketMQ.Tag,
	}
}

func (a *app) persistService() (*persist.Service, error) {
	st := sonyflake.Settings{}
	if a.cfg.MachineID != 0 {
		id := a.cfg.MachineID
		st.MachineID = func() (uint16, error) { return id, nil }
	}
	sf := sonyflake.NewSonyflake(st)
	if sf == nil {
		return nil, errors.New("sonyflake init failed (set machine_id when no private IPv4 is available)")
	}
	return persist.New(a.mysql.DB, sf, a.log, persist.Options{
		Topics:       a.topics(),
		OutboxGrace:  a.cfg.Outbox.Grace,
		DefaultLimit: a.cfg.Query.DefaultLimit,
		MaxLimit:     a.cfg.Query.MaxLimit,
	}), nil
}

func (a *app) producer() (*mq.Producer, error) {
	return mq.NewProducer(mq.ProducerOptions{
		NameServer: a.cfg.RocketMQ.NameServer,
		Group:      a.cfg.RocketMQ.ProducerGroup,
		AccessKey:  a.cfg.RocketMQ.AccessKey,
		SecretKey:  a.cfg.RocketMQ.SecretKey,
	})
}

func (a *app) breaker() *breaker.Breaker {
	if !a.cfg.Breaker.Enabled {
		return nil
	}
	return breaker.New(breaker.Options{
		Threshold: a.cfg.Breaker.Threshold,
		Window:    a.cfg.Breaker.Window,
		OpenFor:   a.cfg.Breaker.OpenFor,
	})
}

func (a *app) publisher(prod outbox.Producer, brk *breaker.Breaker) *outbox.Publisher {
	return outbox.NewPublisher(prod, outbox.NewRepo(a.mysql.DB), a.log, outbox.PublisherOptions{
		Topics:  a.topics(),
		Timeout: a.cfg.Pipeline.PublishTimeout,
		Breaker: brk,
	})
}
