package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"yuim/im-msg/internal/indexer"
	"yuim/im-msg/internal/mq"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Keep the Elasticsearch message index in step with persisted and deleted events",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		store, err := a.persistService()
		if err != nil {
			return err
		}
		rq := a.cfg.RocketMQ
		ix, err := indexer.New(indexer.Options{
			URL:            a.cfg.Elastic.URL,
			Username:       a.cfg.Elastic.Username,
			Password:       a.cfg.Elastic.Password,
			Index:          a.cfg.Elastic.Index,
			PersistedTopic: rq.PersistedTopic,
			DeletedTopic:   rq.DeletedTopic,
		}, store, a.log)
		if err != nil {
			return err
		}
		pc, err := mq.NewPushConsumer(mq.ConsumerOptions{
			NameServer: rq.NameServer,
			Group:      rq.IndexerGroup,
			AccessKey:  rq.AccessKey,
			SecretKey:  rq.SecretKey,
			Topics:     []string{rq.PersistedTopic, rq.DeletedTopic},
			Tag:        rq.Tag,
			BatchSize:  rq.BatchSize,
			Orderly:    true,
		}, ix, a.log)
		if err != nil {
			return fmt.Errorf("rocketmq consumer: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return pc.Run(ctx)
	},
}
