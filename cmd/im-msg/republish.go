package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yuim/im-msg/internal/outbox"
)

var republishRounds int

var republishCmd = &cobra.Command{
	Use:   "republish",
	Short: "Relay due outbox rows to the bus, then report what is still pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		prod, err := a.producer()
		if err != nil {
			return err
		}
		defer func() { _ = prod.Close() }()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		rows := outbox.NewRepo(a.mysql.DB)
		w := outbox.NewWorker(rows, prod, a.log, outbox.Options{Batch: a.cfg.Outbox.Batch})
		total := 0
		for i := 0; i < republishRounds; i++ {
			n, err := w.RunOnce(ctx)
			if err != nil {
				return err
			}
			total += n
			if n == 0 {
				break
			}
		}

		pending, err := rows.Pending(ctx)
		if err != nil {
			return err
		}
		a.log.Info("republish finished", zap.Int("sent", total), zap.Int64("pending", pending))
		fmt.Fprintf(cmd.OutOrStdout(), "sent=%d pending=%d\n", total, pending)
		return nil
	},
}

func init() {
	republishCmd.Flags().IntVarP(&republishRounds, "rounds", "r", 100, "max batches to relay")
}
