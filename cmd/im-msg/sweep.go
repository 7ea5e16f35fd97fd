package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire every message whose expiry has already passed, then exit",
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
		prod, err := a.producer()
		if err != nil {
			return err
		}
		defer func() { _ = prod.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, err := a.expiryOnly(store, a.publisher(prod, nil)).Recover(ctx)
		a.log.Info("sweep finished", zap.Int("expired", n))
		return err
	},
}
