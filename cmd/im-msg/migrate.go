package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"yuim/im-msg/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the message, sequence and outbox tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := db.Migrate(ctx, a.mysql.DB); err != nil {
			return err
		}
		a.log.Info("schema migrated")
		return nil
	},
}
