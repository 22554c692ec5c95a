package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/safetyworks/sitecore/internal/database"
)

var migrateVerbose bool

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Apply or inspect database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		command := "up"
		if len(args) == 1 {
			command = args[0]
		}

		db, err := database.NewConnection(cmd.Context(), &cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		if err := database.Migrate(ctx, db.Pool, command, migrateVerbose); err != nil {
			return err
		}
		logger.Info("migrations complete", slog.String("command", command))
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVarP(&migrateVerbose, "verbose", "v", false, "print goose output")
}
