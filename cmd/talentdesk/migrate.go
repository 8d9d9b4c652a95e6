package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/talentdesk-io/talentdesk/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ticket tables and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Database.Driver == "memory" {
			return fmt.Errorf("the memory driver has no schema")
		}
		db, err := database.Open(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info().Str("driver", string(db.Dialect())).Msg("schema up to date")
		return nil
	},
}
