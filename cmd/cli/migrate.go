package cli

import (
	"context"
	"fmt"

	"remedy/internal/app"
	"remedy/internal/config"
	"remedy/internal/models"
	"remedy/internal/services"

	"github.com/spf13/cobra"
)

var flagSeed bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, _ := config.InitLogger(cfg)

		db, err := app.OpenDatabase(cfg.Database, false, logger)
		if err != nil {
			return err
		}
		logger.Info("Starting database migration...")
		if err := models.Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("Database migration completed")

		if !flagSeed {
			return nil
		}
		policies := services.DefaultPolicies()
		if cfg.Automation.PolicyFile != "" {
			if policies, err = services.LoadPolicyFile(cfg.Automation.PolicyFile); err != nil {
				return err
			}
		}
		n, err := services.NewPolicyService(db, logger, services.NewAuditService(db, logger)).Seed(context.Background(), policies)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d policies\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&flagSeed, "seed", false, "seed automation policies for categories that have none")
}
