package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Strob0t/ReplyForge/internal/adapter/postgres"
	"github.com/Strob0t/ReplyForge/internal/service"
)

// =============================================================================
// Migration commands
// =============================================================================

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog.Close()
			if err := postgres.RollbackMigrations(cmd.Context(), cfg.Postgres.DSN, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, closeLog, err := loadConfig()
				if err != nil {
					return err
				}
				defer closeLog.Close()
				if err := postgres.RunMigrations(cmd.Context(), cfg.Postgres.DSN); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, closeLog, err := loadConfig()
				if err != nil {
					return err
				}
				defer closeLog.Close()
				v, err := postgres.MigrationVersion(cmd.Context(), cfg.Postgres.DSN)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
				return nil
			},
		},
	)
	return cmd
}

// =============================================================================
// Operator maintenance commands
// =============================================================================

func buildQuotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Billing quota maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Roll every elapsed billing window and re-enable quota-disabled bots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdminDeps(cmd.Context(), func(d *adminDeps) error {
				resets, err := d.quota.ResetElapsedWindows(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TENANT\tWINDOW\tMESSAGES\tTOKENS\tBOTS RE-ENABLED")
				for _, r := range resets {
					fmt.Fprintf(w, "%s\t%s..%s\t%d\t%d\t%d\n",
						r.TenantID, r.PriorStart.Format("2006-01-02"), r.PriorEnd.Format("2006-01-02"),
						r.PriorMessages, r.PriorTokens, r.BotsEnabled)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d tenant(s) reset\n", len(resets))
				return nil
			})
		},
	})
	return cmd
}

func buildEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inbound event maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete terminal inbound events past their expiry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdminDeps(cmd.Context(), func(d *adminDeps) error {
				n, err := d.admission.Purge(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d event(s) purged\n", n)
				return nil
			})
		},
	})
	return cmd
}

type adminDeps struct {
	quota     *service.QuotaService
	admission *service.AdmissionService
}

// withAdminDeps connects to the database and builds the services the
// maintenance commands share. Alerts are recorded but not broadcast or sent
// to notifiers.
func withAdminDeps(ctx context.Context, fn func(*adminDeps) error) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog.Close()

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)
	alerts := service.NewAlertService(store, nil, nil, cfg.Notifications.SendTimeout)
	return fn(&adminDeps{
		quota:     service.NewQuotaService(store, alerts, nil, cfg.Quota.WarnRatio),
		admission: service.NewAdmissionService(store, cfg.Pipeline.EventTTL),
	})
}
