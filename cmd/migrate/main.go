// cmd/migrate: PostgreSQL 迁移工具 (内置迁移或指定目录)。
//
//	migrate up
//	migrate status --dir ./migrations
package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/multi-agent/go-agui/internal/config"
	"github.com/multi-agent/go-agui/internal/database"
	"github.com/multi-agent/go-agui/migrations"
	"github.com/multi-agent/go-agui/pkg/logger"
)

var (
	migrationsDir string
	dsn           string
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Apply or inspect PostgreSQL schema migrations",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(); err != nil {
			return err
		}
		cfg := config.Load()
		logger.InitWithLevel(cfg.AppEnv, cfg.LogLevel)
		return nil
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
			if err := database.MigrateFS(ctx, pool, migrationFS()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migration complete.")
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
			applied, pending, err := database.MigrationStatus(ctx, pool, migrationFS())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), applied, pending)
			return nil
		})
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "", "migrations directory (default: embedded migrations)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL connection string (default: POSTGRES_CONNECTION_STRING)")
	rootCmd.AddCommand(upCmd, statusCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func migrationFS() fs.FS {
	if migrationsDir != "" {
		return os.DirFS(migrationsDir)
	}
	return migrations.FS
}

func withPool(ctx context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	cfg := config.Load()
	if dsn != "" {
		cfg.PostgresConnStr = dsn
	}
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func printStatus(w io.Writer, applied, pending []string) {
	for _, name := range applied {
		fmt.Fprintf(w, "  applied  %s\n", name)
	}
	for _, name := range pending {
		fmt.Fprintf(w, "  pending  %s\n", name)
	}
	fmt.Fprintf(w, "%d applied, %d pending\n", len(applied), len(pending))
}
