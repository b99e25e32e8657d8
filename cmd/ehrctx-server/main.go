package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ehrctx/internal/config"
	"github.com/ehr/ehrctx/internal/domain/ehrcontext"
	"github.com/ehr/ehrctx/internal/domain/ehrquery"
	"github.com/ehr/ehrctx/internal/platform/db"
	"github.com/ehr/ehrctx/internal/platform/llm"
	"github.com/ehr/ehrctx/internal/platform/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ehrctx-server",
		Short:        "Patient record context store and grounded clinical Q&A",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(queryCmd())
	return root
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// loadConfig loads and validates settings. Commands that never call the
// model skip the LLM checks.
func loadConfig(needLLM bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if needLLM {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

// services holds the wired domain layer shared by serve, ingest and query.
type services struct {
	pool    *pgxpool.Pool
	ingest  *ehrcontext.Service
	query   *ehrquery.Service
	metrics *telemetry.Metrics
	close   []func()
}

func (s *services) Close() {
	for i := len(s.close) - 1; i >= 0; i-- {
		s.close[i]()
	}
}

// buildServices connects to Postgres (and Redis when configured) and wires
// the ingestion and query services. The query service is nil unless
// withQuery is set.
func buildServices(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withQuery bool) (*services, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	s := &services{pool: pool, close: []func(){pool.Close}}

	if cfg.DBAutoMigrate {
		n, err := db.NewMigrator(pool, cfg.MigrationsDir, db.DefaultSchema).Up(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	var tasks ehrcontext.TaskStore
	if cfg.RedisURL != "" {
		rdb, err := ehrcontext.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.close = append(s.close, func() { _ = rdb.Close() })
		tasks = ehrcontext.NewRedisTaskStore(rdb, cfg.TaskTTL)
		logger.Info().Msg("ingestion tasks stored in redis")
	}

	repo := ehrcontext.NewRepoPG(pool)
	s.ingest = ehrcontext.NewService(repo, tasks, logger)

	var obs llm.Observer
	if cfg.MetricsEnabled {
		s.metrics = telemetry.NewMetrics().WithPool(pool)
		s.ingest.SetObserver(s.metrics)
		obs = s.metrics
	}

	if withQuery {
		s.query, err = newQueryService(cfg, repo, logger, obs)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func newQueryService(cfg *config.Config, store ehrquery.ContextReader, logger zerolog.Logger, obs llm.Observer) (*ehrquery.Service, error) {
	client, err := llm.New(cfg, logger, obs)
	if err != nil {
		return nil, err
	}
	prompts, err := ehrquery.PromptsFor(cfg.PromptLocale)
	if err != nil {
		return nil, err
	}
	return ehrquery.NewService(store,
		ehrquery.NewSelector(client, prompts, logger),
		ehrquery.NewSynthesizer(client, prompts),
		logger), nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(c *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		schema, _ := c.Flags().GetString("schema")
		dir, _ := c.Flags().GetString("dir")

		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		ctx := c.Context()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, dir, schema), schema)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(c *cobra.Command, args []string) error {
			return withMigrator(c, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Fprintf(c.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(c.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(c *cobra.Command, args []string) error {
			return withMigrator(c, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(c, schema, statuses)
				return nil
			})
		},
	}

	for _, sub := range []*cobra.Command{upCmd, statusCmd} {
		sub.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
		sub.Flags().String("dir", "./migrations", "Path to migrations directory")
		cmd.AddCommand(sub)
	}
	return cmd
}

func printMigrationStatus(c *cobra.Command, schema string, statuses []db.MigrationStatus) {
	out := c.OutOrStdout()
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
