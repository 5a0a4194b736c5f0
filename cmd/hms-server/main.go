package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/edh/hms/internal/config"
	"github.com/edh/hms/internal/domain/billing"
	"github.com/edh/hms/internal/domain/patient"
	"github.com/edh/hms/internal/domain/visit"
	"github.com/edh/hms/internal/platform/auth"
	"github.com/edh/hms/internal/platform/db"
	"github.com/edh/hms/internal/platform/middleware"
	"github.com/edh/hms/internal/platform/numbering"
	"github.com/edh/hms/internal/platform/scheduler"
	"github.com/edh/hms/migrations"
)

const followUpJob = "hmo-followup-sweep"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "hms-server",
		Short:        "Hospital billing and HMO receivables server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(followUpsCmd())
	rootCmd.AddCommand(numbersCmd())
	return rootCmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationFiles(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFiles(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func followUpsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "followups",
		Short: "HMO follow-up maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Record follow-ups for every HMO with an outstanding balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			app, err := newApp(cfg, pool, logger)
			if err != nil {
				return err
			}
			rdb, err := connectRedis(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if rdb != nil {
				defer rdb.Close()
			}

			var summary *billing.SweepSummary
			job := app.followUpJob(cfg)
			job.Run = func(ctx context.Context) error {
				s, err := app.billing.RunFollowUpSweep(ctx)
				summary = s
				return err
			}
			loc, _ := cfg.Location()
			if err := scheduler.New(logger, newLocker(cfg, rdb), loc).RunOnce(ctx, job); err != nil {
				return err
			}
			if summary == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Sweep skipped: another instance holds the lock.")
				return nil
			}
			printSweepSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	})
	return cmd
}

func printSweepSummary(w io.Writer, s *billing.SweepSummary) {
	fmt.Fprintf(w, "Follow-up sweep for %s to %s: %d payer(s), %d reminded, %d skipped.\n",
		s.PeriodStart.Format("2006-01-02"), s.PeriodEnd.Format("2006-01-02"), s.Payers, s.Reminded, s.Skipped)
	for _, f := range s.FollowUps {
		next := ""
		if f.NextFollowUpAt != nil {
			next = f.NextFollowUpAt.Format("2006-01-02")
		}
		fmt.Fprintf(w, "  %-40s %-10s next %s\n", f.HMOName, f.Status, next)
	}
}

func numbersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "numbers",
		Short: "Print sample invoice, hospital and visit numbers",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, _ := cmd.Flags().GetString("hospital-code")
			count, _ := cmd.Flags().GetInt("count")
			tz, _ := cmd.Flags().GetString("timezone")
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("timezone %q: %w", tz, err)
			}
			printSampleNumbers(cmd.OutOrStdout(), code, count, numbering.WithLocation(loc))
			return nil
		},
	}
	cmd.Flags().String("hospital-code", "EDH", "Prefix for hospital and visit numbers")
	cmd.Flags().Int("count", 3, "How many numbers to print per kind")
	cmd.Flags().String("timezone", "UTC", "Zone for the date part")
	return cmd
}

func printSampleNumbers(w io.Writer, hospitalCode string, count int, opts ...numbering.Option) {
	for _, g := range []*numbering.Generator{
		numbering.New("INV", opts...),
		numbering.New(hospitalCode, opts...),
		numbering.New(hospitalCode+"-V", opts...),
	} {
		for i := 0; i < count; i++ {
			fmt.Fprintln(w, g.Next())
		}
	}
}

// app holds the wired domain services.
type app struct {
	patients *patient.Service
	visits   *visit.Service
	billing  *billing.Service
}

func ratesFromTariff(t *config.Tariff) billing.Rates {
	return billing.Rates{
		ConsultationFee: t.ConsultationFee,
		CoverageRatio:   t.CoverageRatio,
		DefaultLabFee:   t.LabDefaultFee,
		LabFees:         t.LabFees,
	}
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	tariff, err := cfg.Tariff()
	if err != nil {
		return nil, err
	}
	tx := db.NewTransactor(pool)

	billingSvc := billing.NewService(tx,
		billing.NewInvoiceRepoPG(pool),
		billing.NewPaymentRepoPG(pool),
		billing.NewClaimRepoPG(pool),
		billing.NewFollowUpRepoPG(pool),
		billing.NewDashboardRepoPG(pool),
		visit.NewBillingSourcePG(pool),
		ratesFromTariff(tariff),
		billing.WithLocation(loc),
		billing.WithLogger(logger),
		billing.WithHospitalCode(cfg.HospitalCode),
	)
	patientSvc := patient.NewService(patient.NewPatientRepoPG(pool), patient.NewHMORepoPG(pool),
		cfg.HospitalCode, loc, patient.WithLogger(logger))
	visitSvc := visit.NewService(tx, visit.NewVisitRepoPG(pool), visit.NewOrderRepoPG(pool),
		visit.NewCatalogRepoPG(pool), billingSvc, cfg.HospitalCode, loc, visit.WithLogger(logger))

	return &app{patients: patientSvc, visits: visitSvc, billing: billingSvc}, nil
}

func (a *app) registerRoutes(api *echo.Group) {
	patient.NewHandler(a.patients).RegisterRoutes(api)
	visit.NewHandler(a.visits).RegisterRoutes(api)
	billing.NewHandler(a.billing).RegisterRoutes(api)
}

func (a *app) followUpJob(cfg *config.Config) scheduler.Job {
	return scheduler.Job{
		Name:    followUpJob,
		Spec:    cfg.FollowUpCron,
		Timeout: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := a.billing.RunFollowUpSweep(ctx)
			return err
		},
	}
}

// connectRedis returns nil when REDIS_URL is unset.
func connectRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	client, err := scheduler.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to redis")
	return client, nil
}

// newLocker shares job locks through Redis when it is configured so only one
// replica runs a scheduled job.
func newLocker(cfg *config.Config, rdb *redis.Client) scheduler.Locker {
	if rdb == nil {
		return scheduler.LocalLocker{}
	}
	return scheduler.NewRedisLocker(rdb, strings.ToLower(cfg.HospitalCode)+":")
}

func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewRequestValidator()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		var key []byte
		if cfg.AuthSigningKey != "" {
			key = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: key,
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger))
	return e
}

func runServer() error {
	cfg, err := loadConfig()
	logger := newLogger(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	app, err := newApp(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build services")
	}

	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	health := map[string]db.Pinger{}
	if rdb != nil {
		defer rdb.Close()
		health["redis"] = db.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	e := newEcho(cfg, logger)
	e.GET("/health", db.HealthHandler(pool, health))
	app.registerRoutes(e.Group("/api/v1"))

	// Scheduled follow-up sweep
	var sched *scheduler.Scheduler
	if cfg.FollowUpCronEnabled {
		loc, _ := cfg.Location()
		sched = scheduler.New(logger, newLocker(cfg, rdb), loc)
		if err := sched.Add(app.followUpJob(cfg)); err != nil {
			logger.Fatal().Err(err).Msg("failed to schedule follow-up sweep")
		}
		sched.Start()
		logger.Info().Str("spec", cfg.FollowUpCron).Msg("follow-up sweep scheduled")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if sched != nil {
		sched.Stop(ctx)
	}
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
