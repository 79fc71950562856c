// Command reminderd runs the coupon reminder engine for one device.
//
// Usage:
//
//	reminderd            # same as serve
//	reminderd serve
//	reminderd migrate --dir migrations
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/coupon-reminders/internal/catalog"
	"github.com/example/coupon-reminders/internal/config"
	"github.com/example/coupon-reminders/internal/dispatch"
	"github.com/example/coupon-reminders/internal/geo"
	httpapi "github.com/example/coupon-reminders/internal/http"
	"github.com/example/coupon-reminders/internal/ingest"
	"github.com/example/coupon-reminders/internal/location"
	"github.com/example/coupon-reminders/internal/logging"
	"github.com/example/coupon-reminders/internal/matcher"
	"github.com/example/coupon-reminders/internal/preferences"
	"github.com/example/coupon-reminders/internal/storage"
)

func main() {
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:           "reminderd",
		Short:         "Proximity-triggered coupon reminders",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(cmd *cobra.Command, args []string) error { return runServe(cmd.Context()) },
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "reminderd:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reminder engine and its HTTP API",
		RunE:  func(cmd *cobra.Command, args []string) error { return runServe(cmd.Context()) },
	}
}

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL migrations to PG_DSN",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			if cfg.PGDSN == "" {
				return errors.New("PG_DSN is required")
			}
			logger := logging.NewLogger(cfg.LogLevel)
			db, err := storage.OpenPostgres(cfg.PGDSN)
			if err != nil {
				return err
			}
			defer db.Close()
			return runMigrations(cmd.Context(), db, dir, logger)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "directory holding *.sql migrations")
	return cmd
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	zone, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	var db *sql.DB
	if cfg.PGDSN != "" {
		db, err = storage.OpenPostgres(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := runMigrations(ctx, db, "migrations", logger); err != nil {
				return err
			}
		}
	}

	cat, err := openCatalog(cfg, db)
	if err != nil {
		return err
	}
	var index geo.Index = geo.NewScanIndex()
	if rdb != nil {
		index = geo.NewRedisGeo(rdb, cfg.RedisGeoKey)
	}
	prefs := preferences.Open(ctx, preferenceKV(cfg, rdb, db, logger), logger)

	feed := location.NewFeed()
	source := location.NewSource(feed, location.Options{
		AcquireTimeout:     cfg.AcquireTimeout,
		MaxSampleAge:       cfg.MaxSampleAge,
		SampleInterval:     cfg.SampleInterval,
		ReevaluateInterval: cfg.ReevaluateInterval,
		Buffer:             cfg.EventBuffer,
	}, logger)
	defer source.Close()

	ws := dispatch.NewWSRegistry(logger)
	presenters := []dispatch.Presenter{dispatch.NewLogPresenter(logger), ws}
	if cfg.FirebaseCredentialsFile != "" {
		fcm, err := dispatch.NewFCMPresenter(ctx, cfg.FirebaseCredentialsFile, cfg.FCMDeviceToken, logger)
		if err != nil {
			return err
		}
		presenters = append(presenters, fcm)
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaReminderTopic != "" {
		kp := dispatch.NewKafkaPresenter(cfg.KafkaBrokers, cfg.KafkaReminderTopic)
		defer kp.Close()
		presenters = append(presenters, kp)
	}
	dispatcher := dispatch.New(presenters, dispatch.Options{Queue: cfg.DispatchQueue}, logger)
	defer dispatcher.Close()

	engine := matcher.New(source, index, cat, prefs, dispatcher, matcher.Config{
		Location:        zone,
		RatePerMinute:   cfg.DispatchRatePerMin,
		Burst:           cfg.DispatchBurst,
		RefreshInterval: cfg.RefreshInterval,
	}, logger)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(source, feed, prefs, ws, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	if len(cfg.KafkaBrokers) > 0 {
		reader := ingest.NewFixReader(cfg.KafkaBrokers, cfg.KafkaFixTopic, cfg.KafkaGroup, cfg.UserID, feed, logger)
		g.Go(func() error { return reader.Run(ctx) })
	}
	g.Go(func() error {
		logger.Info("reminderd listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		source.StopTracking()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openCatalog(cfg config.ServerConfig, db *sql.DB) (catalog.Catalog, error) {
	if db != nil {
		return catalog.NewPostgresCatalog(db, cfg.UserID), nil
	}
	return catalog.LoadFile(cfg.CatalogFile)
}

// preferenceKV picks the most durable configured backend.
func preferenceKV(cfg config.ServerConfig, rdb *redis.Client, db *sql.DB, logger *slog.Logger) storage.KV {
	switch {
	case db != nil:
		logger.Info("reminder preferences in postgres", "user_id", cfg.UserID)
		return storage.NewPostgresKV(db, cfg.UserID)
	case rdb != nil:
		logger.Info("reminder preferences in redis", "key", cfg.RedisPrefsKey)
		return storage.NewRedisKV(rdb, cfg.RedisPrefsKey+":"+cfg.UserID)
	case cfg.PrefsFile != "":
		logger.Info("reminder preferences in file", "path", cfg.PrefsFile)
		return storage.NewFileKV(cfg.PrefsFile)
	default:
		logger.Warn("no durable preference store configured, preferences are lost on restart")
		return storage.NewMemoryKV()
	}
}
