package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/andrewpillar/shopkeeper"
)

const usage = `usage: shopkeeper [command]

commands:
  serve          serve the Stripe webhook endpoint (default)
  prune-events   delete the logged webhook events older than -older-than
`

func newLogger(cfg *Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "shopkeeper").Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func main() {
	cmd := "serve"
	args := os.Args[1:]

	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "serve":
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
			os.Exit(1)
		}
		serve(cfg)
	case "prune-events":
		pruneEvents(cfg, args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func serve(cfg *Config) {
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store := shopkeeper.PSQL{DB: db}
	syncer := shopkeeper.NewSynchronizer(cfg.Stripe, store, logger, shopkeeper.NewMetrics(reg))

	srv := NewServer(logger, db, reg, shopkeeper.NewHookHandler(syncer, logger), cfg.WebhookPath)

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Str("webhook_path", cfg.WebhookPath).Msg("starting shopkeeper")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}

func pruneEvents(cfg *Config, args []string) {
	fs := flag.NewFlagSet("prune-events", flag.ExitOnError)
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "Delete events logged longer ago than this")
	fs.Parse(args)

	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "error: DATABASE_URL is required")
		os.Exit(1)
	}

	if *olderThan <= 0 {
		fmt.Fprintln(os.Stderr, "error: -older-than must be positive")
		os.Exit(1)
	}

	logger := newLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	before := time.Now().Add(-*olderThan)

	n, err := shopkeeper.PSQL{DB: db}.PruneEvents(ctx, before)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prune events")
	}

	logger.Info().Int64("pruned", n).Time("before", before).Msg("pruned webhook events")
}
