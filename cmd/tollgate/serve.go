package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/tollgate/tollgate/internal/analytics"
	"github.com/tollgate/tollgate/internal/api"
	"github.com/tollgate/tollgate/internal/archive"
	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/billing"
	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/event"
	"github.com/tollgate/tollgate/internal/ledger"
	"github.com/tollgate/tollgate/internal/metrics"
	"github.com/tollgate/tollgate/internal/ratelimit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Tollgate server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		st := pool.Stat()
		return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
	})

	bus := event.NewBus()
	bus.Subscribe(func(e event.Event) {
		slog.Info("event",
			"type", e.Type,
			"actor", e.Actor,
			"subject", e.Subject,
			"amount", e.Amount,
			"at", e.At,
		)
	})
	bus.Subscribe(func(e event.Event) {
		m.IncEventPublished(e.Type)
	})

	operator := auth.Principal(cfg.Ledger.PlatformOwner)
	settlers := auth.NewAllowlist()
	for _, s := range cfg.Ledger.Settlers {
		settlers.Add(auth.Principal(s))
	}
	recorders := auth.NewAllowlist()
	for _, rec := range cfg.Billing.Recorders {
		recorders.Add(auth.Principal(rec))
	}

	bank := ledger.New(ledger.Config{
		MinDeposit: cfg.Ledger.MinDeposit,
		Owner:      operator,
		Settlers:   settlers,
		Bus:        bus,
	})
	engine := billing.New(billing.Config{
		FeeBps:    cfg.Billing.FeeBps,
		Owner:     operator,
		Recorders: recorders,
		Bus:       bus,
	})
	limiter := ratelimit.New(int64(cfg.RateLimit.Default), cfg.RateLimit.Window)
	stats := analytics.New()

	store := archive.NewStore(pool)
	collector := archive.NewCollector(store, cfg.Archive.BatchSize, cfg.Archive.FlushInterval)
	collector.Observe(m.SetCollectorBufferSize, func(status string, rows int, took time.Duration) {
		m.ObserveCollectorFlush(status, took)
	})
	go collector.Start(ctx)

	keys := auth.NewKeyring()

	router := api.NewRouter(api.RouterDeps{
		Ledger:        bank,
		Billing:       engine,
		Limiter:       limiter,
		Analytics:     stats,
		ArchiveStore:  store,
		Collector:     collector,
		Keys:          keys,
		Metrics:       m,
		AdminKeyHash:  cfg.Auth.AdminKeyHash,
		Operator:      operator,
		EscrowTimeout: cfg.Ledger.EscrowTimeout,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	collector.Stop()

	return srv.Shutdown(shutdownCtx)
}
