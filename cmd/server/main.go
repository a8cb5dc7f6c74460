// Package main is the entry point for the gridrush game server. It wires
// the price feed, the game engine, the realtime gateway and the HTTP server
// together and runs rounds until shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/evetabi/gridrush/internal/api"
	"github.com/evetabi/gridrush/internal/bank"
	"github.com/evetabi/gridrush/internal/cache"
	"github.com/evetabi/gridrush/internal/config"
	"github.com/evetabi/gridrush/internal/engine"
	"github.com/evetabi/gridrush/internal/feed"
	"github.com/evetabi/gridrush/internal/repository"
	"github.com/evetabi/gridrush/internal/ws"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/shopspring/decimal"
)

func main() {
	// ── 1. Config + logger ────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting gridrush server",
		"env", cfg.Server.Env, "port", cfg.Server.Port, "asset", cfg.Game.Asset)

	// ── 2. Database ───────────────────────────────────────────────────────────
	db, err := sqlx.Connect("postgres", cfg.DB.DSN)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	if err = db.Ping(); err != nil {
		logger.Error("database ping failed", "err", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	// ── 3. Migrations ─────────────────────────────────────────────────────────
	if err = runMigrations(db, cfg.DB.MigrationsDir); err != nil {
		logger.Error("migrations failed", "err", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")

	// ── 4. Root context + signal handling ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 5. Redis ──────────────────────────────────────────────────────────────
	rdb, err := cache.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		os.Exit(1)
	}
	logger.Info("redis connected", "addr", cfg.Redis.Addr)

	locks := cache.NewLockService(rdb, logger)
	risk := cache.NewRiskManager(rdb, logger)
	limiter := cache.NewRateLimiter(rdb, cfg.Game.MaxBetsPerSecond, cfg.Game.RateLimitWindow, logger)
	roundCache := cache.NewRoundCache(rdb, logger)

	// ── 6. Repositories + bank ────────────────────────────────────────────────
	roundRepo := repository.NewRoundRepository(db)
	betRepo := repository.NewBetRepository(db)
	userRepo := repository.NewUserRepository(db)
	poolRepo := repository.NewPoolRepository(db)
	snapshotRepo := repository.NewSnapshotRepository(db)

	moneyBank := bank.New(db, roundRepo, betRepo, userRepo, poolRepo, logger)

	pool, err := moneyBank.InitializePool(ctx, cfg.Game.Asset,
		decimal.NewFromFloat(cfg.Game.PoolInitialBalance))
	if err != nil {
		logger.Error("house pool initialization failed", "err", err)
		os.Exit(1)
	}
	logger.Info("house pool ready", "asset", pool.Asset, "balance", pool.Balance)

	// ── 7. Price feed ─────────────────────────────────────────────────────────
	priceFeed := feed.New(cfg.Feed, cfg.Game.Asset, roundCache, logger)

	// ── 8. Engine ─────────────────────────────────────────────────────────────
	gameEngine := engine.New(
		cfg.Game,
		moneyBank, moneyBank,
		roundRepo, snapshotRepo,
		locks, risk, limiter, roundCache, priceFeed,
		logger,
	)

	priceFeed.OnPrice(func(u feed.PriceUpdate) {
		gameEngine.NotifyPrice(u.Price, u.Timestamp)
	})
	priceFeed.OnStatus(func(s feed.Status) {
		switch s {
		case feed.StatusCritical, feed.StatusFailed:
			go gameEngine.CancelRound(context.Background(), "price unavailable")
		case feed.StatusStale:
			logger.Warn("price feed stale, round continues on last price")
		}
	})
	priceFeed.Start(ctx)
	defer priceFeed.Stop()

	// ── 9. Gateway ────────────────────────────────────────────────────────────
	hub := ws.NewHub(
		gameEngine, moneyBank, gameEngine.Events(),
		[]byte(cfg.JWT.AccessSecret), cfg.JWT.CookieName,
		cfg.Server.AllowedOrigins, logger,
	)
	go hub.Run(ctx)
	logger.Info("websocket hub started")

	// ── 10. Run rounds ────────────────────────────────────────────────────────
	go gameEngine.Run(ctx)

	// ── 11. HTTP server ───────────────────────────────────────────────────────
	router := api.SetupRouter(api.RouterDeps{
		Engine: gameEngine,
		Bank:   moneyBank,
		Rounds: roundRepo,
		Hub:    hub,
		Cfg:    cfg,
		DB:     db,
		Redis:  rdb,
		Feed:   priceFeed,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop() // trigger graceful shutdown
		}
	}()

	// ── 12. Graceful shutdown ─────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}

	_ = rdb.Close()
	db.Close()
	logger.Info("server stopped cleanly")
}

// runMigrations reads all *.sql files from dir, sorted by name, and executes
// them sequentially.  Idempotent: SQL files should use IF NOT EXISTS / ON CONFLICT.
func runMigrations(db *sqlx.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("runMigrations: read dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("runMigrations: read %q: %w", f, err)
		}
		if _, err = db.Exec(string(data)); err != nil {
			return fmt.Errorf("runMigrations: exec %q: %w", f, err)
		}
		slog.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
