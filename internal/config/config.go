// Package config provides application configuration loaded from environment
// variables. Use MustLoad() in main() so misconfiguration fails at boot.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        // e.g. "8080"
	Env            string        // "development" | "production"
	ReadTimeout    time.Duration // default 10s
	WriteTimeout   time.Duration // default 10s
	AllowedOrigins []string      // websocket origin allowlist; empty = allow all
	HTTPRateRPS    int           // per-IP token bucket on the upgrade endpoint
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string        // full postgres DSN
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 5m
	MigrationsDir   string        // default "migrations"
}

// RedisConfig holds cache / lock store settings.
type RedisConfig struct {
	Addr     string // default "localhost:6379"
	Password string
	DB       int
}

// JWTConfig holds token verification settings. This service verifies
// session tokens issued elsewhere; it never mints them.
type JWTConfig struct {
	AccessSecret string // must be set in production
	CookieName   string // default "session_token"
}

// FeedConfig holds the external trade stream settings.
type FeedConfig struct {
	URL              string        // websocket endpoint
	KeepaliveEvery   time.Duration // default 20s
	StaleAfter       time.Duration // default 5s
	CriticalAfter    time.Duration // default 10s
	MaxReconnects    int           // default 20
	ReconnectMaxWait time.Duration // default 30s
	CacheSampleEvery time.Duration // min gap between shared-cache writes, default 50ms
}

// GameConfig holds round tunables and engine caps.
type GameConfig struct {
	Asset              string        // e.g. "BTCUSDT"
	BettingDuration    time.Duration // default 5s
	MaxDuration        time.Duration // default 60s
	TickInterval       time.Duration // default 16ms
	MinBetAmount       float64       // default 1
	MaxBetAmount       float64       // default 1000
	MaxBetsPerUser     int           // pending cap per user, default 10
	MaxBetsPerSecond   int           // sliding-window rate limit, default 5
	HitTolerance       float64       // row window half-width, default 0.4
	MaxActiveBets      int           // engine capacity, default 10000
	MaxSettlesPerTick  int           // drain bound per tick, default 500
	SnapshotBufferSize int           // default 10000
	SnapshotBatchSize  int           // default 500
	SnapshotMinBackoff time.Duration // default 250ms
	SnapshotMaxBackoff time.Duration // default 10s
	SettleFlushTimeout time.Duration // default 30s
	RateLimitWindow    time.Duration // default 1s
	PoolInitialBalance float64       // default 100000
	MaxRoundPayout     float64       // absolute cap, default 50000
	MaxPayoutPoolRatio float64       // pool-derived cap ratio, default 0.15
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server ServerConfig
	DB     DBConfig
	Redis  RedisConfig
	JWT    JWTConfig
	Feed   FeedConfig
	Game   GameConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and
// valid. Returns the joined validation errors.
func (c *Config) Validate() error {
	var errs []error

	if c.IsProd() && c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be set in production"))
	}
	if c.IsProd() && c.DB.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
	}
	if c.Game.Asset == "" {
		errs = append(errs, errors.New("GAME_ASSET must be set"))
	}
	if c.Game.BettingDuration <= 0 || c.Game.BettingDuration >= c.Game.MaxDuration {
		errs = append(errs, fmt.Errorf(
			"betting duration %v must be positive and shorter than max duration %v",
			c.Game.BettingDuration, c.Game.MaxDuration,
		))
	}
	if c.Game.MinBetAmount <= 0 || c.Game.MinBetAmount > c.Game.MaxBetAmount {
		errs = append(errs, fmt.Errorf(
			"bet amount range invalid: min=%.2f max=%.2f",
			c.Game.MinBetAmount, c.Game.MaxBetAmount,
		))
	}
	if c.Game.MaxPayoutPoolRatio <= 0 || c.Game.MaxPayoutPoolRatio > 1 {
		errs = append(errs, fmt.Errorf(
			"MAX_PAYOUT_POOL_RATIO must be in (0, 1], got %.4f", c.Game.MaxPayoutPoolRatio,
		))
	}
	if c.Game.TickInterval < time.Millisecond {
		errs = append(errs, fmt.Errorf("tick interval too small: %v", c.Game.TickInterval))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment variables.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

func load() (*Config, error) {
	cfg := &Config{}

	// ── Server ────────────────────────────────────────────────────────────────
	httpRPS, err := getInt("HTTP_RATE_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("HTTP_RATE_RPS: %w", err)
	}
	cfg.Server = ServerConfig{
		Port:           getEnv("SERVER_PORT", "8080"),
		Env:            getEnv("ENVIRONMENT", "development"),
		ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:   getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		AllowedOrigins: splitCSV(os.Getenv("WS_ALLOWED_ORIGINS")),
		HTTPRateRPS:    httpRPS,
	}

	// ── Database ──────────────────────────────────────────────────────────────
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		// Build DSN from individual components for convenience in dev
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", ""),
			getEnv("DB_NAME", "gridrush"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}
	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}
	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		MigrationsDir:   getEnv("DB_MIGRATIONS_DIR", "migrations"),
	}

	// ── Redis ─────────────────────────────────────────────────────────────────
	redisDB, err := getInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("REDIS_DB: %w", err)
	}
	cfg.Redis = RedisConfig{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       redisDB,
	}

	// ── JWT ───────────────────────────────────────────────────────────────────
	cfg.JWT = JWTConfig{
		AccessSecret: getEnv("JWT_ACCESS_SECRET", ""),
		CookieName:   getEnv("JWT_COOKIE_NAME", "session_token"),
	}

	// ── Feed ──────────────────────────────────────────────────────────────────
	maxReconnects, err := getInt("FEED_MAX_RECONNECTS", 20)
	if err != nil {
		return nil, fmt.Errorf("FEED_MAX_RECONNECTS: %w", err)
	}
	cfg.Feed = FeedConfig{
		URL:              getEnv("FEED_URL", "wss://stream.binance.com:9443/ws"),
		KeepaliveEvery:   getDuration("FEED_KEEPALIVE_EVERY", 20*time.Second),
		StaleAfter:       getDuration("FEED_STALE_AFTER", 5*time.Second),
		CriticalAfter:    getDuration("FEED_CRITICAL_AFTER", 10*time.Second),
		MaxReconnects:    maxReconnects,
		ReconnectMaxWait: getDuration("FEED_RECONNECT_MAX_WAIT", 30*time.Second),
		CacheSampleEvery: getDuration("FEED_CACHE_SAMPLE_EVERY", 50*time.Millisecond),
	}

	// ── Game ──────────────────────────────────────────────────────────────────
	minBet, err := getFloat("GAME_MIN_BET", 1)
	if err != nil {
		return nil, fmt.Errorf("GAME_MIN_BET: %w", err)
	}
	maxBet, err := getFloat("GAME_MAX_BET", 1000)
	if err != nil {
		return nil, fmt.Errorf("GAME_MAX_BET: %w", err)
	}
	maxBetsPerUser, err := getInt("GAME_MAX_BETS_PER_USER", 10)
	if err != nil {
		return nil, fmt.Errorf("GAME_MAX_BETS_PER_USER: %w", err)
	}
	maxBetsPerSec, err := getInt("GAME_MAX_BETS_PER_SECOND", 5)
	if err != nil {
		return nil, fmt.Errorf("GAME_MAX_BETS_PER_SECOND: %w", err)
	}
	hitTol, err := getFloat("GAME_HIT_TOLERANCE", 0.4)
	if err != nil {
		return nil, fmt.Errorf("GAME_HIT_TOLERANCE: %w", err)
	}
	maxActive, err := getInt("GAME_MAX_ACTIVE_BETS", 10000)
	if err != nil {
		return nil, fmt.Errorf("GAME_MAX_ACTIVE_BETS: %w", err)
	}
	maxSettles, err := getInt("GAME_MAX_SETTLEMENTS_PER_TICK", 500)
	if err != nil {
		return nil, fmt.Errorf("GAME_MAX_SETTLEMENTS_PER_TICK: %w", err)
	}
	snapBuf, err := getInt("SNAPSHOT_BUFFER_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("SNAPSHOT_BUFFER_SIZE: %w", err)
	}
	snapBatch, err := getInt("SNAPSHOT_BATCH_SIZE", 500)
	if err != nil {
		return nil, fmt.Errorf("SNAPSHOT_BATCH_SIZE: %w", err)
	}
	poolInitial, err := getFloat("POOL_INITIAL_BALANCE", 100000)
	if err != nil {
		return nil, fmt.Errorf("POOL_INITIAL_BALANCE: %w", err)
	}
	maxRoundPayout, err := getFloat("MAX_ROUND_PAYOUT", 50000)
	if err != nil {
		return nil, fmt.Errorf("MAX_ROUND_PAYOUT: %w", err)
	}
	poolRatio, err := getFloat("MAX_PAYOUT_POOL_RATIO", 0.15)
	if err != nil {
		return nil, fmt.Errorf("MAX_PAYOUT_POOL_RATIO: %w", err)
	}

	cfg.Game = GameConfig{
		Asset:              getEnv("GAME_ASSET", "BTCUSDT"),
		BettingDuration:    getDuration("GAME_BETTING_DURATION", 5*time.Second),
		MaxDuration:        getDuration("GAME_MAX_DURATION", 60*time.Second),
		TickInterval:       getDuration("GAME_TICK_INTERVAL", 16*time.Millisecond),
		MinBetAmount:       minBet,
		MaxBetAmount:       maxBet,
		MaxBetsPerUser:     maxBetsPerUser,
		MaxBetsPerSecond:   maxBetsPerSec,
		HitTolerance:       hitTol,
		MaxActiveBets:      maxActive,
		MaxSettlesPerTick:  maxSettles,
		SnapshotBufferSize: snapBuf,
		SnapshotBatchSize:  snapBatch,
		SnapshotMinBackoff: getDuration("SNAPSHOT_MIN_BACKOFF", 250*time.Millisecond),
		SnapshotMaxBackoff: getDuration("SNAPSHOT_MAX_BACKOFF", 10*time.Second),
		SettleFlushTimeout: getDuration("SETTLE_FLUSH_TIMEOUT", 30*time.Second),
		RateLimitWindow:    getDuration("RATE_LIMIT_WINDOW", time.Second),
		PoolInitialBalance: poolInitial,
		MaxRoundPayout:     maxRoundPayout,
		MaxPayoutPoolRatio: poolRatio,
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

// getDuration parses an env var as a Go duration string (e.g. "16ms", "5s").
// Falls back to defaultVal if the variable is unset or unparseable.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
