// Package api builds the HTTP surface: the websocket upgrade endpoint, the
// health check, and a small read-only REST group for round and wallet
// lookups. Bets are placed over the realtime connection, not REST.
package api

import (
	"net/http"
	"strconv"

	"github.com/evetabi/gridrush/internal/api/middleware"
	"github.com/evetabi/gridrush/internal/bank"
	"github.com/evetabi/gridrush/internal/config"
	"github.com/evetabi/gridrush/internal/engine"
	"github.com/evetabi/gridrush/internal/feed"
	"github.com/evetabi/gridrush/internal/repository"
	"github.com/evetabi/gridrush/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// RouterDeps bundles every dependency needed to build the router.
// Populated once in main() and passed to SetupRouter.
type RouterDeps struct {
	Engine *engine.Engine
	Bank   *bank.Bank
	Rounds *repository.RoundRepository
	Hub    *ws.Hub
	Cfg    *config.Config

	// Health probes; any of these may be nil in tests.
	DB    *sqlx.DB
	Redis *redis.Client
	Feed  *feed.PriceFeed
}

// SetupRouter creates and configures the main Gin engine with all routes,
// middleware, CORS, and rate limiting rules.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// ── CORS ─────────────────────────────────────────────────────────────────
	r.Use(corsMiddleware(deps.Cfg))

	// ── Health check ─────────────────────────────────────────────────────────
	r.GET("/healthz", func(c *gin.Context) {
		resp := gin.H{"status": "ok"}
		if deps.DB != nil {
			if err := deps.DB.PingContext(c.Request.Context()); err != nil {
				resp["status"] = "degraded"
				resp["db"] = "down"
			} else {
				resp["db"] = "ok"
			}
		}
		if deps.Redis != nil {
			if err := deps.Redis.Ping(c.Request.Context()).Err(); err != nil {
				resp["status"] = "degraded"
				resp["redis"] = "down"
			} else {
				resp["redis"] = "ok"
			}
		}
		if deps.Feed != nil {
			resp["feed_available"] = deps.Feed.IsAvailable()
		}
		if deps.Hub != nil {
			resp["connections"] = deps.Hub.ConnectedCount()
		}
		if snap := deps.Engine.CurrentSnapshot(); snap != nil {
			resp["round_id"] = snap.RoundID
			resp["round_status"] = snap.Status
		}
		c.JSON(http.StatusOK, resp)
	})

	// ── Middleware ───────────────────────────────────────────────────────────
	jwtMW := middleware.JWTMiddleware([]byte(deps.Cfg.JWT.AccessSecret))
	httpRL := middleware.RateLimitMiddleware(deps.Cfg.Server.HTTPRateRPS)

	api := r.Group("/api")
	api.Use(httpRL)
	{
		// ── Rounds (public) ───────────────────────────────────────────────────
		rounds := api.Group("/rounds")
		{
			rounds.GET("/current", func(c *gin.Context) {
				snap := deps.Engine.CurrentSnapshot()
				if snap == nil {
					c.JSON(http.StatusNotFound, gin.H{"error": "no active round"})
					return
				}
				c.JSON(http.StatusOK, snap)
			})
			rounds.GET("/:id", func(c *gin.Context) {
				id, err := uuid.Parse(c.Param("id"))
				if err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": "invalid round id"})
					return
				}
				round, err := deps.Rounds.GetByID(c.Request.Context(), id)
				if err != nil {
					c.JSON(http.StatusNotFound, gin.H{"error": "round not found"})
					return
				}
				c.JSON(http.StatusOK, round)
			})
		}

		// ── Authenticated routes ──────────────────────────────────────────────
		authed := api.Group("")
		authed.Use(jwtMW)
		{
			authed.GET("/bets/my", func(c *gin.Context) {
				userID := c.GetString(middleware.UserIDKey)
				limit := parseLimit(c.Query("limit"), 50, 200)
				bets, err := deps.Bank.RecentBets(c.Request.Context(), userID, limit)
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load bets"})
					return
				}
				c.JSON(http.StatusOK, gin.H{"bets": bets})
			})

			authed.GET("/wallet/balance", func(c *gin.Context) {
				userID := c.GetString(middleware.UserIDKey)
				real, err := deps.Bank.UserBalance(c.Request.Context(), userID, false)
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load balance"})
					return
				}
				play, err := deps.Bank.UserBalance(c.Request.Context(), userID, true)
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load balance"})
					return
				}
				c.JSON(http.StatusOK, gin.H{"balance": real, "play_balance": play})
			})

			authed.GET("/wallet/transactions", func(c *gin.Context) {
				userID := c.GetString(middleware.UserIDKey)
				limit := parseLimit(c.Query("limit"), 50, 200)
				offset := parseLimit(c.Query("offset"), 0, 1<<20)
				txns, err := deps.Bank.Transactions(c.Request.Context(), userID, limit, offset)
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load transactions"})
					return
				}
				c.JSON(http.StatusOK, gin.H{"transactions": txns})
			})
		}
	}

	// ── WebSocket ─────────────────────────────────────────────────────────────
	if deps.Hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			deps.Hub.ServeWs(c.Writer, c.Request)
		})
	}

	return r
}

// parseLimit bounds a numeric query parameter into [0, max] with a default.
func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// ── CORS helper ───────────────────────────────────────────────────────────────

// corsMiddleware returns a gin middleware that sets appropriate CORS headers.
// In development all origins are allowed; in production only configured ones.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if !cfg.IsProd() {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range cfg.Server.AllowedOrigins {
				if o == "*" || o == origin {
					c.Header("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
