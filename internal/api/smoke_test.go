// Package api_test runs HTTP-level smoke tests using net/http/httptest.
// These tests do NOT require PostgreSQL or Redis — they verify:
//   - Gin router routing and middleware wiring
//   - JWT auth middleware (401 without token, 401 with bad token)
//   - Public routes staying public
//   - CORS preflight handling
package api_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/evetabi/gridrush/internal/api"
	"github.com/evetabi/gridrush/internal/config"
	"github.com/evetabi/gridrush/internal/engine"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

func testCfg() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Env:         "development",
			Port:        "8080",
			HTTPRateRPS: 100,
		},
		JWT: config.JWTConfig{
			AccessSecret: "test-access-secret-abcdefghijklmnop",
			CookieName:   "session_token",
		},
		Game: config.GameConfig{
			Asset:           "BTCUSDT",
			BettingDuration: 5 * time.Second,
			MaxDuration:     60 * time.Second,
			TickInterval:    16 * time.Millisecond,
		},
	}
}

// buildTestRouter creates a Gin engine with a real (idle) game engine for the
// snapshot endpoints and nil for everything that requires a DB.
func buildTestRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := testCfg()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// An engine that never started a round: CurrentSnapshot returns nil,
	// which is all the DB-free routes need.
	eng := engine.New(cfg.Game, nil, nil, nil, nil, nil, nil, nil, nil, nil, logger)

	return api.SetupRouter(api.RouterDeps{
		Engine: eng,
		Bank:   nil,
		Rounds: nil,
		Hub:    nil,
		Cfg:    cfg,
	})
}

func do(t *testing.T, h http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&m); err != nil {
		t.Fatalf("response is not valid JSON: %v — body: %s", err, rr.Body.String())
	}
	return m
}

// ── /healthz ──────────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["status"] != "ok" {
		t.Errorf("healthz status = %v, want ok", body["status"])
	}
	// No round is running: the snapshot fields stay absent.
	if _, ok := body["round_id"]; ok {
		t.Errorf("healthz reported a round with no round active: %v", body)
	}
}

// ── Rounds (public) ───────────────────────────────────────────────────────────

func TestRoundsCurrent_NoActiveRound(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodGet, "/api/rounds/current", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("GET /api/rounds/current between rounds = %d, want 404", rr.Code)
	}
}

func TestRoundsByID_InvalidID(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodGet, "/api/rounds/not-a-uuid", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("GET /api/rounds/not-a-uuid = %d, want 400", rr.Code)
	}
}

func TestRoundsCurrent_IsPublic(t *testing.T) {
	h := buildTestRouter(t)
	// No token: should NOT be 401.
	rr := do(t, h, http.MethodGet, "/api/rounds/current", nil)
	if rr.Code == http.StatusUnauthorized {
		t.Error("GET /api/rounds/current should be a public endpoint (no 401)")
	}
}

// ── JWT auth middleware (no token → 401) ──────────────────────────────────────

func TestMyBets_NoToken_Returns401(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodGet, "/api/bets/my", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/bets/my without token = %d, want 401", rr.Code)
	}
}

func TestWalletBalance_NoToken_Returns401(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodGet, "/api/wallet/balance", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/wallet/balance without token = %d, want 401", rr.Code)
	}
}

func TestWalletTransactions_NoToken_Returns401(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodGet, "/api/wallet/transactions", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/wallet/transactions without token = %d, want 401", rr.Code)
	}
}

// ── JWT auth middleware (invalid token → 401) ─────────────────────────────────

func TestMyBets_InvalidToken_Returns401(t *testing.T) {
	h := buildTestRouter(t)
	rr := do(t, h, http.MethodGet, "/api/bets/my", map[string]string{
		"Authorization": "Bearer not.a.valid.jwt",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/bets/my with bad JWT = %d, want 401", rr.Code)
	}
}

func TestWalletBalance_WrongSecret_Returns401(t *testing.T) {
	h := buildTestRouter(t)
	// Well-formed JWT signed with the wrong secret.
	fakeJWT := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9" +
		".eyJzdWIiOiJ1LTEyMzQifQ" +
		".BADSIG"
	rr := do(t, h, http.MethodGet, "/api/wallet/balance", map[string]string{
		"Authorization": "Bearer " + fakeJWT,
	})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/wallet/balance with forged JWT = %d, want 401", rr.Code)
	}
}

// ── CORS headers ──────────────────────────────────────────────────────────────

func TestCORSOptionsRequest(t *testing.T) {
	h := buildTestRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/rounds/current", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("OPTIONS /api/rounds/current = %d, want 204", rr.Code)
	}
	allow := rr.Header().Get("Access-Control-Allow-Methods")
	if !strings.Contains(allow, "GET") {
		t.Errorf("Access-Control-Allow-Methods missing GET, got %q", allow)
	}
}

func TestCORSAllowOrigin_Dev(t *testing.T) {
	h := buildTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	// Development allows all origins.
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("dev CORS origin = %q, want *", origin)
	}
}
