package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-mfg/internal/shared"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://u:p@localhost/mfg")
	t.Setenv("BOM_COST_CACHE_TTL", "0")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 10000, cfg.BOMMaxGraphNodes)
	require.Equal(t, 4, cfg.BOMResolveParallelism)
	require.Equal(t, time.Duration(0), cfg.BOMCostCacheTTL)
	require.Equal(t, 5*time.Second, cfg.BOMGraphLockTimeout)
	require.Equal(t, 72*time.Hour, cfg.IdempotencyRetention)
	require.Equal(t, "0 2 * * *", cfg.RecostAllCron)
	require.Equal(t, int32(10), cfg.PGMaxConns)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidBounds(t *testing.T) {
	t.Setenv("BOM_MAX_GRAPH_NODES", "0")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("BOM_MAX_GRAPH_NODES", "50")
	t.Setenv("BOM_RESOLVE_PARALLELISM", "-1")
	_, err = LoadConfig()
	require.Error(t, err)

	t.Setenv("BOM_RESOLVE_PARALLELISM", "2")
	t.Setenv("PG_DSN", " ")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestConfigLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, (&Config{LogLevel: "DEBUG"}).Level())
	require.Equal(t, slog.LevelWarn, (&Config{LogLevel: "warn"}).Level())
	require.Equal(t, slog.LevelInfo, (&Config{LogLevel: "loud"}).Level())
	var nilCfg *Config
	require.Equal(t, slog.LevelInfo, nilCfg.Level())
}

func TestActorMiddleware(t *testing.T) {
	var seen shared.Actor
	var ok bool
	h := actorMiddleware(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, ok = shared.ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/boms", nil)
	req.Header.Set(ActorHeader, "42")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, ok)
	require.Equal(t, int64(42), seen.ID)

	req = httptest.NewRequest(http.MethodGet, "/boms", nil)
	req.Header.Set(ActorHeader, "root")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.False(t, ok)
}

func TestRouterHealthAndNotFound(t *testing.T) {
	r := NewRouter(RouterParams{Logger: slog.Default(), Config: &Config{RateLimitPerMinute: 10}})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMiddlewareStackOrder(t *testing.T) {
	mws := MiddlewareStack(MiddlewareConfig{})
	require.Len(t, mws, 8)
	r := chi.NewRouter()
	for _, mw := range mws {
		r.Use(mw)
	}
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}
