package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-mfg/internal/bom"
	"github.com/odyssey-erp/odyssey-mfg/internal/inventory"
	"github.com/odyssey-erp/odyssey-mfg/internal/shared"
)

// BOMDeps are the runtime resources the BOM service is assembled from.
type BOMDeps struct {
	Config     *Config
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Scheduler  bom.RecostScheduler
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// NewBOMService wires the BOM service shared by the API server and the worker.
func NewBOMService(deps BOMDeps) *bom.Service {
	cfg := deps.Config
	var cache *bom.Cache
	if deps.Redis != nil {
		cache = bom.NewCache(deps.Redis, cfg.BOMCostCacheTTL)
	}
	return bom.NewService(
		bom.NewRepository(deps.Pool, cfg.BOMGraphLockTimeout),
		inventory.NewCatalog(deps.Pool),
		shared.NewAuditLogger(deps.Pool),
		shared.NewIdempotencyStore(deps.Pool),
		bom.ServiceConfig{
			MaxNodes:    cfg.BOMMaxGraphNodes,
			Parallelism: cfg.BOMResolveParallelism,
			Cache:       cache,
			Scheduler:   deps.Scheduler,
			Metrics:     bom.NewMetrics(deps.Registerer),
			Logger:      deps.Logger,
		},
	)
}
