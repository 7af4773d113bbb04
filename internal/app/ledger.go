package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/barstock/barstock/internal/catalog"
	"github.com/barstock/barstock/internal/ledger"
	"github.com/barstock/barstock/internal/platform/lock"
	"github.com/barstock/barstock/internal/shared"
)

// LedgerDeps carries the infrastructure the ledger service is built on.
type LedgerDeps struct {
	Config     *Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	Redis      redis.UniversalClient
	Registerer prometheus.Registerer
	// Resume receives interrupted propagations. Nil leaves retries to the caller.
	Resume ledger.ResumeEnqueuer
}

// Ledger is the assembled ledger service and the catalog cache it reads.
type Ledger struct {
	Service *ledger.Service
	Catalog *catalog.Cached
	Audit   *shared.AuditLogger
	Keys    *shared.IdempotencyStore
}

// NewLedger wires the ledger service on postgres and redis. Every process
// that mutates chains builds it the same way so they share lock keys.
func NewLedger(deps LedgerDeps) *Ledger {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cat := catalog.NewCached(catalog.NewRepository(deps.Pool), deps.Redis, cfg.CatalogCacheTTL, logger)

	var locker ledger.Locker
	if deps.Redis != nil {
		locker = lock.NewRedis(deps.Redis, lock.RedisConfig{
			TTL:         cfg.LedgerLockTTL,
			WaitTimeout: cfg.LedgerLockWait,
		}, logger)
	}

	var metrics *ledger.Metrics
	if deps.Registerer != nil {
		metrics = ledger.NewMetrics(deps.Registerer)
	}

	auditLogger := shared.NewAuditLogger(deps.Pool)
	keys := shared.NewIdempotencyStore(deps.Pool)
	svc := ledger.NewService(ledger.NewRepository(deps.Pool), cat, locker, ledger.ServiceConfig{
		Calendar:          cfg.Calendar(),
		RippleConcurrency: cfg.LedgerRippleConcurrency,
		ShortCircuit:      cfg.LedgerRippleShortCircuit,
		Logger:            logger.With(slog.String("component", "ledger")),
		Metrics:           metrics,
		Audit:             auditLogger,
		Approvals:         shared.NewApprovalRecorder(deps.Pool, logger),
		Idempotency:       keys,
		Resume:            deps.Resume,
	})
	return &Ledger{Service: svc, Catalog: cat, Audit: auditLogger, Keys: keys}
}
