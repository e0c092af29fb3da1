package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/casegate/casegate/internal/consent"
	"github.com/casegate/casegate/internal/organizations"
	"github.com/casegate/casegate/internal/shared"
)

// NewConsentService wires the consent engine shared by the API server, the
// worker and the operator CLI.
func NewConsentService(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, metrics consent.MetricsPort, logger *slog.Logger) *consent.Service {
	directory := organizations.NewDirectory(organizations.NewRepository(pool), organizations.DirectoryConfig{
		Client: redisClient,
		TTL:    cfg.DirectoryCacheTTL,
		Logger: logger,
	})
	return consent.NewService(
		consent.NewRepository(pool, cfg.ConsentLockTimeout),
		directory,
		shared.NewAuditLogger(pool),
		metrics,
		consent.ServiceConfig{
			Kind:          cfg.ConsentKind,
			ExpiryDays:    cfg.ConsentExpiryDays,
			OperatorOrgID: cfg.OperatorOrgID,
			ManagedScopes: cfg.ManagedScopes(),
			Logger:        logger,
		},
	)
}
