// Package bootstrap builds the long lived components out of a config.Config.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/andrebq/openx/auth"
	"github.com/andrebq/openx/credential"
	"github.com/andrebq/openx/internal/config"
	"github.com/andrebq/openx/internal/logutil"
	"github.com/andrebq/openx/internal/metrics"
	"github.com/andrebq/openx/ratelimit"
	"github.com/andrebq/openx/store"
	"github.com/redis/go-redis/v9"
)

// OpenService opens the store and returns the auth service on top of it.
// The returned function releases both.
func OpenService(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*auth.Service, func(), error) {
	log := logutil.GetOrDefault(ctx)
	hasher, err := credential.NewHasher(cfg.Hash.Algorithm, cfg.Hash.BcryptCost)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, nil, err
	}
	svc, err := auth.NewService(db, auth.Options{
		Hasher:            hasher,
		SessionTTL:        cfg.Session.TTL,
		CacheTTL:          cfg.Session.CacheTTL,
		RotateRecoveryKey: cfg.Auth.RotateRecoveryKey,
		Metrics:           m,
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info().Str("db.driver", db.Driver()).Str("hash.algorithm", cfg.Hash.Algorithm).Msg("Auth service ready")
	return svc, func() {
		if err := svc.Close(); err != nil {
			log.Warn().Err(err).Msg("Unable to close auth service")
		}
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Unable to close store")
		}
	}, nil
}

// NewLimiter returns a limiter counting in memory, or in redis when
// ratelimit.redis_addr is set.
func NewLimiter(ctx context.Context, cfg config.RateLimit) (*ratelimit.Limiter, func(), error) {
	log := logutil.GetOrDefault(ctx)
	var counters ratelimit.CounterStore = ratelimit.NewMemoryStore()
	cleanup := func() {}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("unable to reach redis at %v, cause %w", cfg.RedisAddr, err)
		}
		counters = ratelimit.NewRedisStore(client, "")
		cleanup = func() {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("Unable to close redis client")
			}
		}
		log.Info().Str("redis.addr", cfg.RedisAddr).Msg("Rate limit counters kept in redis")
	}
	limiter, err := ratelimit.New(cfg.Requests, cfg.Window, counters, time.Now)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return limiter, cleanup, nil
}
