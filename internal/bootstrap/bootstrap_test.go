package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/andrebq/openx/internal/config"
	"github.com/stretchr/testify/require"
)

func TestOpenService(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.DB.DSN = filepath.Join(t.TempDir(), "openx.db")
	cfg.Hash.BcryptCost = 4

	svc, closeAll, err := OpenService(ctx, cfg, nil)
	require.NoError(t, err)
	defer closeAll()

	reg, err := svc.Register(ctx, "alice")
	require.NoError(t, err)
	_, err = svc.Verify(ctx, reg.SecretKey)
	require.NoError(t, err)

	cfg.Hash.Algorithm = "md5"
	_, _, err = OpenService(ctx, cfg, nil)
	require.Error(t, err)
}

func TestNewLimiter(t *testing.T) {
	ctx := context.Background()
	limiter, cleanup, err := NewLimiter(ctx, config.RateLimit{Requests: 1, Window: time.Minute})
	require.NoError(t, err)
	cleanup()
	d, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	mr := miniredis.RunT(t)
	limiter, cleanup, err = NewLimiter(ctx, config.RateLimit{Requests: 1, Window: time.Minute, RedisAddr: mr.Addr()})
	require.NoError(t, err)
	defer cleanup()
	d, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	_, _, err = NewLimiter(ctx, config.RateLimit{Requests: 1, Window: time.Minute, RedisAddr: "127.0.0.1:1"})
	require.Error(t, err)
}
