package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/andrebq/openx/credential"
)

const sessionTokenBytes = 32

type (
	SessionState int

	Session struct {
		// Token is only known right after the session is issued.
		Token     string    `json:"-"`
		AccountID string    `json:"account_id"`
		IssuedAt  time.Time `json:"issued_at"`
		ExpiresAt time.Time `json:"expires_at"`
	}

	// sessionCache keeps recently validated sessions keyed by token hash.
	// A nil cache never hits.
	sessionCache struct {
		entries *bigcache.BigCache
		ttl     time.Duration
	}

	cacheEntry struct {
		Account  Account   `json:"account"`
		Session  Session   `json:"session"`
		CachedAt time.Time `json:"cached_at"`
	}

	accountCtxKey struct{}
)

const (
	SessionUnknown SessionState = iota
	SessionActive
	SessionExpired
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionExpired:
		return "expired"
	}
	return "unknown"
}

// Evaluate decides the state of a session at the given instant, nil means
// no session was found for the token.
func Evaluate(s *Session, now time.Time) SessionState {
	if s == nil {
		return SessionUnknown
	}
	if !now.Before(s.ExpiresAt) {
		return SessionExpired
	}
	return SessionActive
}

func newSessionToken(r io.Reader) (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", credential.GenerationError{Kind: "session token", Cause: err}
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newSessionCache(ttl time.Duration) (*sessionCache, error) {
	if ttl <= 0 {
		return nil, nil
	}
	cfg := bigcache.DefaultConfig(ttl)
	// expiry is checked on read, no cleanup goroutine needed
	cfg.CleanWindow = 0
	cfg.Verbose = false
	entries, err := bigcache.NewBigCache(cfg)
	if err != nil {
		return nil, err
	}
	return &sessionCache{entries: entries, ttl: ttl}, nil
}

func (c *sessionCache) get(hash string, now time.Time) (cacheEntry, bool) {
	if c == nil {
		return cacheEntry{}, false
	}
	buf, err := c.entries.Get(hash)
	if err != nil {
		return cacheEntry{}, false
	}
	var e cacheEntry
	if json.Unmarshal(buf, &e) != nil || now.Sub(e.CachedAt) >= c.ttl {
		c.entries.Delete(hash)
		return cacheEntry{}, false
	}
	return e, true
}

func (c *sessionCache) set(hash string, e cacheEntry) {
	if c == nil {
		return
	}
	buf, err := json.Marshal(e)
	if err != nil {
		return
	}
	c.entries.Set(hash, buf)
}

func (c *sessionCache) evict(hashes ...string) {
	if c == nil {
		return
	}
	for _, h := range hashes {
		// missing entries are fine, the cache only holds recent sessions
		_ = c.entries.Delete(h)
	}
}

func (c *sessionCache) close() error {
	if c == nil {
		return nil
	}
	return c.entries.Close()
}

// WithAccount returns a context carrying the authenticated account.
func WithAccount(ctx context.Context, a Account) context.Context {
	return context.WithValue(ctx, accountCtxKey{}, a)
}

func AccountFromContext(ctx context.Context) (Account, bool) {
	a, ok := ctx.Value(accountCtxKey{}).(Account)
	return a, ok
}
