// Package auth ties credentials, storage and sessions together.
//
// An account is created with a generated secret key, which is the only thing
// needed to log in, and a recovery key, which is only good for replacing a
// lost or leaked secret key. Every successful registration or login issues an
// opaque session token, the store only ever sees its SHA-256.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrebq/openx/credential"
	"github.com/andrebq/openx/internal/logutil"
	"github.com/andrebq/openx/internal/metrics"
	"github.com/andrebq/openx/store"
	"github.com/google/uuid"
)

const (
	minUsername = 3
	maxUsername = 30

	// DefaultSessionTTL matches the lifetime of the session cookie.
	DefaultSessionTTL = 24 * time.Hour

	// key id collisions are astronomically rare, a few attempts are plenty
	maxKeyAttempts = 3
)

type (
	// Account is the public view of an account, it never carries key
	// material.
	Account struct {
		ID          string     `json:"id"`
		Username    string     `json:"username"`
		CreatedAt   time.Time  `json:"created_at"`
		RecoveredAt *time.Time `json:"recovered_at,omitempty"`
	}

	// Registration holds the keys of a new account. They are not stored
	// anywhere and must be handed to the user right away.
	Registration struct {
		Account     Account
		SecretKey   string
		RecoveryKey string
		Session     Session
	}

	// Recovery holds the replacement secret key and the recovery key that
	// is valid from now on.
	Recovery struct {
		Account     Account
		SecretKey   string
		RecoveryKey string
	}

	Repository interface {
		CreateAccount(ctx context.Context, a store.Account, first *store.Session) error
		AccountBySecretKeyID(ctx context.Context, id string) (store.Account, error)
		AccountByRecoveryKeyID(ctx context.Context, id string) (store.Account, error)
		RotateSecretKey(ctx context.Context, r store.Rotation) ([]string, error)
		CreateSession(ctx context.Context, s store.Session) error
		SessionByTokenHash(ctx context.Context, hash string) (store.Session, store.Account, error)
		DeleteSession(ctx context.Context, hash string) (bool, error)
		DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	}

	Options struct {
		// Hasher defaults to bcrypt with the default cost.
		Hasher credential.Hasher
		// Random defaults to crypto/rand.
		Random io.Reader
		Now    func() time.Time

		SessionTTL time.Duration
		// CacheTTL is how long a validated session is trusted without
		// asking the repository again. Zero disables the cache.
		CacheTTL time.Duration

		// RotateRecoveryKey issues a new recovery key on every recovery,
		// otherwise the same recovery key remains valid forever.
		RotateRecoveryKey bool

		Metrics *metrics.Metrics
	}

	Service struct {
		repo              Repository
		hasher            credential.Hasher
		random            io.Reader
		now               func() time.Time
		sessionTTL        time.Duration
		rotateRecoveryKey bool
		metrics           *metrics.Metrics

		cache *sessionCache
		// cacheMu orders cache fills against revocations. revocations
		// changes whenever sessions are deleted so a lookup that raced with
		// a revoke does not repopulate the cache.
		cacheMu     sync.Mutex
		revocations uint64

		dummyOnce sync.Once
		dummyHash string
	}
)

var usernameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func NewService(repo Repository, opts Options) (*Service, error) {
	if repo == nil {
		return nil, errors.New("auth service requires a repository")
	}
	s := &Service{
		repo:              repo,
		hasher:            opts.Hasher,
		random:            opts.Random,
		now:               opts.Now,
		sessionTTL:        opts.SessionTTL,
		rotateRecoveryKey: opts.RotateRecoveryKey,
		metrics:           opts.Metrics,
	}
	if s.hasher == nil {
		s.hasher = &credential.Dispatcher{Primary: credential.Bcrypt{Cost: credential.DefaultBcryptCost}}
	}
	if s.random == nil {
		s.random = rand.Reader
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sessionTTL <= 0 {
		s.sessionTTL = DefaultSessionTTL
	}
	var err error
	s.cache, err = newSessionCache(opts.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("unable to create session cache, cause %w", err)
	}
	return s, nil
}

// ValidateUsername checks the length and alphabet of a username.
func ValidateUsername(username string) error {
	if len(username) < minUsername || len(username) > maxUsername || !usernameRE.MatchString(username) {
		return InvalidUsername{Username: username}
	}
	return nil
}

// SessionTTL is the lifetime of newly issued sessions.
func (s *Service) SessionTTL() time.Duration {
	return s.sessionTTL
}

// Register creates an account named username together with its first
// session.
func (s *Service) Register(ctx context.Context, username string) (Registration, error) {
	log := logutil.GetOrDefault(ctx)
	err := ValidateUsername(username)
	if err != nil {
		s.metrics.AuthOutcome("register", "invalid")
		return Registration{}, err
	}
	for attempt := 1; ; attempt++ {
		reg, err := s.register(ctx, username)
		var conflict store.Conflict
		switch {
		case err == nil:
			s.metrics.AuthOutcome("register", "success")
			s.metrics.SessionEvent("created", 1)
			log.Info().Str("account.id", reg.Account.ID).Str("account.username", username).Msg("Account registered")
			return reg, nil
		case errors.As(err, &conflict) && conflict.Column == "username":
			s.metrics.AuthOutcome("register", "conflict")
			return Registration{}, ErrUsernameTaken
		case errors.As(err, &conflict) && attempt < maxKeyAttempts:
			log.Warn().Str("column", conflict.Column).Int("attempt", attempt).Msg("Generated value already in use, retrying")
			continue
		}
		s.metrics.AuthOutcome("register", "error")
		return Registration{}, err
	}
}

func (s *Service) register(ctx context.Context, username string) (Registration, error) {
	sk, skHash, err := s.newCredential(credential.NewSecretKey)
	if err != nil {
		return Registration{}, err
	}
	rk, rkHash, err := s.newCredential(credential.NewRecoveryKey)
	if err != nil {
		return Registration{}, err
	}
	id, err := uuid.NewRandomFromReader(s.random)
	if err != nil {
		return Registration{}, credential.GenerationError{Kind: "account id", Cause: err}
	}
	now := s.now()
	acc := store.Account{
		ID:              id.String(),
		Username:        username,
		SecretKeyID:     credential.KeyID(sk),
		SecretKeyHash:   skHash,
		RecoveryKeyID:   credential.KeyID(rk),
		RecoveryKeyHash: rkHash,
		CreatedAt:       now,
	}
	sess, stored, err := s.newSession(acc.ID, now)
	if err != nil {
		return Registration{}, err
	}
	err = s.repo.CreateAccount(ctx, acc, &stored)
	if err != nil {
		return Registration{}, err
	}
	return Registration{
		Account:     toAccount(acc),
		SecretKey:   sk,
		RecoveryKey: rk,
		Session:     sess,
	}, nil
}

// Verify returns the account owning sk. Unknown and wrong keys are both
// reported as ErrRejected and take about the same time to answer.
func (s *Service) Verify(ctx context.Context, sk string) (Account, error) {
	acc, err := s.verify(ctx, sk)
	switch {
	case err == nil:
		s.metrics.AuthOutcome("verify", "success")
	case errors.Is(err, ErrRejected):
		s.metrics.AuthOutcome("verify", "rejected")
	default:
		s.metrics.AuthOutcome("verify", "error")
	}
	if err != nil {
		return Account{}, err
	}
	return toAccount(acc), nil
}

func (s *Service) verify(ctx context.Context, sk string) (store.Account, error) {
	acc, found, err := s.lookup(ctx, s.repo.AccountBySecretKeyID, sk)
	if err != nil {
		return store.Account{}, err
	}
	if !s.check(sk, acc.SecretKeyHash, found) {
		log := logutil.GetOrDefault(ctx)
		log.Debug().Bool("account.found", found).Msg("Secret key rejected")
		return store.Account{}, ErrRejected
	}
	return acc, nil
}

// Login verifies sk and issues a new session for its account.
func (s *Service) Login(ctx context.Context, sk string) (Account, Session, error) {
	acc, err := s.Verify(ctx, sk)
	if err != nil {
		return Account{}, Session{}, err
	}
	sess, stored, err := s.newSession(acc.ID, s.now())
	if err != nil {
		return Account{}, Session{}, err
	}
	err = s.repo.CreateSession(ctx, stored)
	if err != nil {
		return Account{}, Session{}, err
	}
	s.metrics.SessionEvent("created", 1)
	return acc, sess, nil
}

// Recover replaces the secret key of the account that owns both sk and rk.
// Every session of the account is revoked. Concurrent recoveries of the same
// account are serialized by the repository, only one of them succeeds.
func (s *Service) Recover(ctx context.Context, sk, rk string) (Recovery, error) {
	log := logutil.GetOrDefault(ctx)
	for attempt := 1; ; attempt++ {
		rec, err := s.recover(ctx, sk, rk)
		var conflict store.Conflict
		var rotated store.RotationConflict
		switch {
		case err == nil:
			s.metrics.AuthOutcome("recover", "success")
			log.Info().Str("account.id", rec.Account.ID).Msg("Secret key recovered")
			return rec, nil
		case errors.Is(err, ErrRejected):
			s.metrics.AuthOutcome("recover", "rejected")
			return Recovery{}, ErrRejected
		case errors.As(err, &rotated):
			log.Warn().Str("account.id", rotated.AccountID).Msg("Concurrent recovery lost the race")
			s.metrics.AuthOutcome("recover", "rejected")
			return Recovery{}, ErrRejected
		case errors.As(err, &conflict) && attempt < maxKeyAttempts:
			log.Warn().Str("column", conflict.Column).Int("attempt", attempt).Msg("Generated value already in use, retrying")
			continue
		}
		s.metrics.AuthOutcome("recover", "error")
		return Recovery{}, err
	}
}

func (s *Service) recover(ctx context.Context, sk, rk string) (Recovery, error) {
	bySK, skFound, err := s.lookup(ctx, s.repo.AccountBySecretKeyID, sk)
	if err != nil {
		return Recovery{}, err
	}
	byRK, rkFound, err := s.lookup(ctx, s.repo.AccountByRecoveryKeyID, rk)
	if err != nil {
		return Recovery{}, err
	}
	// both hashes are always checked so the answer time does not tell
	// which key was wrong
	skOK := s.check(sk, bySK.SecretKeyHash, skFound)
	rkOK := s.check(rk, byRK.RecoveryKeyHash, rkFound)
	if !skOK || !rkOK || bySK.ID != byRK.ID {
		return Recovery{}, ErrRejected
	}

	newSK, newSKHash, err := s.newCredential(credential.NewSecretKey)
	if err != nil {
		return Recovery{}, err
	}
	rot := store.Rotation{
		AccountID:           bySK.ID,
		PreviousSecretKeyID: bySK.SecretKeyID,
		SecretKeyID:         credential.KeyID(newSK),
		SecretKeyHash:       newSKHash,
		At:                  s.now(),
	}
	newRK := rk
	if s.rotateRecoveryKey {
		var rkHash string
		newRK, rkHash, err = s.newCredential(credential.NewRecoveryKey)
		if err != nil {
			return Recovery{}, err
		}
		rot.RecoveryKeyID = credential.KeyID(newRK)
		rot.RecoveryKeyHash = rkHash
	}
	revoked, err := s.repo.RotateSecretKey(ctx, rot)
	if err != nil {
		return Recovery{}, err
	}
	s.revoke(revoked...)
	s.metrics.SessionEvent("revoked", len(revoked))

	acc := bySK
	acc.RecoveredAt = rot.At
	return Recovery{
		Account:     toAccount(acc),
		SecretKey:   newSK,
		RecoveryKey: newRK,
	}, nil
}

// Authenticate resolves a session token into its account. Missing, unknown
// and expired tokens are all ErrUnauthenticated.
func (s *Service) Authenticate(ctx context.Context, token string) (Account, Session, error) {
	if token == "" {
		return Account{}, Session{}, ErrUnauthenticated
	}
	hash := hashToken(token)
	now := s.now()
	if e, ok := s.cache.get(hash, now); ok {
		if Evaluate(&e.Session, now) == SessionActive {
			return e.Account, e.Session, nil
		}
		s.cache.evict(hash)
		return Account{}, Session{}, ErrUnauthenticated
	}

	generation := atomic.LoadUint64(&s.revocations)
	stored, acc, err := s.repo.SessionByTokenHash(ctx, hash)
	if errors.As(err, &store.SessionNotFound{}) {
		return Account{}, Session{}, ErrUnauthenticated
	} else if err != nil {
		return Account{}, Session{}, err
	}
	sess := fromStoreSession(stored)
	if Evaluate(&sess, now) != SessionActive {
		return Account{}, Session{}, ErrUnauthenticated
	}
	entry := cacheEntry{Account: toAccount(acc), Session: sess, CachedAt: now}
	s.cacheMu.Lock()
	if atomic.LoadUint64(&s.revocations) == generation {
		s.cache.set(hash, entry)
	}
	s.cacheMu.Unlock()
	return entry.Account, sess, nil
}

// Logout revokes the session identified by token, and only that one.
// Logging out twice is not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	hash := hashToken(token)
	found, err := s.repo.DeleteSession(ctx, hash)
	// the row must be gone before the cache is cleared, otherwise a
	// concurrent lookup can read it and cache it again
	s.revoke(hash)
	if err != nil {
		return err
	}
	if found {
		s.metrics.SessionEvent("revoked", 1)
	}
	return nil
}

// PruneSessions deletes every expired session and returns how many were
// removed.
func (s *Service) PruneSessions(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.metrics.SessionEvent("expired", int(n))
	log := logutil.GetOrDefault(ctx)
	log.Info().Int64("sessions.pruned", n).Msg("Expired sessions pruned")
	return n, nil
}

func (s *Service) Close() error {
	return s.cache.close()
}

func (s *Service) revoke(hashes ...string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	atomic.AddUint64(&s.revocations, 1)
	s.cache.evict(hashes...)
}

// lookup finds the account by the id of key. A missing account is not an
// error, found is false instead.
func (s *Service) lookup(ctx context.Context, by func(context.Context, string) (store.Account, error), key string) (store.Account, bool, error) {
	acc, err := by(ctx, credential.KeyID(key))
	if errors.As(err, &store.AccountNotFound{}) {
		return store.Account{}, false, nil
	} else if err != nil {
		return store.Account{}, false, err
	}
	return acc, true, nil
}

// check verifies plain against encoded, or against a throwaway hash when
// there is nothing to compare with.
func (s *Service) check(plain, encoded string, found bool) bool {
	if !found {
		s.hasher.Verify(plain, s.dummy())
		return false
	}
	return s.hasher.Verify(plain, encoded)
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		var err error
		s.dummyHash, err = s.hasher.Hash("sk-openx-dummy-credential")
		if err != nil {
			s.dummyHash = ""
		}
	})
	return s.dummyHash
}

func (s *Service) newCredential(gen func(io.Reader) (string, error)) (string, string, error) {
	key, err := gen(s.random)
	if err != nil {
		return "", "", err
	}
	hash, err := s.hasher.Hash(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}

func (s *Service) newSession(accountID string, now time.Time) (Session, store.Session, error) {
	token, err := newSessionToken(s.random)
	if err != nil {
		return Session{}, store.Session{}, err
	}
	sess := Session{
		Token:     token,
		AccountID: accountID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	return sess, store.Session{
		TokenHash: hashToken(token),
		AccountID: accountID,
		IssuedAt:  sess.IssuedAt,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

func toAccount(a store.Account) Account {
	out := Account{
		ID:        a.ID,
		Username:  a.Username,
		CreatedAt: a.CreatedAt,
	}
	if !a.RecoveredAt.IsZero() {
		at := a.RecoveredAt
		out.RecoveredAt = &at
	}
	return out
}

func fromStoreSession(s store.Session) Session {
	return Session{
		AccountID: s.AccountID,
		IssuedAt:  s.IssuedAt,
		ExpiresAt: s.ExpiresAt,
	}
}
