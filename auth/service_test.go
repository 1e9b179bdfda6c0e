package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/andrebq/openx/auth"
	"github.com/andrebq/openx/credential"
	"github.com/andrebq/openx/internal/testutil"
	"github.com/andrebq/openx/store"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestRegisterVerifyRecover(t *testing.T) {
	ctx := context.Background()
	svc, _, cleanup := testutil.AcquireService(ctx, t, auth.Options{RotateRecoveryKey: true})
	defer cleanup()

	reg, err := svc.Register(ctx, "alice")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(reg.SecretKey, credential.SecretKeyPrefix))
	require.Len(t, reg.SecretKey, 3+64)
	require.True(t, strings.HasPrefix(reg.RecoveryKey, credential.RecoveryKeyPrefix))
	require.Len(t, reg.RecoveryKey, 3+96)
	require.Equal(t, "alice", reg.Account.Username)
	require.NotEmpty(t, reg.Session.Token)

	acc, err := svc.Verify(ctx, reg.SecretKey)
	require.NoError(t, err)
	require.Equal(t, reg.Account.ID, acc.ID)

	_, _, err = svc.Authenticate(ctx, reg.Session.Token)
	require.NoError(t, err)

	rec, err := svc.Recover(ctx, reg.SecretKey, reg.RecoveryKey)
	require.NoError(t, err)
	require.NotEqual(t, reg.SecretKey, rec.SecretKey)
	require.NotEqual(t, reg.RecoveryKey, rec.RecoveryKey)
	require.NotNil(t, rec.Account.RecoveredAt)

	_, err = svc.Verify(ctx, reg.SecretKey)
	require.ErrorIs(t, err, auth.ErrRejected)
	acc, err = svc.Verify(ctx, rec.SecretKey)
	require.NoError(t, err)
	require.Equal(t, reg.Account.ID, acc.ID)

	_, _, err = svc.Authenticate(ctx, reg.Session.Token)
	require.ErrorIs(t, err, auth.ErrUnauthenticated, "recovery must revoke existing sessions")

	_, err = svc.Recover(ctx, rec.SecretKey, reg.RecoveryKey)
	require.ErrorIs(t, err, auth.ErrRejected, "a used recovery key must not work twice")
}

func TestRecoverWithStaticRecoveryKey(t *testing.T) {
	ctx := context.Background()
	svc, _, cleanup := testutil.AcquireService(ctx, t, auth.Options{RotateRecoveryKey: false})
	defer cleanup()

	reg, err := svc.Register(ctx, "bob")
	require.NoError(t, err)
	rec, err := svc.Recover(ctx, reg.SecretKey, reg.RecoveryKey)
	require.NoError(t, err)
	require.Equal(t, reg.RecoveryKey, rec.RecoveryKey)

	again, err := svc.Recover(ctx, rec.SecretKey, reg.RecoveryKey)
	require.NoError(t, err)
	require.NotEqual(t, rec.SecretKey, again.SecretKey)
}

func TestRecoverRejections(t *testing.T) {
	ctx := context.Background()
	svc, _, cleanup := testutil.AcquireService(ctx, t, auth.Options{RotateRecoveryKey: true})
	defer cleanup()

	alice, err := svc.Register(ctx, "alice")
	require.NoError(t, err)
	bob, err := svc.Register(ctx, "bob")
	require.NoError(t, err)

	cases := map[string][2]string{
		"wrong recovery key":  {alice.SecretKey, flipLast(alice.RecoveryKey)},
		"keys from two users": {alice.SecretKey, bob.RecoveryKey},
		"unknown secret key":  {"sk-" + strings.Repeat("0", 64), alice.RecoveryKey},
		"empty keys":          {"", ""},
	}
	for name, keys := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Recover(ctx, keys[0], keys[1])
			require.ErrorIs(t, err, auth.ErrRejected)
		})
	}

	// nothing changed
	_, err = svc.Verify(ctx, alice.SecretKey)
	require.NoError(t, err)
	_, _, err = svc.Authenticate(ctx, alice.Session.Token)
	require.NoError(t, err)
}

func flipLast(key string) string {
	last := key[len(key)-1]
	if last == '0' {
		return key[:len(key)-1] + "1"
	}
	return key[:len(key)-1] + "0"
}

func TestConcurrentRecoveryHasOneWinner(t *testing.T) {
	ctx := context.Background()
	svc, _, cleanup := testutil.AcquireService(ctx, t, auth.Options{RotateRecoveryKey: true})
	defer cleanup()

	reg, err := svc.Register(ctx, "carol")
	require.NoError(t, err)

	const attempts = 4
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Recover(ctx, reg.SecretKey, reg.RecoveryKey)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var won, lost int
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, auth.ErrRejected):
			lost++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, attempts-1, lost)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, cleanup := testutil.AcquireService(ctx, t, auth.Options{})
	defer cleanup()

	_, err := svc.Register(ctx, "dave")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "dave")
	require.ErrorIs(t, err, auth.ErrUsernameTaken)

	for _, name := range []string{"", "ab", strings.Repeat("x", 31), "with space", "ünïcode"} {
		_, err = svc.Register(ctx, name)
		var invalid auth.InvalidUsername
		require.True(t, errors.As(err, &invalid), "%q should be rejected, got %v", name, err)
	}
	require.NoError(t, auth.ValidateUsername("a_b-C9"))
}

func TestLogoutRevokesOneSession(t *testing.T) {
	ctx := context.Background()
	svc, _, cleanup := testutil.AcquireService(ctx, t, auth.Options{CacheTTL: time.Minute})
	defer cleanup()

	reg, err := svc.Register(ctx, "erin")
	require.NoError(t, err)
	_, second, err := svc.Login(ctx, reg.SecretKey)
	require.NoError(t, err)
	require.NotEqual(t, reg.Session.Token, second.Token)

	// warm the cache before revoking
	_, _, err = svc.Authenticate(ctx, reg.Session.Token)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, reg.Session.Token))
	require.NoError(t, svc.Logout(ctx, reg.Session.Token))

	_, _, err = svc.Authenticate(ctx, reg.Session.Token)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
	acc, _, err := svc.Authenticate(ctx, second.Token)
	require.NoError(t, err)
	require.Equal(t, "erin", acc.Username)
}

func TestRecoveryEvictsCachedSessions(t *testing.T) {
	ctx := context.Background()
	svc, _, cleanup := testutil.AcquireService(ctx, t, auth.Options{CacheTTL: time.Hour, RotateRecoveryKey: true})
	defer cleanup()

	reg, err := svc.Register(ctx, "frank")
	require.NoError(t, err)
	_, _, err = svc.Authenticate(ctx, reg.Session.Token)
	require.NoError(t, err)

	_, err = svc.Recover(ctx, reg.SecretKey, reg.RecoveryKey)
	require.NoError(t, err)
	_, _, err = svc.Authenticate(ctx, reg.Session.Token)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, _, cleanup := testutil.AcquireService(ctx, t, auth.Options{
		Now:        clock.Now,
		SessionTTL: time.Hour,
		CacheTTL:   time.Minute,
	})
	defer cleanup()

	reg, err := svc.Register(ctx, "grace")
	require.NoError(t, err)
	_, sess, err := svc.Authenticate(ctx, reg.Session.Token)
	require.NoError(t, err)
	require.Equal(t, auth.SessionActive, auth.Evaluate(&sess, clock.Now()))

	clock.Advance(time.Hour)
	_, _, err = svc.Authenticate(ctx, reg.Session.Token)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, fresh, err := svc.Login(ctx, reg.SecretKey)
	require.NoError(t, err)

	n, err := svc.PruneSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, _, err = svc.Authenticate(ctx, fresh.Token)
	require.NoError(t, err)
}

func TestAuthenticateUnknownToken(t *testing.T) {
	ctx := context.Background()
	svc, _, cleanup := testutil.AcquireService(ctx, t, auth.Options{})
	defer cleanup()

	for _, token := range []string{"", "not-a-session"} {
		_, _, err := svc.Authenticate(ctx, token)
		require.ErrorIs(t, err, auth.ErrUnauthenticated)
	}
}

func TestRandomSourceFailure(t *testing.T) {
	ctx := context.Background()
	svc, _, cleanup := testutil.AcquireService(ctx, t, auth.Options{
		Random: iotest.ErrReader(errors.New("entropy exhausted")),
	})
	defer cleanup()

	_, err := svc.Register(ctx, "henry")
	var genErr credential.GenerationError
	require.True(t, errors.As(err, &genErr), "got %v", err)
}

// slowDelete holds DeleteSession until release is closed.
type slowDelete struct {
	*store.Store
	entered chan struct{}
	release chan struct{}
}

func (s *slowDelete) DeleteSession(ctx context.Context, hash string) (bool, error) {
	close(s.entered)
	<-s.release
	return s.Store.DeleteSession(ctx, hash)
}

func TestLogoutRacingAuthenticate(t *testing.T) {
	ctx := context.Background()
	st, cleanup := testutil.AcquireStore(ctx, t)
	defer cleanup()
	repo := &slowDelete{Store: st, entered: make(chan struct{}), release: make(chan struct{})}
	svc, err := auth.NewService(repo, auth.Options{
		Hasher:   &credential.Dispatcher{Primary: credential.Bcrypt{Cost: bcrypt.MinCost}},
		CacheTTL: time.Hour,
	})
	require.NoError(t, err)
	defer svc.Close()

	reg, err := svc.Register(ctx, "ivan")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- svc.Logout(ctx, reg.Session.Token)
	}()
	<-repo.entered

	// the row is still there, this lookup fills the cache
	_, _, err = svc.Authenticate(ctx, reg.Session.Token)
	require.NoError(t, err)

	close(repo.release)
	require.NoError(t, <-done)

	_, _, err = svc.Authenticate(ctx, reg.Session.Token)
	require.ErrorIs(t, err, auth.ErrUnauthenticated, "a logged out session must not survive in the cache")
}
