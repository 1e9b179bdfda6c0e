package api

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/andrebq/openx/auth"
	"github.com/andrebq/openx/internal/logutil"
)

const SessionCookie = "session_token"

type (
	// SecurityRealm only lets requests carrying a live session through.
	SecurityRealm struct {
		svc          *auth.Service
		secureCookie bool
	}
)

var (
	bearerTokenRE = regexp.MustCompile(`^Bearer ([^\s]+)$`)
)

func NewRealm(svc *auth.Service, secureCookie bool) *SecurityRealm {
	return &SecurityRealm{
		svc:          svc,
		secureCookie: secureCookie,
	}
}

// Protect resolves the session of the request and stores its account in the
// request context, see auth.AccountFromContext.
func (s *SecurityRealm) Protect(sensitive http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := logutil.GetOrDefault(ctx)
		acc, _, err := s.svc.Authenticate(ctx, sessionToken(r))
		if errors.Is(err, auth.ErrUnauthenticated) {
			writeError(w, r, err)
			return
		} else if err != nil {
			log.Error().Err(err).Msg("Unexpected error when checking session")
			writeError(w, r, err)
			return
		}
		log = log.With().Str("account.id", acc.ID).Logger()
		ctx = logutil.WithLogger(auth.WithAccount(ctx, acc), log)
		sensitive.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *SecurityRealm) setSession(w http.ResponseWriter, sess auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		MaxAge:   int(s.svc.SessionTTL().Seconds()),
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *SecurityRealm) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

// sessionToken reads the session cookie, falling back to a bearer token for
// non browser clients.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	groups := bearerTokenRE.FindStringSubmatch(r.Header.Get("Authorization"))
	if len(groups) == 0 {
		return ""
	}
	return groups[1]
}
