// Package csrf implements the double-submit CSRF defense: a token kept in a
// script readable cookie must be echoed in the X-CSRF-Token header of every
// state changing request. Only same-origin scripts can read the cookie, so
// only they can produce a matching header.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andrebq/openx/internal/logutil"
	"github.com/andrebq/openx/internal/metrics"
)

const (
	CookieName = "csrf_token"
	HeaderName = "X-CSRF-Token"

	DefaultMaxAge = 365 * 24 * time.Hour

	tokenBytes = 32
)

type (
	Guard struct {
		secure  bool
		maxAge  time.Duration
		random  io.Reader
		metrics *metrics.Metrics
	}

	ctxKey struct{}
)

var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// New returns a guard whose cookies carry the Secure flag when secure is true.
func New(secure bool, m *metrics.Metrics) *Guard {
	return &Guard{
		secure:  secure,
		maxAge:  DefaultMaxAge,
		random:  rand.Reader,
		metrics: m,
	}
}

// Protect rejects mutating requests without a matching header and cookie.
// Safe requests always pass, receiving a token cookie when they lack one.
func (g *Guard) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logutil.GetOrDefault(r.Context())
		cookie := cookieToken(r)
		if safeMethods[r.Method] {
			if cookie == "" {
				token, err := g.Rotate(w)
				if err != nil {
					log.Error().Err(err).Msg("Unable to issue CSRF token")
					writeDetail(w, http.StatusInternalServerError, "internal error")
					return
				}
				r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, token))
			}
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get(HeaderName)
		if header == "" || cookie == "" {
			g.metrics.CSRFRejected("missing")
			log.Warn().Msg("CSRF token missing")
			writeDetail(w, http.StatusForbidden, "CSRF token missing")
			return
		}
		if subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) != 1 {
			g.metrics.CSRFRejected("mismatch")
			log.Warn().Msg("CSRF token mismatch")
			writeDetail(w, http.StatusForbidden, "Invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithRandom replaces the source of token bytes.
func (g *Guard) WithRandom(r io.Reader) *Guard {
	g.random = r
	return g
}

// Rotate issues a fresh token cookie and returns its value.
func (g *Guard) Rotate(w http.ResponseWriter) (string, error) {
	token, err := g.NewToken()
	if err != nil {
		return "", err
	}
	g.SetToken(w, token)
	return token, nil
}

// NewToken generates a token without sending it anywhere.
func (g *Guard) NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", fmt.Errorf("unable to generate csrf token, cause %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SetToken sends token as the cookie value.
func (g *Guard) SetToken(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(g.maxAge / time.Second),
		HttpOnly: false,
		Secure:   g.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Clear expires the token cookie.
func (g *Guard) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   g.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Token returns the token bound to the request, including one issued by
// Protect while serving it.
func Token(r *http.Request) string {
	if v, ok := r.Context().Value(ctxKey{}).(string); ok {
		return v
	}
	return cookieToken(r)
}

func cookieToken(r *http.Request) string {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"detail":%q}`, detail)
}
