// Package api exposes the authentication service over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/andrebq/openx/auth"
	"github.com/andrebq/openx/credential"
	"github.com/andrebq/openx/csrf"
	"github.com/andrebq/openx/internal/logutil"
	"github.com/andrebq/openx/internal/metrics"
	"github.com/andrebq/openx/ratelimit"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

const maxBodySize = 4 << 10

type (
	Options struct {
		Service *auth.Service
		// Limiter guards the credential endpoints, nil disables it.
		Limiter        *ratelimit.Limiter
		TrustedProxies *ratelimit.TrustedProxies
		Metrics        *metrics.Metrics
		Logger         zerolog.Logger
		SecureCookies  bool
	}

	handlers struct {
		svc   *auth.Service
		realm *SecurityRealm
		guard *csrf.Guard
	}

	registerRequest struct {
		Username string `json:"username"`
	}

	verifyRequest struct {
		SecretKey string `json:"sk"`
	}

	recoveryRequest struct {
		SecretKey   string `json:"sk"`
		RecoveryKey string `json:"rk"`
	}

	registerResponse struct {
		SecretKey   string       `json:"secret_key"`
		RecoveryKey string       `json:"recovery_key"`
		Account     auth.Account `json:"account"`
	}

	accountResponse struct {
		Account auth.Account `json:"account"`
	}

	recoveryResponse struct {
		NewSecretKey string `json:"new_secret_key"`
		RecoveryKey  string `json:"recovery_key"`
	}

	csrfResponse struct {
		Token string `json:"csrf_token"`
	}

	errorResponse struct {
		Detail string `json:"detail"`
	}

	invalidBody struct {
		cause error
	}
)

func (i invalidBody) Error() string {
	return "invalid request body"
}

func (i invalidBody) Unwrap() error {
	return i.cause
}

// AsHandler returns the complete HTTP surface: the auth routes, the metrics
// endpoint and every middleware around them.
func AsHandler(opts Options) (http.Handler, error) {
	if opts.Service == nil {
		return nil, errors.New("api requires an auth service")
	}
	clientAddr := func(r *http.Request) string {
		return ratelimit.ClientAddr(r, opts.TrustedProxies)
	}
	h := &handlers{
		svc:   opts.Service,
		realm: NewRealm(opts.Service, opts.SecureCookies),
		guard: csrf.New(opts.SecureCookies, opts.Metrics),
	}
	limited := func(route string, next http.HandlerFunc) http.Handler {
		if opts.Limiter == nil {
			return next
		}
		key := func(r *http.Request) string {
			return route + "|" + clientAddr(r)
		}
		return opts.Limiter.Protect(key, opts.Metrics)(next)
	}

	router := httprouter.New()
	router.HandlerFunc("GET", "/api/auth/csrf", h.csrfToken)
	router.Handler("POST", "/api/auth/new", limited("new", h.register))
	router.Handler("POST", "/api/auth/verify", limited("verify", h.verify))
	router.Handler("POST", "/api/auth/recovery", limited("recovery", h.recovery))
	router.HandlerFunc("POST", "/api/auth/logout", h.logout)
	router.Handler("GET", "/api/auth/me", h.realm.Protect(http.HandlerFunc(h.me)))
	router.Handler("GET", "/metrics", opts.Metrics.Handler())
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusNotFound, errorResponse{Detail: "not found"})
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusMethodNotAllowed, errorResponse{Detail: "method not allowed"})
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		log := logutil.GetOrDefault(r.Context())
		log.Error().Interface("panic", v).Msg("Handler panicked")
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Detail: "internal error"})
	}

	var handler http.Handler = h.guard.Protect(router)
	handler = logutil.AccessLog(opts.Logger, clientAddr)(handler)
	handler = opts.Metrics.Instrument(handler)
	handler = SecurityHeaders(handler)
	return handler, nil
}

func (h *handlers) csrfToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, csrfResponse{Token: csrf.Token(r)})
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	// the keys are shown only once, nothing may fail after the account exists
	token, err := h.guard.NewToken()
	if err != nil {
		writeError(w, r, err)
		return
	}
	reg, err := h.svc.Register(r.Context(), req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.establish(w, reg.Session, token)
	writeJSON(w, r, http.StatusOK, registerResponse{
		SecretKey:   reg.SecretKey,
		RecoveryKey: reg.RecoveryKey,
		Account:     reg.Account,
	})
}

func (h *handlers) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	token, err := h.guard.NewToken()
	if err != nil {
		writeError(w, r, err)
		return
	}
	acc, sess, err := h.svc.Login(r.Context(), req.SecretKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.establish(w, sess, token)
	writeJSON(w, r, http.StatusOK, accountResponse{Account: acc})
}

func (h *handlers) recovery(w http.ResponseWriter, r *http.Request) {
	var req recoveryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.svc.Recover(r.Context(), req.SecretKey, req.RecoveryKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// every session of the account is gone, including this one
	h.realm.clearSession(w)
	writeJSON(w, r, http.StatusOK, recoveryResponse{
		NewSecretKey: rec.SecretKey,
		RecoveryKey:  rec.RecoveryKey,
	})
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Logout(r.Context(), sessionToken(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.realm.clearSession(w)
	h.guard.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	acc, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthenticated)
		return
	}
	writeJSON(w, r, http.StatusOK, accountResponse{Account: acc})
}

// establish sets the session cookie and replaces the CSRF token with
// csrfToken.
func (h *handlers) establish(w http.ResponseWriter, sess auth.Session, csrfToken string) {
	h.guard.SetToken(w, csrfToken)
	w.Header().Set(csrf.HeaderName, csrfToken)
	h.realm.setSession(w, sess)
}

func decode(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return invalidBody{cause: err}
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var invalidUser auth.InvalidUsername
	var invalidReq invalidBody
	var genErr credential.GenerationError
	log := logutil.GetOrDefault(r.Context())
	switch {
	case errors.Is(err, auth.ErrRejected):
		writeJSON(w, r, http.StatusUnauthorized, errorResponse{Detail: err.Error()})
	case errors.Is(err, auth.ErrUnauthenticated):
		writeJSON(w, r, http.StatusUnauthorized, errorResponse{Detail: err.Error()})
	case errors.Is(err, auth.ErrUsernameTaken):
		writeJSON(w, r, http.StatusConflict, errorResponse{Detail: err.Error()})
	case errors.As(err, &invalidUser):
		writeJSON(w, r, http.StatusUnprocessableEntity, errorResponse{Detail: err.Error()})
	case errors.As(err, &invalidReq):
		writeJSON(w, r, http.StatusUnprocessableEntity, errorResponse{Detail: err.Error()})
	case errors.As(err, &genErr):
		log.Error().Err(err).Msg("Random source failed")
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Detail: "internal error"})
	default:
		log.Error().Err(err).Msg("Request failed")
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Detail: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log := logutil.GetOrDefault(r.Context())
		log.Warn().Err(err).Msg("Unable to write response")
	}
}
