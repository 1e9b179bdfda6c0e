package logutil

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type (
	key byte

	statusRecorder struct {
		http.ResponseWriter
		status int
	}
)

var (
	loggerKey = key(1)
)

func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func GetOrDefault(ctx context.Context) zerolog.Logger {
	v := ctx.Value(loggerKey)
	if v == nil {
		return log.Logger
	}
	return v.(zerolog.Logger)
}

// New returns a logger writing to out at the given level. An empty or
// unknown level means info. When pretty is true a console writer is used.
func New(out io.Writer, level string, pretty bool) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// AccessLog injects a request scoped logger in the request context and
// logs every response. clientAddr decides which address gets reported,
// nil means r.RemoteAddr.
func AccessLog(base zerolog.Logger, clientAddr func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := r.RemoteAddr
			if clientAddr != nil {
				addr = clientAddr(r)
			}
			reqLog := base.With().
				Str("http.method", r.Method).
				Str("http.path", r.URL.Path).
				Str("client.addr", addr).
				Logger()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(WithLogger(r.Context(), reqLog)))
			reqLog.Info().
				Int("http.status", rec.status).
				Dur("http.duration", time.Since(start)).
				Msg("Request served")
		})
	}
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
