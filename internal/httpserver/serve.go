package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/andrebq/openx/internal/config"
	"github.com/andrebq/openx/internal/logutil"
)

// Serve listens on cfg.Bind until ctx is cancelled, then waits up to
// cfg.ShutdownTimeout for in-flight requests.
func Serve(ctx context.Context, cfg config.Server, handler http.Handler) error {
	lst, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		return err
	}
	return ServeListener(ctx, lst, cfg, handler)
}

// ServeListener is like Serve but takes ownership of an existing listener.
func ServeListener(ctx context.Context, lst net.Listener, cfg config.Server, handler http.Handler) error {
	server := http.Server{
		Handler:           handler,
		Addr:              lst.Addr().String(),
		ReadTimeout:       orDefault(cfg.ReadTimeout, time.Minute),
		WriteTimeout:      orDefault(cfg.WriteTimeout, time.Minute),
		ReadHeaderTimeout: orDefault(cfg.ReadHeaderTimeout, 10*time.Second),
		IdleTimeout:       orDefault(cfg.IdleTimeout, time.Minute*5),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	err := make(chan error, 1)
	done := make(chan struct{})
	go serveInBackground(ctx, &server, lst, orDefault(cfg.ShutdownTimeout, 30*time.Second), err, done)
	<-done
	return <-err
}

func serveInBackground(ctx context.Context, server *http.Server, lst net.Listener, grace time.Duration, firstErr chan<- error, done chan<- struct{}) {
	log := logutil.GetOrDefault(ctx).With().Str("server.addr", server.Addr).Logger()
	defer close(done)
	serverCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		defer cancel()
		log.Info().Msg("Starting HTTP server")
		err := server.Serve(lst)
		if errors.Is(err, http.ErrServerClosed) {
			log.Info().Msg("Server closed")
			// shutdown called,
			// ignore the error
			return
		} else if err != nil {
			select {
			case firstErr <- err:
			default:
			}
			return
		}
	}()
	select {
	case <-serverCtx.Done():
	case <-ctx.Done():
	}
	if ctx.Err() != nil {
		log.Info().Dur("shutdown.grace", grace).Msg("Initiating shutdown process")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), grace)
		defer cancelShutdown()
		err := server.Shutdown(shutdownCtx)
		if err != nil {
			log.Warn().Err(err).Msg("Shutdown did not complete in time")
		}
		log.Info().Msg("Shutdown completed")
	}
	<-stopped
	close(firstErr)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
