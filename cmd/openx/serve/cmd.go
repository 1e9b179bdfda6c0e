package serve

import (
	"github.com/andrebq/openx/auth/api"
	"github.com/andrebq/openx/internal/bootstrap"
	"github.com/andrebq/openx/internal/cmdflags"
	"github.com/andrebq/openx/internal/httpserver"
	"github.com/andrebq/openx/internal/metrics"
	"github.com/andrebq/openx/ratelimit"
	"github.com/urfave/cli/v2"
)

func Cmd(settings *cmdflags.Settings) *cli.Command {
	var bindAddr string
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the authentication API",
		Flags: []cli.Flag{
			cmdflags.Bind(&bindAddr),
		},
		Action: func(ctx *cli.Context) error {
			cfg := settings.Config
			if bindAddr != "" {
				cfg.Server.Bind = bindAddr
			}
			appCtx := settings.Context(ctx.Context)
			trusted, err := ratelimit.ParseTrustedProxies(cfg.TrustedProxies)
			if err != nil {
				return err
			}
			m := metrics.New()
			svc, closeService, err := bootstrap.OpenService(appCtx, cfg, m)
			if err != nil {
				return err
			}
			defer closeService()
			limiter, closeLimiter, err := bootstrap.NewLimiter(appCtx, cfg.RateLimit)
			if err != nil {
				return err
			}
			defer closeLimiter()

			handler, err := api.AsHandler(api.Options{
				Service:        svc,
				Limiter:        limiter,
				TrustedProxies: trusted,
				Metrics:        m,
				Logger:         settings.Logger,
				SecureCookies:  cfg.Cookie.Secure,
			})
			if err != nil {
				return err
			}
			if !cfg.Cookie.Secure {
				settings.Logger.Warn().Msg("Cookies are sent without the Secure flag, enable cookie.secure behind TLS")
			}
			return httpserver.Serve(appCtx, cfg.Server, handler)
		},
	}
}
