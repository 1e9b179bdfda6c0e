package sessions

import (
	"fmt"

	"github.com/andrebq/openx/internal/bootstrap"
	"github.com/andrebq/openx/internal/cmdflags"
	"github.com/urfave/cli/v2"
)

func Cmd(settings *cmdflags.Settings) *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "Session maintenance",
		Subcommands: []*cli.Command{
			{
				Name:  "prune",
				Usage: "Delete expired sessions",
				Action: func(ctx *cli.Context) error {
					appCtx := settings.Context(ctx.Context)
					svc, closeService, err := bootstrap.OpenService(appCtx, settings.Config, nil)
					if err != nil {
						return err
					}
					defer closeService()
					n, err := svc.PruneSessions(appCtx)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(ctx.App.Writer, "%v expired sessions removed\n", n)
					return err
				},
			},
		},
	}
}
