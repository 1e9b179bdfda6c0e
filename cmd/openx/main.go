package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrebq/openx/cmd/openx/accounts"
	"github.com/andrebq/openx/cmd/openx/configcmd"
	"github.com/andrebq/openx/cmd/openx/serve"
	"github.com/andrebq/openx/cmd/openx/sessions"
	"github.com/andrebq/openx/internal/cmdflags"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	settings := &cmdflags.Settings{}
	app := &cli.App{
		Name:  "openx",
		Usage: "Secret key authentication for the OpenX community",
		Flags: []cli.Flag{
			cmdflags.ConfigFile(&settings.ConfigFile),
		},
		Before: settings.Load,
		Commands: []*cli.Command{
			serve.Cmd(settings),
			accounts.Cmd(settings),
			sessions.Cmd(settings),
			configcmd.Cmd(settings),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	err := app.RunContext(ctx, os.Args)
	if err != nil {
		log.Error().Err(err).Msg("Application failed")
		os.Exit(1)
	}
}
