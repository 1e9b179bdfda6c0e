package configcmd

import (
	"encoding/json"

	"github.com/andrebq/openx/internal/cmdflags"
	"github.com/urfave/cli/v2"
)

func Cmd(settings *cmdflags.Settings) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Inspect the effective configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the configuration after defaults, file and environment are merged (secrets are omitted)",
				Action: func(ctx *cli.Context) error {
					enc := json.NewEncoder(ctx.App.Writer)
					enc.SetIndent("", "  ")
					return enc.Encode(settings.Config)
				},
			},
		},
	}
}
