package cmdflags

import (
	"context"
	"os"

	"github.com/andrebq/openx/internal/config"
	"github.com/andrebq/openx/internal/logutil"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

type (
	// Settings is shared by every command, it is filled by Load before
	// any subcommand runs.
	Settings struct {
		ConfigFile string
		Config     config.Config
		Logger     zerolog.Logger
	}
)

func ConfigFile(out *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to a YAML configuration file, OPENX_ environment variables override it",
		EnvVars:     []string{"OPENX_CONFIG"},
		Destination: out,
		Value:       *out,
	}
}

func Bind(out *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "bind",
		Usage:       "Address to bind the HTTP server, overrides server.bind",
		Destination: out,
		Value:       *out,
	}
}

func Username(out *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "username",
		Aliases:     []string{"u", "user"},
		Usage:       "Name of the account",
		Destination: out,
		Required:    true,
	}
}

// Load reads the configuration and prepares the logger.
func (s *Settings) Load(ctx *cli.Context) error {
	cfg, err := config.Load(s.ConfigFile)
	if err != nil {
		return err
	}
	s.Config = cfg
	s.Logger = logutil.New(os.Stderr, cfg.Log.Level, cfg.Log.Pretty)
	return nil
}

// Context returns parent carrying the configured logger.
func (s *Settings) Context(parent context.Context) context.Context {
	return logutil.WithLogger(parent, s.Logger)
}
