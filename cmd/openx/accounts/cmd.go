package accounts

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/andrebq/openx/internal/bootstrap"
	"github.com/andrebq/openx/internal/cmdflags"
	"github.com/urfave/cli/v2"
)

func Cmd(settings *cmdflags.Settings) *cli.Command {
	return &cli.Command{
		Name:  "accounts",
		Usage: "Manage accounts directly in the database",
		Subcommands: []*cli.Command{
			registerCmd(settings),
			recoverCmd(settings),
		},
	}
}

func registerCmd(settings *cmdflags.Settings) *cli.Command {
	var username string
	return &cli.Command{
		Name:  "register",
		Usage: "Create an account and print its secret and recovery keys",
		Flags: []cli.Flag{
			cmdflags.Username(&username),
		},
		Action: func(ctx *cli.Context) error {
			appCtx := settings.Context(ctx.Context)
			svc, closeService, err := bootstrap.OpenService(appCtx, settings.Config, nil)
			if err != nil {
				return err
			}
			defer closeService()
			reg, err := svc.Register(appCtx, username)
			if err != nil {
				return err
			}
			return printJSON(ctx.App.Writer, map[string]interface{}{
				"account":      reg.Account,
				"secret_key":   reg.SecretKey,
				"recovery_key": reg.RecoveryKey,
			})
		},
	}
}

func recoverCmd(settings *cmdflags.Settings) *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "Replace a secret key, the current secret key and the recovery key are read from stdin (one per line)",
		Action: func(ctx *cli.Context) error {
			sk, rk, err := readKeys(os.Stdin)
			if err != nil {
				return err
			}
			appCtx := settings.Context(ctx.Context)
			svc, closeService, err := bootstrap.OpenService(appCtx, settings.Config, nil)
			if err != nil {
				return err
			}
			defer closeService()
			rec, err := svc.Recover(appCtx, sk, rk)
			if err != nil {
				return err
			}
			return printJSON(ctx.App.Writer, map[string]interface{}{
				"account":        rec.Account,
				"new_secret_key": rec.SecretKey,
				"recovery_key":   rec.RecoveryKey,
			})
		},
	}
}

func readKeys(in io.Reader) (string, string, error) {
	sc := bufio.NewScanner(in)
	var lines []string
	for len(lines) < 2 && sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return "", "", err
	}
	if len(lines) != 2 {
		return "", "", errors.New("expecting the secret key and the recovery key from stdin")
	}
	return lines[0], lines[1], nil
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
