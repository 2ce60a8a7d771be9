package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"forge/cmd/internal/commands"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}

	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

func main() {
	flags := &commands.Flags{}

	app := &cli.Command{
		Name:      "forge",
		Usage:     "Realtime chat server for Forge",
		UsageText: "forge [global options] command [command options]",
		Description: `forge serves the realtime chat transport: a websocket gateway that fans
persisted messages out to every member of a conversation, plus a history API.

Run 'forge serve' to start the server, 'forge token' to mint a dev token and
'forge smoke' to check a running server end to end.`,
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("FORGE_LOG_LEVEL"),
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format (json, pretty)",
				Sources:     cli.EnvVars("FORGE_LOG_FORMAT"),
				Destination: &flags.LogFormat,
			},
		},
	}

	app = commands.NewServeCmd(flags).Register(app)
	app = commands.NewTokenCmd(flags).Register(app)
	app = commands.NewSmokeCmd(flags).Register(app)

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "forge: %v\n", err)
		os.Exit(1)
	}
}
