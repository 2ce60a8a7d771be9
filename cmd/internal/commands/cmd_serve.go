package commands

import (
	"context"
	"strings"

	"github.com/urfave/cli/v3"

	"forge/cmd/internal/app"
)

type ServeCmd struct {
	flags *Flags
}

// NewServeCmd creates a new serve command
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application
func (cmd *ServeCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the realtime chat server",
		UsageText: "forge serve [--addr host:port] [--store memory|postgres|sqlite|redis]",
		Description: `Starts the HTTP server with the websocket gateway on /ws, the history API on
/v1/conversations/{id}/messages, and /healthz, /readyz, /metrics.

All settings come from FORGE_* environment variables (a .env file is loaded outside
production). Flags given here override the environment.`,
		Action: cmd.run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address (overrides FORGE_HTTP_ADDR)",
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "message store backend (overrides FORGE_STORE)",
			},
		},
	})

	return root
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := app.LoadConfig()

	if v := strings.TrimSpace(c.String("addr")); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(c.String("store")); v != "" {
		cfg.Store = strings.ToLower(v)
	}
	if cmd.flags.LogLevel != "" {
		cfg.LogLevel = cmd.flags.LogLevel
	}
	if cmd.flags.LogFormat != "" {
		cfg.LogFormat = cmd.flags.LogFormat
	}

	return app.Run(ctx, cfg)
}
