package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"forge/cmd/internal/identity"
)

type TokenCmd struct {
	flags *Flags
}

// NewTokenCmd creates a new token command
func NewTokenCmd(flags *Flags) *TokenCmd {
	return &TokenCmd{flags: flags}
}

// Register adds the token command to the application
func (cmd *TokenCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:      "token",
		Usage:     "Mint a bearer token for a user",
		UsageText: "forge token --user ID [--name NAME] [--ttl 24h]",
		Description: `Signs an HS256 token with FORGE_JWT_SECRET. Clients pass it as
"Authorization: Bearer <token>" or as ?access_token=<token> on the websocket URL.`,
		Action: cmd.run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "user id (token subject)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "display name",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "token lifetime",
				Value: 24 * time.Hour,
			},
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "signing secret (>= 32 bytes)",
				Sources: cli.EnvVars("FORGE_JWT_SECRET"),
			},
			&cli.StringFlag{
				Name:    "issuer",
				Usage:   "token issuer",
				Sources: cli.EnvVars("FORGE_JWT_ISSUER"),
			},
		},
	})

	return root
}

func (cmd *TokenCmd) run(_ context.Context, c *cli.Command) error {
	secret := c.String("secret")
	if secret == "" {
		return errors.New("missing signing secret: set FORGE_JWT_SECRET or --secret")
	}

	var opts []identity.JWTOption
	if iss := c.String("issuer"); iss != "" {
		opts = append(opts, identity.WithIssuer(iss))
	}

	res, err := identity.NewJWTResolver([]byte(secret), opts...)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}

	tok, err := res.Issue(c.String("user"), c.String("name"), c.Duration("ttl"))
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}

	_, err = fmt.Fprintln(cmd.flags.out(), tok)
	return err
}
