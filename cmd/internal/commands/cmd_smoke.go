package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"forge/cmd/internal/identity"
	"forge/shared/client"
	v1 "forge/shared/contracts/realtime/v1"
)

const smokeSettle = 750 * time.Millisecond

type SmokeCmd struct {
	flags *Flags
}

// NewSmokeCmd creates a new smoke command
func NewSmokeCmd(flags *Flags) *SmokeCmd {
	return &SmokeCmd{flags: flags}
}

// SmokeOptions configures one smoke run.
type SmokeOptions struct {
	URL     string
	Origin  string
	Conv    string
	Text    string
	TokenA  string
	TokenB  string
	Timeout time.Duration
	Verbose bool
}

// Register adds the smoke command to the application
func (cmd *SmokeCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:      "smoke",
		Usage:     "Run a two-client end-to-end check against a running server",
		UsageText: "forge smoke [--url ws://127.0.0.1:8080/ws] [--conv ID]",
		Description: `Connects two clients and validates:
  - handshake, subprotocol and hello_ack
  - join echo and history reconciliation
  - send -> ack, and fan-out of message_new to the other member
  - history fetch with after_seq
  - idempotent retry by client_msg_id (no second broadcast)

Without tokens the clients identify through X-Forge-User-ID headers, which only
development servers accept.`,
		Action: cmd.run,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "websocket URL", Value: "ws://127.0.0.1:8080/ws", Sources: cli.EnvVars("FORGE_SMOKE_URL")},
			&cli.StringFlag{Name: "origin", Usage: "Origin header (browser-like handshake)", Value: "http://localhost"},
			&cli.StringFlag{Name: "conv", Usage: "conversation id (default: random)"},
			&cli.StringFlag{Name: "text", Usage: "message body", Value: "hello forge"},
			&cli.StringFlag{Name: "token-a", Usage: "bearer token for client A"},
			&cli.StringFlag{Name: "token-b", Usage: "bearer token for client B"},
			&cli.DurationFlag{Name: "timeout", Usage: "per-step timeout", Value: 7 * time.Second},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "verbose output"},
		},
	})

	return root
}

func (cmd *SmokeCmd) run(ctx context.Context, c *cli.Command) error {
	opts := SmokeOptions{
		URL:     c.String("url"),
		Origin:  c.String("origin"),
		Conv:    c.String("conv"),
		Text:    c.String("text"),
		TokenA:  c.String("token-a"),
		TokenB:  c.String("token-b"),
		Timeout: c.Duration("timeout"),
		Verbose: c.Bool("verbose"),
	}

	res, err := RunSmoke(ctx, opts, cmd.flags.out())
	if err != nil {
		return fmt.Errorf("smoke: %w", err)
	}

	_, err = fmt.Fprintf(cmd.flags.out(), "OK: A=%s B=%s conv_id=%s seq=%d message_id=%s\n",
		res.SessionA, res.SessionB, res.Conv, res.Seq, res.MessageID)
	return err
}

// SmokeResult summarizes a successful run.
type SmokeResult struct {
	SessionA  string
	SessionB  string
	Conv      string
	MessageID string
	Seq       int64
}

// RunSmoke performs the end-to-end scenario. Progress lines go to out when Verbose is set.
func RunSmoke(ctx context.Context, opts SmokeOptions, out io.Writer) (SmokeResult, error) {
	if err := validateWSURL(opts.URL); err != nil {
		return SmokeResult{}, fmt.Errorf("invalid --url: %w", err)
	}
	if err := validateOrigin(opts.Origin); err != nil {
		return SmokeResult{}, fmt.Errorf("invalid --origin: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 7 * time.Second
	}
	if strings.TrimSpace(opts.Conv) == "" {
		opts.Conv = "smoke-" + uuid.NewString()[:8]
	}
	if strings.TrimSpace(opts.Text) == "" {
		opts.Text = "hello forge"
	}

	logf := func(format string, args ...any) {
		if opts.Verbose && out != nil {
			_, _ = fmt.Fprintf(out, format+"\n", args...)
		}
	}

	step := func(parent context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(parent, opts.Timeout)
	}

	// Connect both clients concurrently.
	var a, b *client.Client
	{
		sctx, cancel := step(ctx)
		g, gctx := errgroup.WithContext(sctx)
		g.Go(func() (err error) {
			a, err = client.Dial(gctx, smokeDialOptions(opts, "smoke-a", opts.TokenA))
			return err
		})
		g.Go(func() (err error) {
			b, err = client.Dial(gctx, smokeDialOptions(opts, "smoke-b", opts.TokenB))
			return err
		})
		err := g.Wait()
		cancel()
		if err != nil {
			closeClients(a, b)
			return SmokeResult{}, fmt.Errorf("connect: %w", err)
		}
	}
	defer closeClients(a, b)
	logf("connected: A=%s (%s) B=%s (%s)", a.SessionID(), a.UserID(), b.SessionID(), b.UserID())

	sctx, cancel := step(ctx)
	roomA, err := a.OpenRoom(sctx, opts.Conv, 50)
	cancel()
	if err != nil {
		return SmokeResult{}, fmt.Errorf("A join: %w", err)
	}
	sctx, cancel = step(ctx)
	roomB, err := b.OpenRoom(sctx, opts.Conv, 50)
	cancel()
	if err != nil {
		return SmokeResult{}, fmt.Errorf("B join: %w", err)
	}
	baseline := roomB.Timeline().Len()
	logf("joined %s (existing messages: %d)", opts.Conv, baseline)

	clientMsgID := "smoke-" + uuid.NewString()
	sctx, cancel = step(ctx)
	ack, err := a.Send(sctx, v1.MessageSendPayload{ConversationID: opts.Conv, ClientMsgID: clientMsgID, Body: opts.Text})
	cancel()
	if err != nil {
		return SmokeResult{}, fmt.Errorf("send: %w", err)
	}
	if ack.MessageID == "" || ack.Seq <= 0 || ack.CreatedAt.IsZero() {
		return SmokeResult{}, fmt.Errorf("ack incomplete: %+v", ack)
	}
	if ack.ClientMsgID != clientMsgID || ack.Duplicate {
		return SmokeResult{}, fmt.Errorf("ack mismatch: %+v", ack)
	}
	logf("ack: message_id=%s seq=%d", ack.MessageID, ack.Seq)

	if err := waitFor(ctx, opts.Timeout, func() bool { return roomB.Timeline().Has(ack.MessageID) }); err != nil {
		return SmokeResult{}, fmt.Errorf("B never received message_new: %w", err)
	}
	if err := waitFor(ctx, opts.Timeout, func() bool { return roomA.Timeline().Has(ack.MessageID) }); err != nil {
		return SmokeResult{}, fmt.Errorf("A never received its own message_new: %w", err)
	}

	sctx, cancel = step(ctx)
	chunk, err := b.FetchHistory(sctx, opts.Conv, nil, 200)
	cancel()
	if err != nil {
		return SmokeResult{}, fmt.Errorf("history: %w", err)
	}
	if !containsMessage(chunk.Messages, ack.MessageID, opts.Text) && !chunk.HasMore {
		return SmokeResult{}, errors.New("history is missing the sent message")
	}

	after := ack.Seq
	sctx, cancel = step(ctx)
	tail, err := b.FetchHistory(sctx, opts.Conv, &after, 50)
	cancel()
	if err != nil {
		return SmokeResult{}, fmt.Errorf("history after_seq: %w", err)
	}
	for _, m := range tail.Messages {
		if m.Seq <= ack.Seq {
			return SmokeResult{}, fmt.Errorf("history after_seq=%d returned seq=%d", ack.Seq, m.Seq)
		}
	}

	// A retry with the same client_msg_id is acked with the original ids and not rebroadcast.
	lenB := roomB.Timeline().Len()
	sctx, cancel = step(ctx)
	retry, err := a.Send(sctx, v1.MessageSendPayload{ConversationID: opts.Conv, ClientMsgID: clientMsgID, Body: opts.Text})
	cancel()
	if err != nil {
		return SmokeResult{}, fmt.Errorf("retry: %w", err)
	}
	if !retry.Duplicate || retry.MessageID != ack.MessageID || retry.Seq != ack.Seq {
		return SmokeResult{}, fmt.Errorf("dedupe: first=%+v retry=%+v", ack, retry)
	}
	time.Sleep(smokeSettle)
	if got := roomB.Timeline().Len(); got != lenB {
		return SmokeResult{}, fmt.Errorf("dedupe: B timeline grew from %d to %d", lenB, got)
	}

	// Both members converge on the same ordered view.
	msgsA, msgsB := roomA.Messages(), roomB.Messages()
	if len(msgsA) != len(msgsB) {
		return SmokeResult{}, fmt.Errorf("timelines diverged: A=%d B=%d", len(msgsA), len(msgsB))
	}
	for i := range msgsA {
		if msgsA[i].ID != msgsB[i].ID {
			return SmokeResult{}, fmt.Errorf("timelines diverged at %d: %s vs %s", i, msgsA[i].ID, msgsB[i].ID)
		}
	}

	return SmokeResult{
		SessionA:  a.SessionID(),
		SessionB:  b.SessionID(),
		Conv:      opts.Conv,
		MessageID: ack.MessageID,
		Seq:       ack.Seq,
	}, nil
}

func smokeDialOptions(opts SmokeOptions, user, token string) client.Options {
	o := client.Options{URL: opts.URL, Origin: opts.Origin, Token: token}
	if strings.TrimSpace(token) == "" {
		o.Header = http.Header{}
		o.Header.Set(identity.HeaderUserID, user)
	}
	return o
}

func closeClients(cs ...*client.Client) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}

func containsMessage(msgs []v1.Message, id, body string) bool {
	for _, m := range msgs {
		if m.ID == id && m.Body == body && !m.CreatedAt.IsZero() {
			return true
		}
	}
	return false
}

func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return context.DeadlineExceeded
		case <-tick.C:
		}
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}
