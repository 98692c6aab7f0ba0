package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-live/pkg/live/client"
	"github.com/vango-go/vai-live/pkg/live/config"
	"github.com/vango-go/vai-live/pkg/live/conversation"
	"github.com/vango-go/vai-live/pkg/live/credential"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/session"
	"github.com/vango-go/vai-live/pkg/live/tools"
	"github.com/vango-go/vai-live/pkg/live/transport"
)

const currentTimeTool = "get_current_time"

type cliFlags struct {
	SessionKey string
	Tools      bool
}

func parseFlags(args []string) (cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet("vai-live", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.SessionKey, "session", "", "conversation key for resumption handles (random when empty)")
	fs.BoolVar(&f.Tools, "tools", true, "declare and answer the get_current_time tool")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return f, nil
}

// buildOptions wires configuration into session options. The returned
// closer releases the handle store.
func buildOptions(ctx context.Context, cfg config.Config, f cliFlags, logger *slog.Logger) (client.Options, func(), error) {
	opts := client.Options{
		Setup:              cfg.Setup(),
		Transport:          cfg.Transport(),
		SessionKey:         f.SessionKey,
		Compression:        cfg.Compression(),
		GoAwayLead:         cfg.GoAwayLead,
		MaxSessionDuration: cfg.MaxSessionDuration,
		SessionWarnLead:    cfg.SessionWarnLead,
		SetupTimeout:       cfg.ConnectTimeout,
		Logger:             logger,
	}
	closer := func() {}

	if cfg.RedisURL != "" {
		store, err := session.NewRedisStoreFromURL(cfg.RedisURL)
		if err != nil {
			return client.Options{}, nil, fmt.Errorf("redis store: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return client.Options{}, nil, fmt.Errorf("redis store: %w", err)
		}
		opts.Store = store
		closer = func() { _ = store.Close() }
	}

	switch cfg.AuthMode {
	case config.AuthModeEphemeral:
		issuer, err := credential.NewGenAIIssuer(ctx, cfg.APIKey)
		if err != nil {
			closer()
			return client.Options{}, nil, err
		}
		opts.Issuer = issuer
		opts.Constraints = cfg.Constraints()
		opts.RefreshLead = cfg.TokenRefreshLead
		opts.EndpointFor = func(c credential.Credential) (transport.Endpoint, error) {
			return cfg.EphemeralEndpoint(c.Name)
		}
	default:
		opts.Resolver = func(context.Context) (transport.Endpoint, error) {
			return cfg.APIKeyEndpoint()
		}
	}

	if f.Tools {
		d := tools.NewDispatcher(tools.Options{Logger: logger})
		if err := d.Register(currentTimeTool, currentTime); err != nil {
			closer()
			return client.Options{}, nil, err
		}
		opts.Tools = d
		opts.Setup.Tools = []protocol.Tool{{FunctionDeclarations: []protocol.FunctionDeclaration{{
			Name:        currentTimeTool,
			Description: "Returns the current time, optionally in an IANA time zone.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"time_zone": map[string]any{"type": "string", "description": "IANA zone such as Europe/Paris"},
				},
			},
		}}}}
	}
	return opts, closer, nil
}

func currentTime(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		TimeZone string `json:"time_zone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
	}
	loc := time.Local
	if in.TimeZone != "" {
		l, err := time.LoadLocation(in.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("unknown time zone %q", in.TimeZone)
		}
		loc = l
	}
	now := time.Now().In(loc)
	return map[string]any{"time": now.Format(time.RFC3339), "time_zone": loc.String()}, nil
}

// renderEvent prints one event. Model text goes to out, everything else to
// errOut so the transcript stays clean.
func renderEvent(out, errOut io.Writer, ev client.Event) {
	switch e := ev.(type) {
	case client.StatusEvent:
		switch {
		case e.Status == transport.StatusDisconnected && e.Attempt > 0:
			fmt.Fprintf(errOut, "[status] disconnected; retry %d in %s\n", e.Attempt, e.Delay)
		case e.Err != nil:
			fmt.Fprintf(errOut, "[status] %s: %v\n", e.Status, e.Err)
		default:
			fmt.Fprintf(errOut, "[status] %s\n", e.Status)
		}
	case client.ContentEvent:
		if e.Text != "" {
			fmt.Fprint(out, e.Text)
		}
	case client.TranscriptionEvent:
		if e.Source == client.TranscriptionOutput {
			fmt.Fprint(out, e.Text)
		}
	case client.TurnCompleteEvent:
		if e.Turn.Status == conversation.TurnInterrupted {
			fmt.Fprintln(out, " [interrupted]")
			return
		}
		fmt.Fprintln(out)
	case client.ToolCallEvent:
		for _, c := range e.Calls {
			fmt.Fprintf(errOut, "[tool] %s\n", c.Name)
		}
		if len(e.CancelledIDs) > 0 {
			fmt.Fprintf(errOut, "[tool] cancelled %s\n", strings.Join(e.CancelledIDs, ", "))
		}
	case client.GoAwayEvent:
		if e.Cleanup {
			fmt.Fprintln(errOut, "[session] server closing the connection; will resume")
			return
		}
		fmt.Fprintf(errOut, "[session] server closing in %s\n", e.TimeLeft)
	case client.SessionExpiringEvent:
		fmt.Fprintf(errOut, "[session] %s left of the session limit\n", e.Remaining)
	case client.CredentialEvent:
		if e.Err != nil {
			fmt.Fprintf(errOut, "[credential] refresh failed: %v\n", e.Err)
		}
	case client.ErrorEvent:
		fmt.Fprintf(errOut, "[error] %v\n", e.Err)
	}
}

func handleCommand(ctx context.Context, line string, s *client.Session, out, errOut io.Writer) (quit bool) {
	switch line {
	case "/quit", "/exit":
		fmt.Fprintln(out, "bye")
		return true
	case "/interrupt":
		if err := s.Interrupt(); err != nil {
			fmt.Fprintf(errOut, "interrupt: %v\n", err)
		}
	case "/status":
		h, ok := s.Handle()
		fmt.Fprintf(out, "status=%s state=%s resumable=%v handle_age=%s\n", s.Status(), s.State(), ok, handleAge(h, ok))
	case "/reset":
		if err := s.Reset(ctx); err != nil {
			fmt.Fprintf(errOut, "reset: %v\n", err)
		}
		if err := s.Connect(ctx); err != nil {
			fmt.Fprintf(errOut, "connect: %v\n", err)
		}
	default:
		if _, err := s.SendText(line); err != nil {
			fmt.Fprintf(errOut, "send: %v\n", err)
		}
	}
	return false
}

func handleAge(h session.Handle, ok bool) string {
	if !ok {
		return "-"
	}
	return time.Since(h.LastUpdated).Round(time.Second).String()
}

func runLive(ctx context.Context, s *client.Session, in io.Reader, out, errOut io.Writer) error {
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			renderEvent(out, errOut, ev)
		}
	}()

	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Fprintln(errOut, "Connected. Type to talk; /interrupt, /status, /reset, /quit.")

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if handleCommand(ctx, line, s, out, errOut) {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	s.Close()
	<-printed
	return nil
}

func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	if err := loadDotEnv(".env"); err != nil {
		return err
	}
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	opts, closeStore, err := buildOptions(ctx, cfg, f, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	s, err := client.New(opts)
	if err != nil {
		return err
	}
	defer s.Close()
	return runLive(ctx, s, in, out, errOut)
}

// loadDotEnv loads path if it exists. Variables already set win.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "vai-live: %v\n", err)
		os.Exit(1)
	}
}
