package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/codefionn/agentlink/internal/logger"
	"github.com/codefionn/agentlink/internal/session"
	"github.com/codefionn/agentlink/internal/turns"
)

var errQuitRequested = errors.New("quit requested")

func main() {
	if err := run(); err != nil {
		if errors.Is(err, flag.ErrHelp) || errors.Is(err, errQuitRequested) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	fs := flag.NewFlagSet("agentlink", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		endpointURL string
		logLevel    string
		logPath     string
		noReconnect bool
		model       string
		effort      string
	)
	fs.StringVar(&endpointURL, "url", "", "App server endpoint (ws:// or wss://)")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&logPath, "log-file", "", "Log file path (logging disabled when empty)")
	fs.BoolVar(&noReconnect, "no-reconnect", false, "Disable automatic reconnection")
	fs.StringVar(&model, "model", "", "Preferred model id")
	fs.StringVar(&effort, "effort", "", "Preferred reasoning effort (low, medium, high)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s -url wss://host:port [options]\n\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}

	if parseErr := fs.Parse(os.Args[1:]); parseErr != nil {
		return parseErr
	}
	if endpointURL == "" {
		fs.Usage()
		return fmt.Errorf("-url is required")
	}

	// Environment overrides for logging, same precedence as the flags.
	if envLevel := strings.TrimSpace(os.Getenv("AGENTLINK_LOG_LEVEL")); envLevel != "" {
		logLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("AGENTLINK_LOG_PATH")); envPath != "" {
		logPath = envPath
	}

	if initErr := logger.Init(logger.ParseLevel(logLevel), logPath); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	logger.Info("agentlink starting")

	cfg := session.DefaultConfig()
	cfg.ReconnectEnabled = !noReconnect
	s := session.New(cfg)
	defer s.Disconnect()

	ctx := context.Background()
	if err := s.Connect(ctx, endpointURL); err != nil {
		return err
	}

	snap := s.Snapshot()
	fmt.Printf("Connected to %s (server %s, auth %s)\n",
		snap.Endpoint, snap.Diagnostics.RemoteVersion, snap.Diagnostics.AuthStatus)

	threadID, err := s.StartThread(ctx)
	if err != nil {
		return fmt.Errorf("failed to start thread: %w", err)
	}

	token := s.SubscribeCompletion(func(ev turns.CompletionEvent) {
		fmt.Printf("\n[%s] %s\n> ", ev.Status, ev.Preview)
	})
	defer s.UnsubscribeCompletion(token)

	opts := session.TurnOptions{Model: model, Effort: effort}
	return inputLoop(ctx, s, threadID, opts)
}

// inputLoop reads user input until EOF or /quit. Lines starting with a
// slash are client commands; everything else starts a turn.
func inputLoop(ctx context.Context, s *session.Session, threadID string, opts session.TurnOptions) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}

		var err error
		if strings.HasPrefix(line, "/") {
			err = handleCommand(ctx, s, threadID, line)
			if errors.Is(err, errQuitRequested) {
				return nil
			}
		} else {
			s.AppendLocalEcho(threadID, line+"\n")
			_, err = s.StartTurn(ctx, threadID, line, opts)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

func handleCommand(ctx context.Context, s *session.Session, threadID, line string) error {
	parts := strings.Fields(line)
	switch parts[0] {
	case "/quit", "/exit":
		return errQuitRequested

	case "/threads":
		threads, err := s.ListThreads(ctx)
		if err != nil {
			return err
		}
		for _, th := range threads {
			marker := " "
			if th.Archived {
				marker = "a"
			}
			fmt.Printf("%s %s  %s\n", marker, th.ID, th.Title)
		}
		return nil

	case "/models":
		for _, m := range s.Models() {
			def := ""
			if m.IsDefault {
				def = " (default)"
			}
			fmt.Printf("%s  %s%s\n", m.ID, m.DisplayName, def)
		}
		return nil

	case "/commands":
		for _, c := range s.Commands() {
			fmt.Printf("%s  %s\n", c.Name, c.Description)
		}
		return nil

	case "/approvals":
		for _, a := range s.Approvals() {
			fmt.Printf("#%d %s: %s\n", a.ID, a.Kind, a.Command)
		}
		return nil

	case "/approve", "/deny":
		if len(parts) < 2 {
			return fmt.Errorf("usage: %s <id>", parts[0])
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid approval id %q", parts[1])
		}
		return s.ApproveCommand(id, parts[0] == "/approve")

	case "/interrupt":
		return s.InterruptTurn(ctx, threadID)

	case "/review":
		target := ""
		if len(parts) > 1 {
			target = parts[1]
		}
		_, err := s.StartReview(ctx, threadID, target)
		return err

	case "/refresh":
		return s.RefreshCatalogs(ctx)

	case "/status":
		snap := s.Snapshot()
		fmt.Printf("state: %s, server %s, model %s, ping %s\n",
			snap.State, snap.Diagnostics.RemoteVersion,
			snap.Diagnostics.CurrentModel, snap.Diagnostics.LastPingRTT)
		if snap.ContextUsage != nil {
			fmt.Printf("context: %d/%d tokens used\n",
				snap.ContextUsage.UsedTokens, snap.ContextUsage.MaxTokens)
		}
		for _, rl := range snap.RateLimits {
			fmt.Printf("rate limit %s: %.0f%% used\n", rl.Name, rl.UsedPercent)
		}
		return nil

	case "/clear":
		s.ClearTranscript(threadID)
		return nil

	default:
		return fmt.Errorf("unknown command %s", parts[0])
	}
}
