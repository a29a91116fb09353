package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/nexxi/pkg/client"
)

const chatHelp = `Commands:
  /clear    forget this conversation
  /history  show the stored turns
  /new      start a new session
  /quit     exit`

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running nexxi service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, _ := cmd.Flags().GetString("url")
			apiKey, _ := cmd.Flags().GetString("api-key")
			sessionID, _ := cmd.Flags().GetString("session")
			if apiKey == "" {
				apiKey = os.Getenv("NEXXI_API_KEY")
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
			c := client.New(client.Config{BaseURL: url, APIKey: apiKey})
			r := newREPL(c, cmd.OutOrStdout(), logger)
			r.sessionID = sessionID
			return r.run(cmd.Context())
		},
	}
	cmd.Flags().String("url", envOr("NEXXI_URL", "http://localhost:8000"), "service base URL")
	cmd.Flags().String("api-key", "", "API key (defaults to $NEXXI_API_KEY)")
	cmd.Flags().String("session", "", "resume an existing session")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type repl struct {
	client    *client.Client
	delivery  *client.Resilient
	out       io.Writer
	sessionID string
}

func newREPL(c *client.Client, out io.Writer, logger *slog.Logger) *repl {
	r := &repl{client: c, out: out}
	r.delivery = client.NewResilient(c, logger)
	r.delivery.OnReset = func(string) {
		fmt.Fprintln(r.out, "\n[connection interrupted, retrying]")
	}
	return r
}

func (r *repl) run(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Fprintln(r.out, "Connected. Type /help for commands.")
	for {
		input, err := line.Prompt("you> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}

		// Ctrl-C while a reply streams cancels that turn only.
		turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		quit := r.handle(turnCtx, input)
		stop()
		if quit {
			return nil
		}
	}
}

// handle runs one line of input and reports whether the session should end.
func (r *repl) handle(ctx context.Context, input string) bool {
	input = strings.TrimSpace(input)
	switch input {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
		return false
	case "/new":
		r.sessionID = ""
		fmt.Fprintln(r.out, "Started a new session.")
		return false
	case "/clear":
		r.clear(ctx)
		return false
	case "/history":
		r.history(ctx)
		return false
	}

	fmt.Fprint(r.out, "nexxi> ")
	reply, err := r.delivery.Send(ctx, client.Request{SessionID: r.sessionID, Message: input}, func(delta string) {
		fmt.Fprint(r.out, delta)
	})
	fmt.Fprintln(r.out)
	if err != nil {
		r.printError(err)
		return false
	}
	r.sessionID = reply.SessionID
	if reply.Degraded {
		fmt.Fprintln(r.out, "[warning: this reply was not saved to the conversation]")
	}
	return false
}

func (r *repl) clear(ctx context.Context) {
	if r.sessionID == "" {
		fmt.Fprintln(r.out, "Nothing to clear.")
		return
	}
	if err := r.client.Clear(ctx, r.sessionID); err != nil {
		r.printError(err)
		return
	}
	fmt.Fprintln(r.out, "Conversation cleared.")
}

func (r *repl) history(ctx context.Context) {
	if r.sessionID == "" {
		fmt.Fprintln(r.out, "No conversation yet.")
		return
	}
	h, err := r.client.History(ctx, r.sessionID)
	if err != nil {
		r.printError(err)
		return
	}
	for _, t := range h.Turns {
		if t.Role == "system" {
			continue
		}
		fmt.Fprintf(r.out, "%-9s %s\n", t.Role+":", t.Content)
	}
	fmt.Fprintf(r.out, "(%d exchanges)\n", h.TurnCount)
}

func (r *repl) printError(err error) {
	var apiErr *client.APIError
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(r.out, "[cancelled]")
	case errors.As(err, &apiErr) && apiErr.RetryAfter > 0:
		fmt.Fprintf(r.out, "[%s] %s (retry in %ds)\n", apiErr.Code, apiErr.Detail, apiErr.RetryAfter)
	case errors.As(err, &apiErr):
		fmt.Fprintf(r.out, "[%s] %s\n", apiErr.Code, apiErr.Detail)
	default:
		fmt.Fprintf(r.out, "[error] %v\n", err)
	}
}
