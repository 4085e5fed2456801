package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rezaa1/rtllia/pkg/client"
)

func newConnectCommand() *cobra.Command {
	var (
		rawURL    string
		sessionID string
		token     string
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open an interactive, auto-reconnecting session",
		Long: "Prints every gateway event. Each input line is sent as a chat message; " +
			"'/voice <number>' requests a voice call and '/quit' exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := buildURL(rawURL, sessionID, token)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return connect(ctx, target, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&rawURL, "url", "ws://localhost:8080/chat", "gateway WebSocket URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	return cmd
}

func buildURL(raw, sessionID, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "parse url")
	}
	q := u.Query()
	if sessionID != "" {
		q.Set("sessionId", sessionID)
	}
	if token != "" {
		q.Set("token", token)
	}
	if q.Get("sessionId") == "" || q.Get("token") == "" {
		return "", errors.New("a session id and a token are required")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// inputFrame turns one REPL line into the frame to send, or nil.
func inputFrame(line string) map[string]any {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if line == "/voice" || strings.HasPrefix(line, "/voice ") {
		number := strings.TrimSpace(strings.TrimPrefix(line, "/voice"))
		return map[string]any{"type": "mode:change", "mode": "voice", "phoneNumber": number}
	}
	if line == "/ping" {
		return map[string]any{"type": "ping"}
	}
	return map[string]any{"type": "message:send", "content": line}
}

func connect(ctx context.Context, target string, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := client.New(client.Options{
		URL: target,
		OnOpen: func() {
			_, _ = fmt.Fprintln(out, "* connected")
		},
		OnClose: func(code int, reason string) {
			_, _ = fmt.Fprintf(out, "* disconnected (%d %s)\n", code, reason)
		},
		OnEvent: func(ev client.Event) {
			_, _ = fmt.Fprintln(out, formatEvent(ev))
		},
	})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case err := <-done:
			return err
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				_ = c.Close()
				cancel()
				return <-done
			}
			frame := inputFrame(line)
			if frame == nil {
				continue
			}
			if err := c.Send(frame); err != nil {
				log.Warn().Err(err).Msg("message not sent")
			}
		}
	}
}

func formatEvent(ev client.Event) string {
	var body map[string]any
	if err := json.Unmarshal(ev.Raw, &body); err != nil {
		return string(ev.Raw)
	}
	switch ev.Type {
	case "message:received":
		if m, ok := body["message"].(map[string]any); ok {
			return fmt.Sprintf("[%v] %v", m["senderType"], m["content"])
		}
	case "error":
		return fmt.Sprintf("! %v", body["error"])
	}
	return fmt.Sprintf("<%s> %s", ev.Type, string(ev.Raw))
}
