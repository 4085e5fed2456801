package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"

	"github.com/rezaa1/rtllia/pkg/auth"
	"github.com/rezaa1/rtllia/pkg/config"
	"github.com/rezaa1/rtllia/pkg/persistence/chatstore"
	"github.com/rezaa1/rtllia/pkg/session"
	"github.com/rezaa1/rtllia/pkg/telephony"
)

// newSessionsCommand seeds and inspects a local session store. In production
// sessions are created and ended by the dashboard API.
func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions in a local SQLite store",
	}
	cmd.PersistentFlags().String(config.FlagConfig, "", "YAML config file")
	cmd.PersistentFlags().String("db", "", "SQLite database file")
	cmd.PersistentFlags().String("jwt-secret", "", "secret used to print a development token")

	cmd.AddCommand(
		newSessionsCreateCommand(),
		newSessionsEndCommand(),
		newSessionsHistoryCommand(),
		newSessionsCallStatusCommand(),
	)
	return cmd
}

func withStore(cmd *cobra.Command, fn func(config.Settings, chatstore.Store) error) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if s.DB == "" {
		return errors.New("--db is required")
	}
	store, err := openStore(s)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() { _ = store.Close() }()
	return fn(s, store)
}

func newSessionsCreateCommand() *cobra.Command {
	var (
		in       session.Session
		userID   string
		tokenTTL time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an active chat session and print a token for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(s config.Settings, store chatstore.Store) error {
				created, err := store.CreateSession(cmd.Context(), in)
				if err != nil {
					return err
				}
				out := map[string]any{"session": created}
				if s.JWTSecret != "" {
					tok, err := auth.IssueToken([]byte(s.JWTSecret), userID, created.OrganizationID, tokenTTL)
					if err != nil {
						return err
					}
					out["token"] = tok
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "session id, generated when empty")
	cmd.Flags().StringVar(&in.OrganizationID, "org", "", "organization id")
	cmd.Flags().StringVar(&in.AgentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&in.ProviderAgentID, "provider-agent", "", "telephony provider agent id")
	cmd.Flags().StringVar(&in.VisitorID, "visitor", "", "visitor id")
	cmd.Flags().StringVar(&userID, "user", "1", "user id placed in the printed token")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "printed token lifetime")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newSessionsEndCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "end <session-id>",
		Short: "Mark a session ended; connected clients are evicted on the next sweep",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && isatty.IsTerminal(os.Stdin.Fd()) {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("End session %s? [y/n]", args[0]))
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			return withStore(cmd, func(_ config.Settings, store chatstore.Store) error {
				if err := store.EndSession(cmd.Context(), args[0], time.Now().UTC()); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "session %s ended\n", args[0])
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func confirm(r io.Reader, w io.Writer, query string) (bool, error) {
	ui := &input.UI{Writer: w, Reader: r}
	answer, err := ui.Ask(query, &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "read confirmation")
	}
	return answer == "y" || answer == "Y", nil
}

func newSessionsHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print a session and its messages in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(_ config.Settings, store chatstore.Store) error {
				sess, ok, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return errors.Wrap(session.ErrSessionNotFound, args[0])
				}
				msgs, err := store.ListMessages(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"session": sess, "messages": msgs})
			})
		},
	}
}

// newSessionsCallStatusCommand looks up a voice call placed by a mode change,
// using the providerCallId stored in the session's call details.
func newSessionsCallStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call-status <call-id>",
		Short: "Print the provider's current state of a voice call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if s.RetellAPIKey == "" {
				return errors.New("--retell-api-key is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), s.TelephonyTimeout)
			defer cancel()
			call, err := telephony.NewRetell(
				telephony.WithAPIKey(s.RetellAPIKey),
				telephony.WithBaseURL(s.RetellBaseURL),
			).GetCall(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), call)
		},
	}
	cmd.Flags().String("retell-api-key", "", "Retell API key")
	cmd.Flags().String("retell-base-url", "", "Retell API base URL")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
