package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rezaa1/rtllia/pkg/auth"
	"github.com/rezaa1/rtllia/pkg/config"
	"github.com/rezaa1/rtllia/pkg/eventbus"
	"github.com/rezaa1/rtllia/pkg/gateway"
	"github.com/rezaa1/rtllia/pkg/persistence/chatstore"
	"github.com/rezaa1/rtllia/pkg/responder"
	"github.com/rezaa1/rtllia/pkg/session"
	"github.com/rezaa1/rtllia/pkg/telephony"
)

func newServeCommand() *cobra.Command {
	var logEvents bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, s, logEvents)
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().BoolVar(&logEvents, "log-events", false, "log every gateway event from the in-process bus")
	return cmd
}

// loadSettings resolves settings for a command that registered config flags.
func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	path, _ := cmd.Flags().GetString(config.FlagConfig)
	s, err := config.Load(config.Source{ConfigFile: path, DotEnv: []string{".env"}})
	if err != nil {
		return s, err
	}
	if err := config.ApplyFlags(cmd.Flags(), &s); err != nil {
		return s, err
	}
	return s, nil
}

func openStore(s config.Settings) (chatstore.Store, error) {
	if s.DB == "" {
		log.Warn().Msg("no --db given, sessions are kept in memory")
		return chatstore.NewInMemoryStore(0), nil
	}
	dsn, err := chatstore.SQLiteDSNForFile(s.DB)
	if err != nil {
		return nil, err
	}
	store, err := chatstore.NewSQLiteStore(dsn)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newResponder(s config.Settings) session.Responder {
	prompt := s.SystemPrompt
	if prompt == "" {
		prompt = responder.DefaultSystemPrompt
	}
	if s.Responder == config.ResponderOpenAI {
		return responder.NewOpenAI(
			responder.WithAPIKey(s.OpenAIAPIKey),
			responder.WithBaseURL(s.OpenAIBaseURL),
			responder.WithModel(s.OpenAIModel),
			responder.WithSystemPrompt(prompt),
		)
	}
	return responder.NewSimulated(s.OpenAIModel, prompt, responder.NewTokenCounter())
}

func newTelephony(s config.Settings) session.Telephony {
	if s.Telephony == config.TelephonyRetell {
		return telephony.NewRetell(
			telephony.WithAPIKey(s.RetellAPIKey),
			telephony.WithBaseURL(s.RetellBaseURL),
		)
	}
	return telephony.NewSimulated()
}

func serve(ctx context.Context, s config.Settings, logEvents bool) error {
	if err := s.Validate(); err != nil {
		return err
	}
	orgNumbers, err := s.OrgNumbers()
	if err != nil {
		return err
	}

	store, err := openStore(s)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() { _ = store.Close() }()

	authn, err := auth.NewAuthenticator(store, auth.Options{
		Secret:  []byte(s.JWTSecret),
		Leeway:  s.JWTLeeway,
		Timeout: s.AuthTimeout,
	})
	if err != nil {
		return err
	}

	busSettings := eventbus.Settings{
		RedisEnabled: s.RedisEnabled,
		RedisAddr:    s.RedisAddr,
		Topic:        s.RedisStream,
	}
	if logEvents && s.RedisEnabled {
		busSettings.ConsumerGroup = "rtllia-log"
		busSettings.Consumer = "serve"
	}
	bus, err := eventbus.New(busSettings)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()
	if logEvents {
		if err := followEvents(ctx, bus, busSettings.ConsumerGroup); err != nil {
			return err
		}
	}

	srv, err := gateway.NewServer(gateway.Dependencies{
		Authenticator: authn,
		Sessions:      store,
		Messages:      store,
		Responder:     newResponder(s),
		Telephony:     newTelephony(s),
		Publisher:     bus,
	},
		gateway.WithAddr(s.Addr),
		gateway.WithPath(s.WSPath),
		gateway.WithAllowedOrigins(s.AllowedOrigins...),
		gateway.WithHeartbeatInterval(s.HeartbeatInterval),
		gateway.WithConnLimits(s.SendBuffer, s.MaxInflightPerConn, s.WriteTimeout, s.ReadLimit),
		gateway.WithTimeouts(s.ResponderTimeout, s.TelephonyTimeout, s.StoreTimeout),
		gateway.WithHistoryLimit(s.HistoryLimit),
		gateway.WithFromNumbers(s.TelephonyFromNumber, orgNumbers),
		gateway.WithShutdownTimeout(s.ShutdownTimeout),
	)
	if err != nil {
		return err
	}

	log.Info().
		Str("addr", s.Addr).
		Str("path", s.WSPath).
		Str("responder", s.Responder).
		Str("telephony", s.Telephony).
		Bool("redis", s.RedisEnabled).
		Msg("gateway configured")
	return srv.Run(ctx)
}

func followEvents(ctx context.Context, bus *eventbus.Bus, group string) error {
	if group != "" {
		if err := bus.EnsureGroupAtTail(ctx, group); err != nil {
			return err
		}
	}
	events, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for ev := range events {
			log.Info().
				Str("component", "events").
				Str("kind", string(ev.Kind)).
				Str("session_id", ev.SessionID).
				Str("connection_id", ev.ConnectionID).
				Msg("gateway event")
		}
	}()
	return nil
}
