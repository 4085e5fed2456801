package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rezaa1/rtllia/pkg/session"
)

const (
	defaultAddr            = ":8080"
	defaultPath            = "/chat"
	defaultShutdownTimeout = 30 * time.Second
)

// Dependencies are the collaborators the gateway does not own.
type Dependencies struct {
	Authenticator Authenticator
	Sessions      session.SessionStore
	Messages      session.MessageStore
	Responder     session.Responder
	Telephony     session.Telephony
	// Publisher is optional.
	Publisher session.EventPublisher
}

type serverConfig struct {
	addr               string
	path               string
	allowedOrigins     []string
	heartbeatInterval  time.Duration
	writeTimeout       time.Duration
	readLimit          int64
	sendBuffer         int
	maxInflightPerConn int64
	responderTimeout   time.Duration
	telephonyTimeout   time.Duration
	storeTimeout       time.Duration
	historyLimit       int
	fromNumber         string
	orgNumbers         map[string]string
	shutdownTimeout    time.Duration
}

// Server drives the gateway's HTTP server, liveness supervisor and in-flight
// work. It owns exactly one Registry.
type Server struct {
	cfg           serverConfig
	authenticator Authenticator
	publisher     session.EventPublisher

	registry     *Registry
	tracker      *WorkTracker
	supervisor   *LivenessSupervisor
	orchestrator *MessageOrchestrator
	modes        *ModeMachine
	router       *Router

	mux     *http.ServeMux
	httpSrv *http.Server
}

func NewServer(deps Dependencies, opts ...ServerOption) (*Server, error) {
	if deps.Authenticator == nil {
		return nil, errors.New("gateway: authenticator is nil")
	}
	s := &Server{
		cfg: serverConfig{
			addr:              defaultAddr,
			path:              defaultPath,
			heartbeatInterval: defaultHeartbeatInterval,
			writeTimeout:      defaultWriteTimeout,
			readLimit:         defaultReadLimit,
			sendBuffer:        defaultSendBuffer,
			shutdownTimeout:   defaultShutdownTimeout,
		},
		authenticator: deps.Authenticator,
		publisher:     deps.Publisher,
		registry:      NewRegistry(),
		tracker:       NewWorkTracker(context.Background()),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "apply server option")
		}
	}

	var err error
	s.orchestrator, err = NewMessageOrchestrator(OrchestratorConfig{
		Sessions:         deps.Sessions,
		Messages:         deps.Messages,
		Responder:        deps.Responder,
		Registry:         s.registry,
		Publisher:        deps.Publisher,
		ResponderTimeout: s.cfg.responderTimeout,
		StoreTimeout:     s.cfg.storeTimeout,
		HistoryLimit:     s.cfg.historyLimit,
	})
	if err != nil {
		return nil, err
	}
	s.modes, err = NewModeMachine(ModeMachineConfig{
		Sessions:         deps.Sessions,
		Messages:         deps.Messages,
		Telephony:        deps.Telephony,
		Registry:         s.registry,
		Publisher:        deps.Publisher,
		FromNumber:       s.cfg.fromNumber,
		OrgNumbers:       s.cfg.orgNumbers,
		TelephonyTimeout: s.cfg.telephonyTimeout,
		StoreTimeout:     s.cfg.storeTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.router, err = NewRouter(s.registry, s.orchestrator, s.modes, s.tracker)
	if err != nil {
		return nil, err
	}
	s.supervisor = NewLivenessSupervisor(s.registry, deps.Sessions, s.cfg.heartbeatInterval, s.cfg.storeTimeout)

	s.mux = http.NewServeMux()
	s.mux.HandleFunc(s.cfg.path, s.NewWSHandler())
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.httpSrv = &http.Server{
		Addr:              s.cfg.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Supervisor() *LivenessSupervisor { return s.supervisor }

func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is canceled, then drains in-flight work and closes
// every connection with 1001.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error { return s.supervisor.Run(srvCtx) })

	eg.Go(func() error {
		<-srvCtx.Done()
		log.Info().Str("component", "gateway").Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		log.Info().Str("component", "gateway").Str("addr", s.httpSrv.Addr).Str("path", s.cfg.path).Msg("starting gateway")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}

// Shutdown stops accepting connections, waits for in-flight work within ctx
// and then closes every registered connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
		firstErr = err
	}
	s.tracker.Close()
	if err := s.tracker.Wait(ctx); err != nil {
		log.Warn().Err(err).Int64("inflight", s.tracker.Inflight()).Msg("in-flight work did not finish")
	}
	s.registry.CloseAll(websocket.CloseGoingAway, "Server shutting down")
	log.Info().Str("component", "gateway").Msg("server shutdown complete")
	return firstErr
}
