package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/logging"
	"chatsync/internal/media"
	"chatsync/internal/msgstore"
	"chatsync/internal/transport"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	ConfigPath string
	ServerURL  string
	LogLevel   string
	Username   string
	Password   string
	// MetricsAddr serves the engine's metrics while the command runs.
	MetricsAddr string
}

func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.ServerURL != "" {
		cfg.ServerURL = o.ServerURL
		cfg.PushURL = config.PushURLFor(o.ServerURL)
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if err := cfg.ValidateClient(); err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func (o *rootOptions) credentials() (string, string, error) {
	user, pass := o.Username, o.Password
	if user == "" {
		user = os.Getenv("CHATSYNC_USER")
	}
	if pass == "" {
		pass = os.Getenv("CHATSYNC_PASSWORD")
	}
	if user == "" || pass == "" {
		return "", "", errors.New("--user and --password (or CHATSYNC_USER/CHATSYNC_PASSWORD) are required")
	}
	return user, pass, nil
}

// session is a logged in engine running against the configured server.
type session struct {
	log     *zap.Logger
	store   *msgstore.Client
	engine  *chat.Engine
	media   *media.Resolver
	token   string
	metrics *http.Server
	cancel  context.CancelFunc
	done    chan error
}

func openSession(ctx context.Context, o *rootOptions) (*session, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, err
	}
	user, pass, err := o.credentials()
	if err != nil {
		return nil, err
	}

	store := msgstore.New(cfg.ServerURL, "", logger.Named("store"))
	login, err := store.Login(ctx, user, pass)
	if err != nil {
		return nil, fmt.Errorf("login as %s: %w", user, err)
	}
	store = store.WithToken(login.AccessToken)

	resolver, err := media.NewResolver(cfg.MediaBaseURL)
	if err != nil {
		return nil, fmt.Errorf("media base url: %w", err)
	}

	registry := prometheus.NewRegistry()
	engine := chat.NewEngine(chat.Options{
		SelfID:            login.ID,
		Transport:         transport.NewWebsocket(cfg.PushURL, logger.Named("push")),
		Backend:           store,
		Logger:            logger.Named("engine"),
		Metrics:           chat.NewMetrics(registry),
		PendingTimeout:    cfg.PendingTimeout,
		ReconcileInterval: cfg.ReconcileInterval,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		log:    logger,
		store:  store,
		engine: engine,
		media:  resolver,
		token:  login.AccessToken,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { s.done <- engine.Run(runCtx) }()

	if o.MetricsAddr != "" {
		s.serveMetrics(o.MetricsAddr, registry)
	}
	return s, nil
}

func metricsMux(reg prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func (s *session) serveMetrics(addr string, reg prometheus.Gatherer) {
	s.metrics = &http.Server{Addr: addr, Handler: metricsMux(reg)}
	go func() {
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	s.log.Info("serving metrics", zap.String("addr", addr))
}

// connect opens the push channel. Commands that only read history skip it.
func (s *session) connect(ctx context.Context) error {
	return s.engine.Connect(ctx, s.token)
}

func (s *session) Close() {
	s.engine.Disconnect()
	s.cancel()
	<-s.done
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.metrics.Shutdown(ctx)
		cancel()
	}
	s.log.Sync()
}
