// ABOUTME: Gateway orchestrator that wires the store, presence, routing and transfer services
// ABOUTME: Runs the admin HTTP API, the gRPC health service and the sweep/reconcile loops

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/handoff-gateway/internal/api"
	"github.com/2389/handoff-gateway/internal/assignment"
	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/config"
	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/detect"
	"github.com/2389/handoff-gateway/internal/lock"
	"github.com/2389/handoff-gateway/internal/metrics"
	"github.com/2389/handoff-gateway/internal/notify"
	"github.com/2389/handoff-gateway/internal/policy"
	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/store"
	"github.com/2389/handoff-gateway/internal/transfer"
)

// Gateway owns every long-lived component of one handoff-gateway process.
type Gateway struct {
	config      *config.Config
	version     string
	store       store.Store
	tracker     *presence.Tracker
	engine      *assignment.Engine
	coordinator *transfer.Coordinator
	dispatcher  *notify.Dispatcher
	broadcaster *notify.Broadcaster
	metrics     *metrics.Metrics
	dedupe      *dedupe.Cache[api.Replay]
	api         *api.Server
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// closers are released on shutdown after the servers stop: sinks, lock backend.
	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

// Services exposes wired components to in-process callers and tests.
type Services struct {
	Store       store.Store
	Tracker     *presence.Tracker
	Engine      *assignment.Engine
	Coordinator *transfer.Coordinator
	Broadcaster *notify.Broadcaster
	Metrics     *metrics.Metrics
}

// initStore opens the configured database. HANDOFF_DB_DSN overrides the configured DSN.
func initStore(cfg *config.Config) (store.Store, error) {
	dsn := cfg.Database.DSN
	if envDSN := os.Getenv("HANDOFF_DB_DSN"); envDSN != "" {
		dsn = envDSN
	}
	s, err := store.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initLocker selects the per-conversation lock backend.
func initLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Locker, io.Closer, error) {
	if cfg.Lock.Backend != "redis" {
		return lock.NewMemory(), nil, nil
	}
	r, err := lock.NewRedis(ctx, cfg.Lock.RedisURL, cfg.Lock.TTL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing redis lock: %w", err)
	}
	logger.Info("using redis conversation locks", "ttl", cfg.Lock.TTL)
	return r, r, nil
}

// initSinks builds the notification dispatcher with every enabled sink.
func (g *Gateway) initSinks(cfg config.NotifyConfig) error {
	g.broadcaster = notify.NewBroadcaster(g.logger)
	g.dispatcher = notify.NewDispatcher(cfg.DispatchTimeout, g.logger, g.metrics, g.broadcaster)

	if cfg.AMQP.Enabled {
		sink, err := notify.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, g.logger)
		if err != nil {
			return fmt.Errorf("initializing amqp sink: %w", err)
		}
		g.dispatcher.Add(sink)
		g.closers = append(g.closers, namedCloser{"amqp", sink})
		g.logger.Info("amqp notifications enabled", "exchange", cfg.AMQP.Exchange)
	}
	if cfg.Asynq.Enabled {
		sink, err := notify.NewAsynq(cfg.Asynq.RedisURL, cfg.Asynq.Queue, cfg.Asynq.MaxRetry)
		if err != nil {
			return fmt.Errorf("initializing asynq sink: %w", err)
		}
		g.dispatcher.Add(sink)
		g.closers = append(g.closers, namedCloser{"asynq", sink})
		g.logger.Info("asynq notifications enabled", "queue", cfg.Asynq.Queue)
	}
	if cfg.Matrix.Enabled {
		sink, err := notify.NewMatrix(cfg.Matrix.Homeserver, cfg.Matrix.UserID, cfg.Matrix.AccessToken, cfg.Matrix.RoomID)
		if err != nil {
			return fmt.Errorf("initializing matrix sink: %w", err)
		}
		g.dispatcher.Add(sink)
		g.logger.Info("matrix notifications enabled", "room_id", cfg.Matrix.RoomID)
	}
	return nil
}

// initDetector returns nil when both keyword and LLM detection are off.
func initDetector(cfg config.DetectConfig, logger *slog.Logger) detect.Detector {
	var keywords detect.Detector
	if cfg.Keywords {
		keywords = detect.Keywords{}
	}
	if cfg.OpenAIKey == "" {
		return keywords
	}
	llm := detect.NewLLM(detect.LLMOptions{
		APIKey:        cfg.OpenAIKey,
		Model:         cfg.OpenAIModel,
		MinConfidence: cfg.MinConfidence,
		Logger:        logger,
	})
	logger.Info("llm transfer detection enabled", "model", cfg.OpenAIModel, "min_confidence", cfg.MinConfidence)
	return detect.Chain{Primary: llm, Secondary: keywords, Logger: logger}
}

// initPolicy loads the configured rego file or the builtin policy.
func initPolicy(ctx context.Context, cfg config.PolicyConfig, logger *slog.Logger) (*policy.Engine, error) {
	if cfg.Path != "" {
		logger.Info("loading authorization policy", "path", cfg.Path)
		return policy.Load(ctx, cfg.Path, logger)
	}
	return policy.NewEngine(ctx, policy.DefaultPolicy, logger)
}

// initVerifier returns nil, disabling authentication, when no secret is configured.
func initVerifier(cfg config.AuthConfig, logger *slog.Logger) auth.TokenVerifier {
	if cfg.JWTSecret == "" {
		logger.Warn("auth disabled - no jwt_secret configured")
		return nil
	}
	logger.Info("bearer token auth enabled")
	return auth.NewJWTVerifier([]byte(cfg.JWTSecret))
}

// newGRPCServer creates the gRPC server carrying the standard health service.
func newGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New creates a new Gateway from configuration. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := newWithStore(ctx, cfg, version, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func newWithStore(ctx context.Context, cfg *config.Config, version string, s store.Store, logger *slog.Logger) (*Gateway, error) {
	gw := &Gateway{
		config:  cfg,
		version: version,
		store:   s,
		metrics: metrics.New(),
		logger:  logger.With("component", "gateway"),
	}

	locker, lockCloser, err := initLocker(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if lockCloser != nil {
		gw.closers = append(gw.closers, namedCloser{"lock", lockCloser})
	}

	if err := gw.initSinks(cfg.Notify); err != nil {
		gw.closeAll()
		return nil, err
	}

	authorizer, err := initPolicy(ctx, cfg.Policy, logger)
	if err != nil {
		gw.closeAll()
		return nil, fmt.Errorf("initializing policy: %w", err)
	}

	gw.tracker = presence.NewTracker(s, presence.Options{
		LivenessWindow: cfg.Presence.LivenessWindow,
		Logger:         logger,
		Metrics:        gw.metrics,
	})
	gw.engine = assignment.NewEngine(s, gw.tracker, assignment.Options{
		CandidateLimit: cfg.Routing.CandidateLimit,
		Logger:         logger,
	})
	gw.coordinator = transfer.NewCoordinator(s, gw.engine, transfer.Options{
		Locker:     locker,
		Notifier:   gw.dispatcher,
		Authorizer: authorizer,
		Logger:     logger,
		Metrics:    gw.metrics,
	})

	if cfg.Presence.ReleaseOnExpiry {
		gw.tracker.OnExpire(gw.coordinator.ExpiryHook())
		gw.logger.Info("conversations of expired agents will be released")
	}
	gw.tracker.OnExpire(gw.announceExpiry)

	gw.dedupe = api.NewDedupe(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	gw.api = api.NewServer(api.Options{
		Store:       s,
		Tracker:     gw.tracker,
		Engine:      gw.engine,
		Coordinator: gw.coordinator,
		Detector:    initDetector(cfg.Detect, logger),
		Broadcaster: gw.broadcaster,
		Notifier:    gw.dispatcher,
		Verifier:    initVerifier(cfg.Auth, logger),
		Dedupe:      gw.dedupe,
		Version:     version,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, gw.metrics.Handler())
		logger.Info("metrics endpoint enabled", "path", cfg.Metrics.Path)
	}
	mux.Handle("/", gw.api.Handler())

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.grpcServer, gw.health = newGRPCServer()

	return gw, nil
}

// Services returns the wired components.
func (g *Gateway) Services() Services {
	return Services{
		Store:       g.store,
		Tracker:     g.tracker,
		Engine:      g.engine,
		Coordinator: g.coordinator,
		Broadcaster: g.broadcaster,
		Metrics:     g.metrics,
	}
}

// Handler returns the HTTP handler, including the metrics endpoint when enabled.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// announceExpiry tells subscribers that a swept agent went offline.
func (g *Gateway) announceExpiry(_ context.Context, sess *store.AgentSession) error {
	g.dispatcher.Dispatch(notify.Event{
		Kind:          notify.KindAgentOffline,
		TenantID:      sess.TenantID,
		AgentID:       sess.AgentID,
		Reason:        presence.ExpiredReason,
		CorrelationID: sess.ID,
	})
	return nil
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
// The gRPC listener is skipped when no address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the servers and background loops and blocks until ctx is cancelled
// or one of them fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	eg, egCtx := errgroup.WithContext(ctx)

	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		return g.tracker.RunSweeper(egCtx, g.config.Presence.SweepInterval)
	})
	eg.Go(func() error {
		return g.coordinator.RunReconciler(egCtx, g.config.Routing.ReconcileInterval, g.config.Routing.ReconcileRepair)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "handoff-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.HTTPS {
		httpLn, err = g.createTailscaleTLSListener(grpcLn)
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			err = fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeAll releases sinks and the lock backend, returning every failure.
func (g *Gateway) closeAll() []error {
	var errs []error
	if g.dispatcher != nil {
		g.dispatcher.Wait()
	}
	for _, nc := range g.closers {
		errs = appendCloseError(errs, nc.name+" close", nc.c.Close())
	}
	g.closers = nil
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	errs = append(errs, g.closeAll()...)
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
