// ABOUTME: Admin HTTP API over the routing subsystem, built on echo
// ABOUTME: Registers routes, maps the error taxonomy to status codes and scopes reads by tenant

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/2389/handoff-gateway/internal/assignment"
	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/detect"
	"github.com/2389/handoff-gateway/internal/notify"
	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
	"github.com/2389/handoff-gateway/internal/transfer"
)

// IdempotencyHeader carries the client's key for handoff requests.
const IdempotencyHeader = "Idempotency-Key"

// Replay is a recorded handoff response for an idempotency key.
type Replay struct {
	status int
	body   any
}

// Options wires a Server. Store, Tracker, Engine and Coordinator are required.
type Options struct {
	Store       store.Store
	Tracker     *presence.Tracker
	Engine      *assignment.Engine
	Coordinator *transfer.Coordinator
	Detector    detect.Detector       // nil disables /detect
	Broadcaster *notify.Broadcaster   // nil disables /api/stream
	Notifier    transfer.Notifier     // receives agent online/offline events
	Verifier    auth.TokenVerifier    // nil disables authentication
	Dedupe      *dedupe.Cache[Replay] // nil disables idempotency Replay
	Version     string
	Logger      *slog.Logger
}

// Server serves the admin API.
type Server struct {
	store       store.Store
	tracker     *presence.Tracker
	engine      *assignment.Engine
	coord       *transfer.Coordinator
	detector    detect.Detector
	broadcaster *notify.Broadcaster
	notifier    transfer.Notifier
	dedupe      *dedupe.Cache[Replay]
	version     string
	logger      *slog.Logger
	echo        *echo.Echo
}

// NewDedupe creates the idempotency cache a Server expects.
func NewDedupe(ttl time.Duration, maxSize int) *dedupe.Cache[Replay] {
	return dedupe.New[Replay](ttl, maxSize)
}

// NewServer builds the echo router.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		store:       opts.Store,
		tracker:     opts.Tracker,
		engine:      opts.Engine,
		coord:       opts.Coordinator,
		detector:    opts.Detector,
		broadcaster: opts.Broadcaster,
		notifier:    opts.Notifier,
		dedupe:      opts.Dedupe,
		version:     opts.Version,
		logger:      opts.Logger.With("component", "api"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)

	e.GET("/health", s.health)
	e.GET("/health/ready", s.ready)

	g := e.Group("/api", auth.Middleware(opts.Verifier, opts.Logger))
	admin := auth.RequireAdmin()

	g.GET("/agents", s.listAgents)
	g.PUT("/agents/:id", s.putAgent, admin)
	g.GET("/agents/:id", s.getAgent)
	g.GET("/agents/:id/workload", s.getWorkload)
	g.GET("/departments/:dept/agents", s.departmentAgents)
	g.POST("/agents/:id/sessions", s.startSession)
	g.POST("/sessions/:id/heartbeat", s.heartbeat)
	g.DELETE("/sessions/:id", s.endSession)

	g.GET("/conversations", s.listConversations)
	g.GET("/conversations/:id", s.getConversation)
	g.PUT("/conversations/:id", s.putConversation)
	g.POST("/conversations/:id/assign", s.assign)
	g.POST("/conversations/:id/release", s.release)
	g.POST("/conversations/:id/handoff", s.handoff)
	g.POST("/conversations/:id/route", s.route)
	g.POST("/conversations/:id/cancel", s.cancel)
	g.POST("/conversations/:id/reject", s.reject)
	g.POST("/conversations/:id/complete", s.complete)
	g.GET("/conversations/:id/transfers", s.listTransfers)
	g.GET("/conversations/:id/recommendation", s.recommendation)
	g.POST("/conversations/:id/detect", s.detect)

	g.GET("/audit", s.listAudit, admin)
	g.POST("/reconcile", s.reconcile, admin)
	g.GET("/stream", s.stream)

	s.echo = e
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Debug("http request",
			"method", c.Request().Method,
			"path", c.Path(),
			"status", c.Response().Status,
			"duration", time.Since(start),
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		)
		return nil
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// ready reports 200 once at least one agent is live.
func (s *Server) ready(c echo.Context) error {
	agents, err := s.store.ListAgents(c.Request().Context(), store.AgentFilter{})
	if err != nil {
		return s.fail(c, err)
	}
	presences, err := s.tracker.EffectivePresenceMany(c.Request().Context(), agents)
	if err != nil {
		return s.fail(c, err)
	}
	live := 0
	for _, p := range presences {
		if p.IsLive {
			live++
		}
	}
	status := http.StatusOK
	if live == 0 {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]any{"ready": live > 0, "liveAgents": live})
}

// statusFor maps the taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch routing.Code(err) {
	case routing.CodeValidation:
		return http.StatusBadRequest
	case routing.CodeNotFound:
		return http.StatusNotFound
	case routing.CodeCapacityExceeded, routing.CodeAgentUnavailable,
		routing.CodeConcurrentModification, routing.CodeSessionAlreadyActive:
		return http.StatusConflict
	case routing.CodeStaleSession:
		return http.StatusGone
	case routing.CodePolicyDenied:
		return http.StatusForbidden
	case routing.CodeInvalidTransition:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorResponse maps err to a status and body. Internal errors are logged, not exposed.
func (s *Server) errorResponse(c echo.Context, err error) (int, errorBody) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
		return status, errorBody{Error: "internal error", Code: routing.Code(err)}
	}
	return status, errorBody{Error: err.Error(), Code: routing.Code(err)}
}

func (s *Server) fail(c echo.Context, err error) error {
	status, body := s.errorResponse(c, err)
	return c.JSON(status, body)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Error: msg, Code: routing.CodeValidation})
}

// identity returns the caller, or Anonymous when authentication is disabled.
func identity(c echo.Context) *auth.Identity {
	if id := auth.FromContext(c.Request().Context()); id != nil {
		return id
	}
	return auth.Anonymous
}

// tenantOf returns the tenant a caller is scoped to, empty for all tenants.
func tenantOf(c echo.Context) string {
	return identity(c).TenantID
}

// visible reports whether a tenant-scoped caller may see a record of tenantID.
func visible(c echo.Context, tenantID string) bool {
	t := tenantOf(c)
	return t == "" || t == tenantID
}
