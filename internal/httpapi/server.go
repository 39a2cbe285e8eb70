// Package httpapi serves the outer HTTP surface: the command and event
// webhooks, liveness and readiness probes, the introspection endpoints,
// the Prometheus scrape, and the notification stream upgrade.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/common/httpmw"
	"github.com/myconet/myconet/internal/common/logger"
	"github.com/myconet/myconet/internal/gateway/websocket"
	"github.com/myconet/myconet/internal/intake"
	"github.com/myconet/myconet/internal/metrics"
	"github.com/myconet/myconet/internal/store"
	v1 "github.com/myconet/myconet/pkg/api/v1"
)

// Executor runs fabric commands. Satisfied by *router.Router.
type Executor interface {
	Execute(ctx context.Context, cmd v1.Command) v1.CommandResponse
}

// EventSink accepts inbound events. Satisfied by *intake.Service.
type EventSink interface {
	Submit(ctx context.Context, env v1.EventEnvelope) (*store.EventRecord, error)
}

// StatusSource reports agent health and topology. Satisfied by
// *orchestrator.Orchestrator.
type StatusSource interface {
	Ready() bool
	Health() []v1.AgentHealth
	Graph() ([]v1.GraphNode, []v1.GraphEdge)
}

// Config holds edge settings.
type Config struct {
	// ServerName labels log lines and trace spans.
	ServerName string
	// MaxInflight bounds concurrent requests per path.
	MaxInflight int64
	// RetryAfterSeconds is the hint sent with over-capacity 503s.
	RetryAfterSeconds int
}

// DefaultConfig returns production edge settings.
func DefaultConfig() Config {
	return Config{
		ServerName:        "myconet",
		MaxInflight:       64,
		RetryAfterSeconds: 2,
	}
}

// Server is the HTTP edge in front of the fabric, the intake, and the
// orchestrator.
type Server struct {
	exec    Executor
	events  EventSink
	status  StatusSource
	metrics *metrics.Registry
	stream  *websocket.Handler
	cfg     Config
	logger  *logger.Logger
	router  *gin.Engine
}

// NewServer wires the edge routes. The stream handler may be nil when
// the gateway is disabled.
func NewServer(exec Executor, events EventSink, status StatusSource, m *metrics.Registry, stream *websocket.Handler, cfg Config, log *logger.Logger) *Server {
	def := DefaultConfig()
	if cfg.ServerName == "" {
		cfg.ServerName = def.ServerName
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = def.MaxInflight
	}
	if cfg.RetryAfterSeconds <= 0 {
		cfg.RetryAfterSeconds = def.RetryAfterSeconds
	}

	s := &Server{
		exec:    exec,
		events:  events,
		status:  status,
		metrics: m,
		stream:  stream,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "httpapi")),
		router:  gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(corsMiddleware())
	s.router.Use(httpmw.RequestLogger(s.logger, cfg.ServerName))
	s.router.Use(httpmw.OtelTracing(cfg.ServerName))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler for the edge.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Each route gets its own semaphore so a congested /command cannot
	// starve /event or the probes.
	limit := func() gin.HandlerFunc {
		return httpmw.ConcurrencyLimit(s.cfg.MaxInflight, s.cfg.RetryAfterSeconds)
	}

	s.router.POST("/command", limit(), s.handleCommand)
	s.router.POST("/event", limit(), s.handleEvent)

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)

	api := s.router.Group("/api")
	{
		api.GET("/status", limit(), s.handleStatus)
		api.GET("/graph", limit(), s.handleGraph)
	}

	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	if s.stream != nil {
		s.router.GET("/ws", s.stream.HandleConnection)
	}
}

// handleCommand binds the envelope and maps the router's terminal status
// onto an HTTP code. The body is always the full CommandResponse.
func (s *Server) handleCommand(c *gin.Context) {
	var cmd v1.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": v1.CodeSchema, "message": err.Error()})
		return
	}

	resp := s.exec.Execute(c.Request.Context(), cmd)
	if resp.Error != nil && resp.Error.Code == v1.CodeTransient && resp.Error.RetryAfterMS > 0 {
		c.Header("Retry-After", strconv.FormatInt((resp.Error.RetryAfterMS+999)/1000, 10))
	}
	c.JSON(commandHTTPStatus(resp), resp)
}

func (s *Server) handleEvent(c *gin.Context) {
	var env v1.EventEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": v1.CodeSchema, "message": err.Error()})
		return
	}

	rec, err := s.events.Submit(c.Request.Context(), env)
	if err != nil {
		if isEventValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"code": v1.CodeSchema, "message": err.Error()})
			return
		}
		s.logger.Error("Event submission failed", zap.String("source", env.Source), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": v1.CodeInternal, "message": "event could not be persisted"})
		return
	}

	c.JSON(http.StatusAccepted, v1.EventAccepted{Accepted: true, EventID: rec.ID})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": s.cfg.ServerName})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.status.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ready":   false,
			"code":    v1.CodeTransient,
			"message": "not all agents are running",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, v1.StatusResponse{Agents: s.status.Health()})
}

func (s *Server) handleGraph(c *gin.Context) {
	nodes, edges := s.status.Graph()
	c.JSON(http.StatusOK, v1.GraphResponse{Nodes: nodes, Edges: edges})
}

// commandHTTPStatus maps the stable wire codes onto HTTP statuses.
// Everything unrecognized is an internal error.
func commandHTTPStatus(resp v1.CommandResponse) int {
	if resp.Status == v1.CommandStatusOK {
		return http.StatusOK
	}
	if resp.Error == nil {
		return http.StatusInternalServerError
	}
	switch resp.Error.Code {
	case v1.CodeSchema, v1.CodeUnsupportedAction, v1.CodeUnknownOperation:
		return http.StatusBadRequest
	case v1.CodeConfirmationRequired, v1.CodeActionNotPermitted:
		return http.StatusForbidden
	case v1.CodeUnknownIntegration:
		return http.StatusNotFound
	case v1.CodeTimeout:
		return http.StatusRequestTimeout
	case v1.CodeQueueFull:
		return http.StatusTooManyRequests
	case v1.CodeQueueClosed, v1.CodeTransient:
		return http.StatusServiceUnavailable
	case v1.CodeUnauthorized, v1.CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func isEventValidation(err error) bool {
	return errors.Is(err, intake.ErrMissingSource) ||
		errors.Is(err, intake.ErrMissingEventType) ||
		errors.Is(err, intake.ErrInvalidSeverity)
}

// corsMiddleware allows cross-origin dashboard access, including the
// WebSocket upgrade headers.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
