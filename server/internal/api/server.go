package api

import (
	"errors"
	"net/http"
	"time"

	"crisis-drill/server/internal/config"
	"crisis-drill/server/internal/decision"
	"crisis-drill/server/internal/escalation"
	"crisis-drill/server/internal/fanout"
	"crisis-drill/server/internal/ledger"
	"crisis-drill/server/internal/logger"
	"crisis-drill/server/internal/objective"
	"crisis-drill/server/internal/observability"
	"crisis-drill/server/internal/orchestrator"
	"crisis-drill/server/internal/scenario"
	"crisis-drill/server/internal/session"
	"crisis-drill/server/internal/timeline"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Deps 是 API 依赖的服务与存储，由 cmd 组装。
type Deps struct {
	Sessions   *orchestrator.Sessions
	Evaluator  *orchestrator.DecisionEvaluator
	Objectives *objective.Service
	Hub        *fanout.Hub

	SessionStore session.Store
	Scenarios    scenario.Repo
	Decisions    decision.Store
	Timeline     timeline.Store
	Ledger       ledger.Store
	Statuses     ledger.StatusStore
	Snapshots    escalation.Store

	Metrics *observability.OrchestratorCollector
	Log     *logger.Logger
}

type Server struct {
	cfg         config.ServerConfig
	serviceName string
	deps        Deps
	log         *logger.Logger

	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		cfg:         cfg.Server,
		serviceName: cfg.Tracing.ServiceName,
		deps:        deps,
		log:         log.With("component", "api"),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) Routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), otelgin.Middleware(s.serviceName), s.requestLogger())
	if len(s.cfg.AllowedOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Authorization"},
			AllowCredentials: true,
		}))
	}

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	api := engine.Group("/api")
	api.POST("/scenarios/validate", s.handleValidateScenario)

	sessions := api.Group("/sessions")
	sessions.POST("", s.handleCreateSession)
	sessions.GET("/:id", s.handleGetSession)
	sessions.POST("/:id/transition", s.handleSessionTransition)
	sessions.GET("/:id/decisions", s.handleListDecisions)
	sessions.POST("/:id/decisions", s.handleCreateDecision)
	sessions.POST("/:id/decisions/:decisionID/transition", s.handleDecisionTransition)
	sessions.GET("/:id/events", s.handleEvents)
	sessions.GET("/:id/injects", s.handleInjectQueue)
	sessions.GET("/:id/escalation", s.handleEscalation)
	sessions.GET("/:id/objectives", s.handleObjectives)
	sessions.GET("/:id/stream", s.handleStream)
	return engine
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// requestLogger 按状态码分级记录请求。
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, "session_id", id)
		}
		switch {
		case status >= 500:
			s.log.Error("http request", fields...)
		case status >= 400:
			s.log.Warn("http request", fields...)
		default:
			s.log.Debug("http request", fields...)
		}
	}
}

// writeError 把领域错误映射为状态码；未知错误只记日志，响应保持简短。
func (s *Server) writeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, scenario.ErrNotFound),
		errors.Is(err, decision.ErrNotFound),
		errors.Is(err, escalation.ErrNoSnapshot):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrAlreadyExists),
		errors.Is(err, decision.ErrAlreadyExists),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, decision.ErrInvalidTransition),
		errors.Is(err, session.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.log.Error(msg, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
