// Package httpapi exposes the scheduler and run history over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"driftloop/internal/adapter/history"
	"driftloop/internal/adapter/scheduler"
	"driftloop/internal/shared"
)

// Loops is the part of the scheduler the API needs.
type Loops interface {
	Loops() []scheduler.LoopInfo
	Loop(name string) (scheduler.LoopInfo, error)
	Cancel(name string) error
	IsRunning() bool
}

// Runs reads recorded runs.
type Runs interface {
	Recent(ctx context.Context, loop string, limit int) ([]history.Run, error)
}

// Options configures Server.
type Options struct {
	Loops  Loops
	Runs   Runs
	Logger *slog.Logger
	// InstanceID is reported by /healthz.
	InstanceID string
	// AdminToken, when set, is required as a bearer token on POST routes.
	AdminToken string
}

// Server serves the status API.
type Server struct {
	loops      Loops
	runs       Runs
	log        *slog.Logger
	instanceID string
	adminToken string
	started    time.Time
	engine     *gin.Engine
}

var errBadLimit = shared.MarkKind(errors.New("limit must be a positive integer"), shared.KindValidation)

// New builds the gin engine and its routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		loops:      opts.Loops,
		runs:       opts.Runs,
		log:        logger.With("component", "httpapi"),
		instanceID: opts.InstanceID,
		adminToken: opts.AdminToken,
		started:    time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/healthz", s.health)
	r.GET("/loops", s.listLoops)
	r.GET("/loops/:name", s.getLoop)
	r.GET("/loops/:name/runs", s.loopRuns)
	r.GET("/runs", s.allRuns)

	admin := r.Group("/", bearerAuth(s.adminToken))
	admin.POST("/loops/:name/cancel", s.cancelLoop)

	s.engine = r
	return s
}

// Handler returns the http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) health(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if !s.loops.IsRunning() {
		status, code = "stopping", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      status,
		"instance_id": s.instanceID,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"loops":       len(s.loops.Loops()),
	})
}

func (s *Server) listLoops(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"loops": s.loops.Loops()})
}

func (s *Server) getLoop(c *gin.Context) {
	info, err := s.loops.Loop(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) loopRuns(c *gin.Context) {
	s.recent(c, c.Param("name"))
}

func (s *Server) allRuns(c *gin.Context) {
	s.recent(c, c.Query("loop"))
}

func (s *Server) recent(c *gin.Context, loop string) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		s.fail(c, err)
		return
	}
	runs, err := s.runs.Recent(c.Request.Context(), loop, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loop": loop, "runs": runs})
}

func (s *Server) cancelLoop(c *gin.Context) {
	name := c.Param("name")
	if err := s.loops.Cancel(name); err != nil {
		s.fail(c, err)
		return
	}
	info, err := s.loops.Loop(name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, info)
}

// fail maps err to a status by its kind.
func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch shared.KindOf(err) {
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindTimeout:
		return http.StatusGatewayTimeout
	case shared.KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// parseLimit returns 0 (store default) for an empty value.
func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errBadLimit
	}
	return n, nil
}
