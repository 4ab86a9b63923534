// Package api exposes the branch workflow, jobs, goals and automation over HTTP.
package api

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/lucidcoder/lucidcoder/internal/automation"
	"github.com/lucidcoder/lucidcoder/internal/branch"
	"github.com/lucidcoder/lucidcoder/internal/events"
	"github.com/lucidcoder/lucidcoder/internal/goal"
	"github.com/lucidcoder/lucidcoder/internal/health"
	"github.com/lucidcoder/lucidcoder/internal/jobs"
	"github.com/lucidcoder/lucidcoder/internal/metrics"
	"github.com/lucidcoder/lucidcoder/internal/project"
	"github.com/lucidcoder/lucidcoder/internal/requestid"
)

const (
	localRequestID = "request_id"
	confirmHeader  = "X-Confirm-Action"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr  string
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
}

// Deps are the services the API serves. Events, Health and Metrics may be nil.
type Deps struct {
	Projects *project.Manager
	Branches *branch.Service
	Jobs     *jobs.Runner
	Commands *jobs.CommandResolver
	Goals    *goal.Service
	Pipeline *automation.Pipeline
	Events   *events.Broadcaster
	Health   *health.Checker
	Metrics  *metrics.Metrics
}

// Server is the HTTP API Fiber application.
type Server struct {
	app    *fiber.App
	deps   Deps
	config ServerConfig
	logger zerolog.Logger

	// background work (async goal processing, SSE streams) is bound to ctx
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates and configures the API server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "api.server").Logger()
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		app:    app,
		deps:   deps,
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.Ensure(c.UserContext(), c.Get(requestid.Header))
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		c.Locals(localRequestID, reqID)
		return c.Next()
	})

	if s.config.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: s.config.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-API-Key, X-Request-ID, X-Confirm-Action",
			AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
		}))
	}

	if s.config.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(s.config.RateLimit, s.ctx.Done()))
	}

	s.app.Use(NewAuthMiddleware(s.config.Auth, s.logger))

	// audit and request metrics
	s.app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := c.Path()
		if isProbe(path) {
			return err
		}
		status := c.Response().StatusCode()
		if err != nil {
			status, _, _ = classify(err)
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordRequest(c.Route().Path, strconv.Itoa(status), time.Since(start).Seconds())
		}
		s.logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Int("status", status).
			Str("ip", c.IP()).
			Str("request_id", requestID(c)).
			Dur("duration", time.Since(start)).
			Msg("api request")
		return err
	})
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", health.LivenessHandler())
	if s.deps.Health != nil {
		s.app.Get("/readyz", s.deps.Health.ReadinessHandler())
	} else {
		s.app.Get("/readyz", health.LivenessHandler())
	}
	if s.deps.Metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.deps.Metrics.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	api := s.app.Group("/api")
	api.Get("/health", s.healthDetail)

	api.Post("/projects", s.createProject)
	api.Get("/projects", s.listProjects)
	api.Get("/projects/:id", s.getProject)
	api.Patch("/projects/:id", s.updateProject)
	api.Delete("/projects/:id", s.deleteProject)

	branches := api.Group("/projects/:id/branches")
	branches.Get("/", s.branchOverview)
	branches.Post("/", s.createBranch)
	branches.Post("/stage", s.stageFile)
	branches.Get("/css-only", s.cssOnly)
	branches.Get("/:name", s.getBranch)
	branches.Delete("/:name/stage", s.clearStaged)
	branches.Post("/:name/checkout", s.checkout)
	branches.Post("/:name/tests", s.runTests)
	branches.Get("/:name/tests", s.listTestRuns)
	branches.Post("/:name/commit", s.commit)
	branches.Get("/:name/commits", s.listCommits)
	branches.Post("/:name/merge", s.merge)
	branches.Delete("/:name", s.deleteBranch)

	api.Post("/projects/:id/jobs", s.startJob)
	api.Get("/projects/:id/jobs", s.listJobs)
	api.Get("/jobs/:jobId", s.getJob)
	api.Post("/jobs/:jobId/cancel", s.cancelJob)

	api.Post("/projects/:id/goals", s.createGoal)
	api.Get("/projects/:id/goals", s.listGoals)
	api.Post("/projects/:id/goals/plan", s.planGoals)
	api.Get("/goals/:goalId", s.getGoal)
	api.Delete("/goals/:goalId", s.deleteGoal)
	api.Post("/goals/:goalId/advance", s.advanceGoal)
	api.Post("/goals/:goalId/phase", s.setGoalPhase)
	api.Post("/goals/:goalId/state", s.setGoalState)
	api.Post("/goals/:goalId/process", s.processGoal)

	api.Get("/projects/:id/events", s.streamEvents)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:5050"
	}
	s.logger.Info().Str("addr", addr).Msg("API server starting")
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests, cancels background work and waits for it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("API server shutting down")
	s.cancel()
	err := s.app.ShutdownWithContext(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("background work still running at shutdown")
	}
	return err
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func requestID(c *fiber.Ctx) string {
	id, _ := c.Locals(localRequestID).(string)
	return id
}

// confirmed reports whether the caller confirmed a destructive action.
func confirmed(c *fiber.Ctx) bool {
	if v, err := strconv.ParseBool(c.Get(confirmHeader)); err == nil && v {
		return true
	}
	return c.QueryBool("confirm", false)
}

// bind parses a JSON body. An empty body leaves out untouched.
func bind(c *fiber.Ctx, out any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return nil
}
