// Package server exposes the HTTP surface: JSON endpoints over the stores
// and registries, and NDJSON streaming for generation and librarian events.
package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/storyloom/storyloom/internal/active"
	"github.com/storyloom/storyloom/internal/errors"
	"github.com/storyloom/storyloom/internal/fragment"
	"github.com/storyloom/storyloom/internal/genlog"
	"github.com/storyloom/storyloom/internal/health"
	"github.com/storyloom/storyloom/internal/librarian"
	"github.com/storyloom/storyloom/internal/metrics"
	"github.com/storyloom/storyloom/internal/pipeline"
	"github.com/storyloom/storyloom/internal/plugin"
	"github.com/storyloom/storyloom/internal/story"
)

// Server holds the HTTP handlers' dependencies.
type Server struct {
	app       *fiber.App
	stories   *story.Store
	fragments *fragment.Store
	logs      *genlog.Store
	pipeline  *pipeline.Pipeline
	sched     *librarian.Scheduler
	actives   *active.Registry
	plugins   *plugin.Loader
	checker   *health.Checker
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// Deps collects the server's collaborators.
type Deps struct {
	Stories   *story.Store
	Fragments *fragment.Store
	Logs      *genlog.Store
	Pipeline  *pipeline.Pipeline
	Scheduler *librarian.Scheduler
	Actives   *active.Registry
	Plugins   *plugin.Loader
	Checker   *health.Checker
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// New creates the fiber app and registers all routes.
func New(d Deps) *Server {
	s := &Server{
		stories:   d.Stories,
		fragments: d.Fragments,
		logs:      d.Logs,
		pipeline:  d.Pipeline,
		sched:     d.Scheduler,
		actives:   d.Actives,
		plugins:   d.Plugins,
		checker:   d.Checker,
		metrics:   d.Metrics,
		logger:    d.Logger.With().Str("component", "http").Logger(),
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadBufferSize:        16 * 1024,
	})
	s.app.Use(recover.New())
	s.registerRoutes()
	return s
}

// App returns the underlying fiber app (used by tests and Listen).
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until the app is shut down.
func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error { return s.app.Shutdown() }

func (s *Server) registerRoutes() {
	app := s.app

	app.Get("/healthz", s.healthz)
	app.Get("/readyz", s.readyz)
	app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	app.Get("/plugins", s.listPlugins)

	st := app.Group("/stories")
	st.Post("/", s.createStory)
	st.Get("/", s.listStories)
	st.Get("/:sid", s.getStory)
	st.Patch("/:sid", s.updateStory)
	st.Delete("/:sid", s.deleteStory)
	st.Get("/:sid/block-config", s.getBlockConfig)
	st.Put("/:sid/block-config", s.putBlockConfig)

	st.Post("/:sid/generate", s.generate)
	st.Get("/:sid/generation-logs", s.listGenerationLogs)
	st.Get("/:sid/generation-logs/:id", s.getGenerationLog)
	st.Post("/:sid/suggest-directions", s.suggestDirections)

	st.Get("/:sid/fragments", s.listFragments)
	st.Post("/:sid/fragments", s.createFragment)
	st.Get("/:sid/fragments/:fid", s.getFragment)
	st.Patch("/:sid/fragments/:fid", s.updateFragment)
	st.Delete("/:sid/fragments/:fid", s.deleteFragment)
	st.Post("/:sid/fragments/:fid/archive", s.archiveFragment)
	st.Post("/:sid/fragments/:fid/restore", s.restoreFragment)
	st.Post("/:sid/fragments/:fid/revert", s.revertFragment)
	st.Get("/:sid/fragments/:fid/versions", s.listVersions)
	st.Get("/:sid/fragments/:fid/tags", s.getTags)
	st.Put("/:sid/fragments/:fid/tags", s.putTags)

	st.Get("/:sid/librarian/stream", s.librarianStream)
	st.Get("/:sid/librarian/status", s.librarianStatus)
	st.Get("/:sid/active-agents", s.activeAgents)
}

// respondError maps an error kind to its HTTP status and a JSON body.
func respondError(c *fiber.Ctx, err error) error {
	return c.Status(errors.HTTPStatus(err)).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) healthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) readyz(c *fiber.Ctx) error {
	results := s.checker.RunAll(c.Context())
	for _, status := range results {
		if status == health.StatusDown {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "down", "checks": results})
		}
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": results})
}

func (s *Server) listPlugins(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"plugins": s.plugins.List()})
}

func (s *Server) activeAgents(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"agents": s.actives.List(c.Params("sid"))})
}
