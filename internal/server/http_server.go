package server

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/aipipeline/renderfarm/internal/handlers"
)

type HTTPServer struct {
	app           *fiber.App
	jobHandler    *handlers.JobHandler
	workerHandler *handlers.WorkerHandler
	statsHandler  *handlers.StatsHandler
	host          string
	port          int
}

type HTTPServerConfig struct {
	JobHandler    *handlers.JobHandler
	WorkerHandler *handlers.WorkerHandler
	StatsHandler  *handlers.StatsHandler
	Host          string
	Port          int
}

func NewHTTPServer(config HTTPServerConfig) *HTTPServer {
	app := fiber.New(fiber.Config{
		AppName: "Render Farm Master API",
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	return &HTTPServer{
		app:           app,
		jobHandler:    config.JobHandler,
		workerHandler: config.WorkerHandler,
		statsHandler:  config.StatsHandler,
		host:          config.Host,
		port:          config.Port,
	}
}

func (s *HTTPServer) RegisterRoutes() {
	api := s.app.Group("/api")

	// Job lifecycle
	jobs := api.Group("/jobs")
	jobs.Post("/", s.jobHandler.SubmitJob)
	jobs.Get("/", s.jobHandler.ListJobs)
	jobs.Get("/:id", s.jobHandler.GetJob)
	jobs.Post("/:id/cancel", s.jobHandler.CancelJob)

	// Worker fleet
	workers := api.Group("/workers")
	workers.Post("/register", s.workerHandler.RegisterWorker)
	workers.Get("/", s.workerHandler.ListWorkers)
	workers.Get("/:id", s.workerHandler.GetWorker)
	workers.Delete("/:id", s.workerHandler.RemoveWorker)

	// Scheduler introspection
	api.Get("/scheduler/stats", s.statsHandler.GetStats)

	// Health check
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
}

func (s *HTTPServer) Start() error {
	s.RegisterRoutes()

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Printf("Starting HTTP server on %s", addr)

	return s.app.Listen(addr)
}

func (s *HTTPServer) Shutdown() error {
	log.Println("Shutting down HTTP server...")
	return s.app.Shutdown()
}
