package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aipipeline/renderfarm/internal/db"
	"github.com/aipipeline/renderfarm/internal/dispatch"
	"github.com/aipipeline/renderfarm/internal/handlers"
	"github.com/aipipeline/renderfarm/internal/health"
	"github.com/aipipeline/renderfarm/internal/registry"
	"github.com/aipipeline/renderfarm/internal/scheduler"
	"github.com/aipipeline/renderfarm/internal/server"
	"github.com/aipipeline/renderfarm/internal/services"
)

func main() {
	// Command line flags
	var (
		host             = flag.String("host", "0.0.0.0", "Host to bind the servers to")
		httpPort         = flag.Int("http-port", 8080, "Port for the HTTP API server")
		wsPort           = flag.Int("ws-port", 8081, "Port for the websocket server")
		dbPath           = flag.String("db", "./renderfarm.db", "Path to SQLite database file")
		migrations       = flag.String("migrations", "./migrations", "Path to migrations directory")
		heartbeatTimeout = flag.Duration("heartbeat-timeout", registry.DefaultHeartbeatTimeout, "Heartbeat age after which a worker is offline")
		healthInterval   = flag.Duration("health-interval", 10*time.Second, "Health monitor sweep interval")
		scheduleInterval = flag.Duration("schedule-interval", 30*time.Second, "Scheduler safety sweep interval")
	)
	flag.Parse()

	log.Printf("Starting Render Farm Master...")

	// Initialize database
	log.Printf("Initializing database at %s...", *dbPath)
	database, err := db.Open(db.Config{
		DatabasePath:   *dbPath,
		MigrationsPath: *migrations,
	})
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	log.Printf("Running database migrations...")
	if err := db.RunMigrations(db.Config{
		DatabasePath:   *dbPath,
		MigrationsPath: *migrations,
	}); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	store := db.NewStore(database)
	log.Printf("Database initialized successfully")

	// Jobs that were in flight when the previous master died have no live
	// dispatch channel anymore; put them back in the queue.
	requeued, err := store.JobRepo.RequeueInFlight()
	if err != nil {
		log.Fatalf("Failed to requeue in-flight jobs: %v", err)
	}
	if requeued > 0 {
		log.Printf("Requeued %d in-flight jobs from previous run", requeued)
	}

	// Core components
	workerRegistry := registry.NewWorkerRegistry()
	workerRegistry.Subscribe(&LoggingObserver{})

	hub := dispatch.NewHub(dispatch.DefaultWriteTimeout)

	broadcaster := dispatch.NewBroadcaster()
	broadcaster.Start()

	sched := scheduler.New(scheduler.Config{
		JobRepo:        store.JobRepo,
		WorkerRegistry: workerRegistry,
		Dispatcher:     hub,
		SweepInterval:  *scheduleInterval,
	})
	workerRegistry.Subscribe(sched)

	monitor := health.New(health.Config{
		WorkerRegistry:   workerRegistry,
		JobRepo:          store.JobRepo,
		Hub:              hub,
		SweepInterval:    *healthInterval,
		HeartbeatTimeout: *heartbeatTimeout,
		OnRequeue:        sched.Kick,
	})

	// Services
	workerService := services.NewWorkerService(store, workerRegistry, hub)
	jobService := services.NewJobService(store, workerRegistry, hub, broadcaster, sched.Kick)

	// Servers
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		JobHandler:    handlers.NewJobHandler(jobService),
		WorkerHandler: handlers.NewWorkerHandler(workerService),
		StatsHandler:  handlers.NewStatsHandler(sched, store.JobRepo),
		Host:          *host,
		Port:          *httpPort,
	})

	wsServer := server.NewWSServer(server.WSServerConfig{
		Hub:           hub,
		Broadcaster:   broadcaster,
		WorkerService: workerService,
		JobService:    jobService,
		Host:          *host,
		Port:          *wsPort,
	})

	if err := monitor.Start(); err != nil {
		log.Fatalf("Failed to start health monitor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Start()
	})
	g.Go(func() error {
		return wsServer.Start()
	})
	g.Go(func() error {
		sched.Start()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Printf("Received shutdown signal, stopping servers...")

		sched.Stop()
		monitor.Stop()

		if err := httpServer.Shutdown(); err != nil {
			log.Printf("Error shutting down HTTP server: %v", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down websocket server: %v", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("Server error: %v", err)
	}

	log.Printf("Servers stopped gracefully")
}

// LoggingObserver logs worker status changes
type LoggingObserver struct{}

func (o *LoggingObserver) OnEvent(event registry.StatusChangedEvent) {
	log.Printf("Worker status change: %s (%s -> %s)",
		event.NodeID, event.PreviousStatus, event.CurrentStatus)
}
