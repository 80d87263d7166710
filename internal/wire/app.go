package wire

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmesh/taskmesh/internal/adapter/memory"
	pgdb "github.com/taskmesh/taskmesh/internal/adapter/postgres"
	pgarchive "github.com/taskmesh/taskmesh/internal/adapter/postgres/archive"
	"github.com/taskmesh/taskmesh/internal/config"
	portarchive "github.com/taskmesh/taskmesh/internal/port/archive"
	"github.com/taskmesh/taskmesh/internal/service/registry"
	"github.com/taskmesh/taskmesh/internal/service/scheduler"
	"github.com/taskmesh/taskmesh/internal/transport"
	mcptransport "github.com/taskmesh/taskmesh/internal/transport/mcp"
	schedhandler "github.com/taskmesh/taskmesh/internal/transport/sched"
)

// simulatedWorkDelay is the execution time of HTTP-registered demo workers.
const simulatedWorkDelay = 250 * time.Millisecond

// App holds the top-level resources needed to run and gracefully stop the
// coordinator server.
type App struct {
	Config    *config.Config
	Pool      *pgxpool.Pool
	Server    *http.Server
	Scheduler *scheduler.Scheduler
}

// Build is the composition root: the only place concrete types are wired
// to their interface dependencies.
func Build(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	bus := memory.NewBus()

	var (
		arc  portarchive.Archive
		pool *pgxpool.Pool
	)
	if cfg.Database.URL != "" {
		pool, err = pgdb.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		arc, err = pgarchive.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("preparing task archive: %w", err)
		}
		slog.Info("postgres task archive enabled")
	} else {
		arc = memory.NewArchive()
	}

	reg := registry.New()
	sched, err := scheduler.New(reg, scheduler.Config{
		MaxQueueSize: cfg.Scheduler.MaxQueueSize,
		Policy:       cfg.Scheduler.SelectionPolicy,
		TaskTimeout:  cfg.Scheduler.TaskTimeout(),
	}, bus, arc)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, fmt.Errorf("building scheduler: %w", err)
	}

	handler := schedhandler.NewHandler(sched, arc, schedhandler.SimulatedExecutor(simulatedWorkDelay))
	mcpServer := mcptransport.New(sched)
	router := transport.NewRouter(ctx, handler, mcpServer, bus)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	slog.Info("application wired",
		"port", cfg.Server.Port,
		"selection_policy", cfg.Scheduler.SelectionPolicy,
		"max_queue_size", cfg.Scheduler.MaxQueueSize,
	)

	return &App{
		Config:    cfg,
		Pool:      pool,
		Server:    server,
		Scheduler: sched,
	}, nil
}
