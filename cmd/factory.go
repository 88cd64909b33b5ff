package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jobpilot-dev/jobpilot/internal/applier"
	"github.com/jobpilot-dev/jobpilot/internal/browser"
	"github.com/jobpilot-dev/jobpilot/internal/challenge"
	"github.com/jobpilot-dev/jobpilot/internal/config"
	"github.com/jobpilot-dev/jobpilot/internal/engine"
	"github.com/jobpilot-dev/jobpilot/internal/filler"
	"github.com/jobpilot-dev/jobpilot/internal/observability"
	"github.com/jobpilot-dev/jobpilot/internal/queue"
	"github.com/jobpilot-dev/jobpilot/internal/recipes"
	"github.com/jobpilot-dev/jobpilot/internal/server"
	"github.com/jobpilot-dev/jobpilot/internal/store"
)

// Components holds the initialized services behind the serve command. The
// struct centralizes lifecycle management of the long-lived dependencies.
type Components struct {
	DBPool  *pgxpool.Pool
	Redis   *redis.Client
	Store   *store.Store
	Queue   *queue.RedisQ
	Recipes *recipes.Cache
	Browser *browser.Provider
	Engine  *engine.Engine
	Server  *server.Server
}

// Shutdown releases resources in dependency order: the engine first so no
// worker is mid-attempt when the browser pool and connections go away.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()

	if c.Engine != nil {
		c.Engine.Stop()
		logger.Debug("Engine stopped")
	}

	if c.Browser != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Browser.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser pool shutdown", zap.Error(err))
		} else {
			logger.Debug("Browser pool shut down")
		}
	}

	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logger.Warn("Error closing redis client", zap.Error(err))
		}
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed")
	}

	logger.Info("All components shut down")
}

// buildComponents handles the full dependency injection for the serve
// command.
func buildComponents(ctx context.Context, cfg *config.Config) (*Components, error) {
	logger := observability.GetLogger()
	components := &Components{}

	// Ensure cleanup happens if initialization fails midway.
	var initErr error
	defer func() {
		if initErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components", zap.Error(initErr))
			components.Shutdown()
		}
	}()

	// 1. Database pool
	dbPool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		initErr = fmt.Errorf("failed to create database connection pool: %w", err)
		return nil, initErr
	}
	components.DBPool = dbPool

	// 2. Attempt store (pings the pool)
	dbStore, err := store.New(ctx, dbPool, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to initialize attempt store: %w", err)
		return nil, initErr
	}
	components.Store = dbStore

	// 3. Redis queue
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		initErr = fmt.Errorf("failed to ping redis: %w", err)
		return nil, initErr
	}
	components.Redis = rdb
	components.Queue = queue.New(rdb)

	// 4. Recipe cache
	components.Recipes = recipes.New(dbPool, logger, cfg.Recipes)

	// 5. Browser session pool (browsers launch lazily on first Acquire)
	components.Browser = browser.NewProvider(ctx, logger, cfg.Browser)

	// 6. Challenge handling
	solver := challenge.NewHTTPSolver(cfg.Challenge.Solver, logger)
	detector := challenge.NewDetector(logger)
	protocol := challenge.NewProtocol(solver, challenge.NewClock(), cfg.Challenge, logger)

	// 7. Applier and engine
	nodeID := nodeIdentity()
	runner := applier.New(
		components.Browser,
		filler.New(logger),
		dbStore,
		components.Recipes,
		detector,
		protocol,
		nodeID,
		logger,
	)
	components.Engine = engine.New(cfg.Queue, logger, components.Queue, dbStore, runner, nodeID)

	// 8. HTTP API
	components.Server = server.New(cfg.Server, logger, dbStore, components.Recipes, components.Queue)

	logger.Info("All components initialized", zap.String("node_id", nodeID))
	return components, nil
}

// nodeIdentity names this process for leases and recipe attribution. The
// uuid suffix keeps two processes on one host distinct.
func nodeIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "jobpilot"
	}
	return host + "-" + uuid.NewString()[:8]
}
