package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/memalerts/backend/internal/auth"
	"github.com/memalerts/backend/internal/config"
	"github.com/memalerts/backend/internal/db"
	"github.com/memalerts/backend/internal/friends"
	"github.com/memalerts/backend/internal/handlers"
	"github.com/memalerts/backend/internal/metrics"
	"github.com/memalerts/backend/internal/ratelimit"
	"github.com/memalerts/backend/internal/repositories"
	"github.com/memalerts/backend/internal/router"
	"github.com/memalerts/backend/internal/server"
	"github.com/memalerts/backend/internal/session"
	"github.com/memalerts/backend/internal/storage"
)

// dependencies is the object graph behind the serve command.
type dependencies struct {
	Users    repositories.UserRepository
	Auth     *auth.Service
	Graph    *friends.Graph
	Registry *session.Registry
	Router   *router.Router
	Server   *server.Server
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer
	Clips    handlers.ClipStore

	cfg config.Config
}

// buildDependencies wires together concrete implementations used by the
// listeners and HTTP handlers. pool is only used by the postgres store.
func buildDependencies(ctx context.Context, cfg config.Config, pool db.Pool, logger *slog.Logger) (*dependencies, error) {
	users, friendships, err := buildStores(cfg, pool)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(promRegistry)

	credentials := auth.NewService(users, auth.NewManager(auth.NewInMemorySessionStore()),
		auth.WithMinPasswordLength(cfg.MinPasswordLength),
	)
	graph := friends.NewGraph(users, friendships)
	registry := session.NewRegistry()
	alerts := router.New(registry, graph, collector)

	dispatcher := server.NewDispatcher(credentials, graph, alerts, registry, server.DispatcherOptions{
		AuthLimiter:  ratelimit.FromConfig(cfg.AuthRate),
		AlertLimiter: ratelimit.FromConfig(cfg.AlertRate),
		Metrics:      collector,
	})
	srv := server.New(dispatcher, registry, server.Options{
		MaxFrameSize: cfg.MaxFrameBytes,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
		Metrics:      collector,
	})

	deps := &dependencies{
		Users:    users,
		Auth:     credentials,
		Graph:    graph,
		Registry: registry,
		Router:   alerts,
		Server:   srv,
		Metrics:  collector,
		Gatherer: promRegistry,
		cfg:      cfg,
	}

	if cfg.ObjectStore.Enabled() {
		clips, err := storage.NewS3Storage(ctx, cfg.ObjectStore)
		if err != nil {
			return nil, fmt.Errorf("configure clip storage: %w", err)
		}
		deps.Clips = clips
	}

	return deps, nil
}

func buildStores(cfg config.Config, pool db.Pool) (repositories.UserRepository, repositories.FriendshipRepository, error) {
	switch cfg.Store {
	case config.StoreMemory, "":
		return repositories.NewMemoryUserRepository(), repositories.NewMemoryFriendshipRepository(), nil
	case config.StorePostgres:
		if pool == nil {
			return nil, nil, fmt.Errorf("store %q requires a database pool", cfg.Store)
		}
		return repositories.NewPostgresUserRepository(pool), repositories.NewPostgresFriendshipRepository(pool), nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// routes builds the HTTP surface. Websocket sessions live until ctx ends.
func (d *dependencies) routes(ctx context.Context) handlers.Dependencies {
	return handlers.Dependencies{
		Tokens:       d.Auth,
		Clips:        d.Clips,
		ClipLimiter:  ratelimit.New(10, time.Minute, 5, 0),
		MaxClipBytes: d.cfg.ClipUpload.MaxBytes,
		Sessions:     d.Registry,
		Metrics:      metrics.Handler(d.Gatherer),
		WebSocket:    d.Server.WebSocketHandler(ctx),
	}
}

func (d *dependencies) handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, d.routes(ctx))
	return mux
}
