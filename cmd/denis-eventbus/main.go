// Command denis-eventbus runs the WebSocket-first event bus and its graph
// materialization layer: SQLite event store, in-memory hub (optionally
// mirrored to Pulse streams), persona frontdoor, Neo4j materializer, and the
// Control-Room work queue, behind the HTTP/WS surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/iNandix/denis/internal/config"
	"github.com/iNandix/denis/internal/controlroom"
	"github.com/iNandix/denis/internal/controlroom/memstore"
	"github.com/iNandix/denis/internal/controlroom/mongostore"
	enginepkg "github.com/iNandix/denis/internal/engine"
	engineinmem "github.com/iNandix/denis/internal/engine/inmem"
	enginetemporal "github.com/iNandix/denis/internal/engine/temporal"
	"github.com/iNandix/denis/internal/eventhub"
	"github.com/iNandix/denis/internal/eventhub/pulsemirror"
	"github.com/iNandix/denis/internal/eventstore"
	"github.com/iNandix/denis/internal/eventstore/inmemstore"
	"github.com/iNandix/denis/internal/eventstore/sqlite"
	"github.com/iNandix/denis/internal/graph"
	"github.com/iNandix/denis/internal/graph/dedupe"
	"github.com/iNandix/denis/internal/guardrails"
	"github.com/iNandix/denis/internal/persona"
	"github.com/iNandix/denis/internal/telemetry"
	"github.com/iNandix/denis/internal/transport/httpapi"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "HTTP listen address")
		redisAddr    = flag.String("redis", "", "Redis address for the optional Pulse event mirror (empty disables)")
		mongoURI     = flag.String("mongo", "", "MongoDB URI for the Control-Room queue store (empty uses in-memory)")
		mongoDB      = flag.String("mongo-db", "denis", "MongoDB database for the Control-Room queue store")
		temporalHost = flag.String("temporal", "", "Temporal host:port for durable run execution (empty uses in-memory)")
		debug        = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *addr, *redisAddr, *mongoURI, *mongoDB, *temporalHost); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, redisAddr, mongoURI, mongoDB, temporalHost string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	bundle := telemetry.Bundle{
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
	}

	// Event store: SQLite, degrading to in-memory so the bus stays up when
	// the database path is unusable.
	var store eventstore.Store
	if s, err := sqlite.Open(ctx, cfg.EventsDBPath); err != nil {
		bundle.Logger.Warn(ctx, "sqlite event store unavailable; using in-memory store", "path", cfg.EventsDBPath, "error", err)
		store = inmemstore.New()
	} else {
		store = s
	}
	defer store.Close()

	// Mutation dedupe store, same degradation path.
	var dedupeStore dedupe.Store
	if d, err := dedupe.OpenSQLite(ctx, cfg.GMLDBPath); err != nil {
		bundle.Logger.Warn(ctx, "sqlite dedupe store unavailable; using in-memory dedupe", "path", cfg.GMLDBPath, "error", err)
		dedupeStore = dedupe.NewMemory()
	} else {
		dedupeStore = d
	}
	defer dedupeStore.Close()

	// Graph: Neo4j when enabled, no-op otherwise.
	g := graph.Disabled()
	if cfg.GraphEnabled {
		neo, err := graph.NewNeo4j(graph.Neo4jOptions{
			URI:            cfg.Neo4jURI,
			User:           cfg.Neo4jUser,
			Password:       cfg.Neo4jPassword,
			WriteTimeout:   cfg.GraphWriteTimeout,
			ReadTimeout:    cfg.GraphReadTimeout,
			ConnectTimeout: cfg.GraphConnectTimeout,
		})
		if err != nil {
			bundle.Logger.Warn(ctx, "neo4j driver unavailable; graph disabled", "uri", cfg.Neo4jURI, "error", err)
		} else {
			g = neo
			defer neo.Close(context.Background()) //nolint:errcheck
		}
	}

	materializer := graph.New(g, dedupeStore, bundle, graph.Options{
		GuardOptions: graphGuardOptions(cfg),
		VoiceEnabled: cfg.VoiceEnabled,
	})

	hub := eventhub.New()
	var hubDrops atomic.Int64
	hub.OnDrop(func(string) {
		hubDrops.Add(1)
		bundle.Metrics.IncCounter("denis.hub.backpressure_drop", 1)
	})

	if redisAddr != "" {
		mirror, err := pulsemirror.New(pulsemirror.Options{
			Redis:     redis.NewClient(&redis.Options{Addr: redisAddr}),
			Telemetry: bundle,
		})
		if err != nil {
			bundle.Logger.Warn(ctx, "pulse mirror unavailable", "redis", redisAddr, "error", err)
		} else {
			hub.OnPublish(mirror.Publish)
			defer mirror.Close()
		}
	}

	frontdoor := persona.New(store, hub, materializer, bundle, persona.Options{
		Enforce:            cfg.FrontdoorEnforce,
		BypassMode:         persona.BypassMode(cfg.FrontdoorBypassMode),
		GuardOptions:       eventGuardOptions(cfg),
		GuardrailsDisabled: !cfg.GuardrailsEnabled,
	})

	crService, err := buildControlRoom(ctx, cfg, bundle, frontdoor, mongoURI, mongoDB, temporalHost)
	if err != nil {
		bundle.Logger.Warn(ctx, "control room unavailable", "error", err)
	}

	api := httpapi.New(httpapi.Options{
		Config:       cfg,
		Store:        store,
		Hub:          hub,
		Frontdoor:    frontdoor,
		Materializer: materializer,
		ControlRoom:  crService,
		HubDrops:     &hubDrops,
		Telemetry:    bundle,
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		bundle.Logger.Info(ctx, "denis event bus listening", "addr", addr, "graph_enabled", cfg.GraphEnabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildControlRoom wires the work queue: Mongo-backed store when a URI is
// provided, Temporal-backed engine when a host is provided, in-memory
// defaults otherwise.
func buildControlRoom(ctx context.Context, cfg config.Config, bundle telemetry.Bundle, frontdoor *persona.Frontdoor, mongoURI, mongoDB, temporalHost string) (*controlroom.Service, error) {
	var store controlroom.Store = memstore.New()
	if mongoURI != "" {
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(mongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		s, err := mongostore.New(ctx, mongostore.Options{Client: client, Database: mongoDB})
		if err != nil {
			return nil, fmt.Errorf("build mongo queue store: %w", err)
		}
		store = s
	}

	var eng enginepkg.Engine
	if temporalHost != "" {
		t, err := enginetemporal.New(enginetemporal.Options{
			ClientOptions: &temporalclient.Options{HostPort: temporalHost},
			TaskQueue:     "denis-control-room",
			WorkflowType:  "ControlRoomRun",
		})
		if err != nil {
			return nil, fmt.Errorf("build temporal engine: %w", err)
		}
		eng = t
	} else {
		inmemEngine, err := engineinmem.New(engineinmem.Options{
			Execute: func(context.Context, enginepkg.RunRequest) (map[string]any, error) {
				// Local runs have no worker fleet; they complete
				// immediately so the lifecycle events still flow.
				return map[string]any{"steps_total": 1, "steps_failed": 0}, nil
			},
		})
		if err != nil {
			return nil, err
		}
		eng = inmemEngine
	}

	return controlroom.NewService(controlroom.Options{
		Store:     store,
		Engine:    eng,
		Emitter:   frontdoor,
		Telemetry: &bundle,
	})
}

func eventGuardOptions(cfg config.Config) guardrails.Options {
	opts := guardrails.DefaultEventOptions()
	opts.MaxStringLen = cfg.MaxStrLenEvent
	opts.MaxListLen = cfg.MaxListLenEvent
	if len(cfg.DenyKeysEvent) > 0 {
		opts.DenyKeySubstrings = cfg.DenyKeysEvent
	}
	return opts
}

func graphGuardOptions(cfg config.Config) guardrails.Options {
	opts := guardrails.DefaultGraphOptions()
	opts.MaxStringLen = cfg.MaxStrLenGraph
	opts.MaxListLen = cfg.MaxListLenGraph
	if len(cfg.DenyKeysGraph) > 0 {
		opts.DenyKeySubstrings = cfg.DenyKeysGraph
	}
	return opts
}
