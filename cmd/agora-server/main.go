// Command agora-server is the Agora Marketplace Core process entrypoint: it
// wires the Coordination Store (C3), Identity Verifier (C2), Authority
// Engine (C4), Event Fabric (C5), Tool Server (C6), and Workflow Coordinator
// (C7) together and exposes the result over HTTP for the Consumer Client
// Library (C9) and any other HTTP-capable agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"goa.design/clue/log"

	"github.com/agora-labs/marketplace-core/internal/audit"
	"github.com/agora-labs/marketplace-core/internal/authority"
	"github.com/agora-labs/marketplace-core/internal/config"
	"github.com/agora-labs/marketplace-core/internal/eventfabric"
	"github.com/agora-labs/marketplace-core/internal/httpapi"
	"github.com/agora-labs/marketplace-core/internal/identity"
	"github.com/agora-labs/marketplace-core/internal/mcpadapter"
	"github.com/agora-labs/marketplace-core/internal/store"
	"github.com/agora-labs/marketplace-core/internal/store/inmem"
	mongostore "github.com/agora-labs/marketplace-core/internal/store/mongo"
	"github.com/agora-labs/marketplace-core/internal/telemetry"
	"github.com/agora-labs/marketplace-core/internal/toolserver"
	"github.com/agora-labs/marketplace-core/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	httpAddr := flag.String("http-addr", ":8080", "address the HTTP surface listens on")
	mcpAddr := flag.String("mcp-addr", ":8090", "address the MCP tool adapter listens on")
	flag.Parse()

	ctx := log.Context(context.Background())
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *httpAddr, *mcpAddr); err != nil {
		log.Printf(ctx, "agora-server exited: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, httpAddr, mcpAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}

	auditLog, err := buildAuditLog(cfg)
	if err != nil {
		return fmt.Errorf("build audit log: %w", err)
	}

	fabric, err := buildEventFabric(cfg, backend, auditLog)
	if err != nil {
		return fmt.Errorf("build event fabric: %w", err)
	}
	defer fabric.Close()

	st := store.New(backend, auditLog, cfg.ReducerQueueDepth, store.WithPublisher(fabric), store.WithLogger(telemetry.NewClueLogger()))
	defer st.Close()

	verifier := identity.NewVerifier(auditLog, identity.WithLogger(telemetry.NewClueLogger()))
	defer verifier.Close()
	if cfg.ProjectRoot != "" {
		if err := verifier.WatchTampering(ctx, cfg.ProjectRoot); err != nil {
			log.Printf(ctx, "identity tampering watch disabled: %v", err)
		}
	}
	engine := authority.NewEngine(auditLog)
	coordinator := workflow.New(st, workflow.WithLogger(telemetry.NewClueLogger()))

	tools := toolserver.New(st, verifier, engine, auditLog,
		toolserver.WithLogger(telemetry.NewClueLogger()),
		toolserver.WithTaskUpdateHook(func(ctx context.Context, task store.Task) {
			if err := coordinator.Advance(ctx, task); err != nil {
				log.Printf(ctx, "workflow coordinator advance failed: %v", err)
			}
		}),
	)

	stopCoordinator, err := startCoordinator(ctx, cfg, coordinator)
	if err != nil {
		return fmt.Errorf("start workflow coordinator: %w", err)
	}
	defer stopCoordinator()

	httpServer := httpapi.New(tools, fabric, httpapi.WithLogger(telemetry.NewClueLogger()))
	mcpServer := mcpadapter.New(tools, mcpadapter.WithLogger(telemetry.NewClueLogger()))

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 2)
	go func() { errc <- httpServer.ListenAndServe(serveCtx, httpAddr) }()
	go func() { errc <- mcpServer.ListenAndServe(serveCtx, mcpAddr) }()

	err = <-errc
	cancel()
	if second := <-errc; second != nil && err == nil {
		err = second
	}
	return err
}

// buildBackend selects the Coordination Store backend from cfg.StoreURI: an
// "inmem://" URI (for local development and demos) constructs the in-memory
// backend directly; anything else is treated as a MongoDB connection
// string, mirroring the teacher's mongo.Connect wiring.
func buildBackend(ctx context.Context, cfg config.Config) (store.Backend, error) {
	if strings.HasPrefix(cfg.StoreURI, "inmem://") {
		return inmem.New(), nil
	}

	mongoClient, err := mongodriver.Connect(ctx, options.Client().ApplyURI(cfg.StoreURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	database := databaseFromURI(cfg.StoreURI)
	return mongostore.New(mongostore.Options{Client: mongoClient, Database: database})
}

func buildAuditLog(cfg config.Config) (*audit.Log, error) {
	if strings.HasPrefix(cfg.StoreURI, "inmem://") {
		return audit.NewLog(audit.NewInmemStore(), telemetry.NewClueLogger()), nil
	}
	mongoClient, err := mongodriver.Connect(context.Background(), options.Client().ApplyURI(cfg.StoreURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo for audit log: %w", err)
	}
	mongoAudit, err := audit.NewMongoStore(audit.MongoOptions{Client: mongoClient, Database: databaseFromURI(cfg.StoreURI)})
	if err != nil {
		return nil, err
	}
	return audit.NewLog(mongoAudit, telemetry.NewClueLogger()), nil
}

func databaseFromURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "agora"
	}
	name := strings.TrimPrefix(parsed.Path, "/")
	if name == "" {
		return "agora"
	}
	return name
}

// buildEventFabric wires the durable Redis Streams mirror only when
// cfg.RedisAddr is configured; without it the fabric still functions, just
// without cross-restart replay, per eventfabric.WithTransport's doc comment.
func buildEventFabric(cfg config.Config, backend store.Backend, auditLog *audit.Log) (*eventfabric.Fabric, error) {
	opts := []eventfabric.Option{
		eventfabric.WithQueueSize(cfg.SubscriberQueueSize),
		eventfabric.WithRetention(cfg.EventRetention),
		eventfabric.WithLogger(telemetry.NewClueLogger()),
	}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pulseClient, err := eventfabric.NewClient(eventfabric.ClientOptions{Redis: redisClient})
		if err != nil {
			return nil, err
		}
		transport, err := eventfabric.NewTransport(eventfabric.TransportOptions{Client: pulseClient})
		if err != nil {
			return nil, err
		}
		opts = append(opts, eventfabric.WithTransport(transport))
	}
	return eventfabric.New(backend, auditLog, opts...), nil
}

// startCoordinator drives the Workflow Coordinator (C7): over Temporal if
// cfg.TemporalHostPort is configured, otherwise via the coordinator's own
// background polling loop. Either way it returns a stop function the caller
// runs on shutdown.
func startCoordinator(ctx context.Context, cfg config.Config, coordinator *workflow.Coordinator) (func(), error) {
	if cfg.TemporalHostPort == "" {
		coordinator.Run(ctx)
		return coordinator.Stop, nil
	}

	temporalClient, err := client.Dial(client.Options{HostPort: cfg.TemporalHostPort})
	if err != nil {
		return nil, fmt.Errorf("dial temporal: %w", err)
	}
	w := worker.New(temporalClient, workflow.TaskQueue, worker.Options{})
	workflow.Register(w, &workflow.Activities{Coordinator: coordinator})
	if err := w.Start(); err != nil {
		temporalClient.Close()
		return nil, fmt.Errorf("start temporal worker: %w", err)
	}
	return func() {
		w.Stop()
		temporalClient.Close()
	}, nil
}
