// Package main is the unified entry point for MycoNet.
// This single binary runs the agent runtime, the integration fabric, the
// event intake, and the HTTP edge together with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/agent"
	"github.com/myconet/myconet/internal/agents/dao"
	"github.com/myconet/myconet/internal/agents/knowledge"
	"github.com/myconet/myconet/internal/agents/mycology"
	"github.com/myconet/myconet/internal/agents/telemetry"
	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/common/config"
	"github.com/myconet/myconet/internal/common/logger"
	"github.com/myconet/myconet/internal/common/tracing"
	"github.com/myconet/myconet/internal/credentials"
	"github.com/myconet/myconet/internal/db"
	"github.com/myconet/myconet/internal/fabric/audit"
	"github.com/myconet/myconet/internal/fabric/connector"
	"github.com/myconet/myconet/internal/fabric/registry"
	"github.com/myconet/myconet/internal/fabric/router"
	"github.com/myconet/myconet/internal/gateway/websocket"
	"github.com/myconet/myconet/internal/httpapi"
	"github.com/myconet/myconet/internal/intake"
	"github.com/myconet/myconet/internal/metrics"
	"github.com/myconet/myconet/internal/orchestrator"
	"github.com/myconet/myconet/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting MycoNet...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Message bus (in-memory by default, NATS when configured)
	var msgBus bus.Bus
	if cfg.Bus.Driver == "nats" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.Bus.URL))
		natsBus, err := bus.NewNATSBus(cfg.Bus, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		msgBus = natsBus
		log.Info("Connected to NATS bus")
	} else {
		log.Info("Using in-memory bus")
		msgBus = bus.NewMemoryBus(log)
	}
	defer msgBus.Close()

	// 4. Relational store (sqlite by default, postgres when configured)
	pool, err := openPool(cfg)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer pool.Close()
	log.Info("Database ready", zap.String("driver", cfg.Database.Driver))

	eventStore, err := store.NewEventStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize event store", zap.Error(err))
	}
	auditStore, err := store.NewAuditStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize audit store", zap.Error(err))
	}

	// 5. Metrics
	m := metrics.New()

	// 6. Audit trail: relational table plus append-only JSONL file
	jsonl, err := store.NewJSONLWriter(cfg.Audit.JSONLPath)
	if err != nil {
		log.Fatal("Failed to open audit file", zap.Error(err), zap.String("path", cfg.Audit.JSONLPath))
	}
	defer jsonl.Close()
	auditLog := audit.NewLogger(auditStore, jsonl, msgBus, log)

	// 7. Integration catalog
	catalog, err := registry.New(log)
	if err != nil {
		log.Fatal("Failed to load embedded catalog", zap.Error(err))
	}
	if cfg.Registry.Path != "" {
		if err := catalog.LoadFromFile(cfg.Registry.Path); err != nil {
			log.Fatal("Failed to load integration catalog", zap.Error(err), zap.String("path", cfg.Registry.Path))
		}
	}
	log.Info("Integration catalog loaded",
		zap.Int("integrations", len(catalog.List())),
		zap.String("version", catalog.Version()))

	// 8. Credentials
	creds := credentials.NewStore(log)
	creds.AddProvider(credentials.NewEnvProvider())
	if cfg.Credentials.Provider == "file" {
		creds.AddProvider(credentials.NewFileProvider(cfg.Credentials.FilePath))
	}

	// 9. Fabric router with its native handlers
	conn := connector.New(creds, connector.Config{
		MaxAttempts: cfg.Fabric.MaxRetries,
		RetryBase:   time.Duration(cfg.Fabric.RetryBaseMS) * time.Millisecond,
	}, log)
	fabric := router.New(catalog, conn, auditLog, m, router.Config{
		DispatchTimeout: cfg.Fabric.DispatchTimeoutDuration(),
	}, log)
	fabric.RegisterHandler(router.NewBusHandler(msgBus))

	fabricDocs, err := store.NewDocumentStore(filepath.Join(cfg.DataDir, "fabric"))
	if err != nil {
		log.Fatal("Failed to open fabric document store", zap.Error(err))
	}
	fabric.RegisterHandler(router.NewStoreHandler(fabricDocs))

	// 10. Event intake
	intakeSvc := intake.NewService(eventStore, msgBus, m, intake.Config{
		CriticalAttempts: cfg.Intake.CriticalAttempts,
		CriticalDeadline: cfg.Intake.CriticalDeadlineDuration(),
		SweepInterval:    cfg.Intake.SweepIntervalDuration(),
		SweepWindowHours: cfg.Intake.SweepWindow,
	}, log)
	intakeSvc.StartSweep(ctx)

	// 11. Orchestrator and agents
	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Runtime.BusQueueDepth = cfg.Bus.QueueDepth
	orch := orchestrator.New(msgBus, log, cfg.DataDir, orchCfg)
	orch.SetAuditor(auditLog)

	entries := cfg.Agents
	if len(entries) == 0 {
		log.Info("No agents configured, registering the default topology")
		entries = defaultAgents()
	}
	for _, e := range entries {
		factory, err := factoryFor(e.Kind, intakeSvc)
		if err != nil {
			log.Fatal("Unknown agent kind", zap.String("agent_id", e.ID), zap.String("kind", e.Kind))
		}
		desc := agent.Descriptor{
			ID:        e.ID,
			Name:      e.Name,
			Kind:      e.Kind,
			Config:    e.Config,
			DependsOn: e.DependsOn,
		}
		if err := orch.Register(desc, factory); err != nil {
			log.Fatal("Failed to register agent", zap.String("agent_id", e.ID), zap.Error(err))
		}
	}

	if err := orch.StartAll(ctx); err != nil {
		log.Fatal("Failed to start agents", zap.Error(err))
	}
	m.WatchHealth(orch)

	// 12. WebSocket gateway
	hub := websocket.NewHub(msgBus, log)
	if err := hub.Bridge(); err != nil {
		log.Fatal("Failed to bridge gateway onto the bus", zap.Error(err))
	}
	go hub.Run(ctx)
	wsHandler := websocket.NewHandler(hub, log)

	// 13. HTTP edge
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	edge := httpapi.NewServer(fabric, intakeSvc, orch, m, wsHandler, httpapi.Config{
		MaxInflight: int64(cfg.Server.MaxInflight),
	}, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      edge.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("command", "/command"),
		zap.String("event", "/event"),
		zap.String("websocket", "/ws"),
		zap.String("metrics", "/metrics"))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down MycoNet...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := orch.StopAll(shutdownCtx, 0); err != nil {
		log.Error("Agent shutdown error", zap.Error(err))
	}
	intakeSvc.Wait()
	hub.Unbridge()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}

	log.Info("MycoNet stopped")
}

// openPool builds the relational pool for the configured driver.
func openPool(cfg *config.Config) (*db.Pool, error) {
	if cfg.Database.Driver == "postgres" {
		return db.OpenPostgresPool(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	}
	return db.OpenSQLitePool(cfg.Database.Path)
}

// factoryFor maps a configured agent kind onto its constructor.
func factoryFor(kind string, events telemetry.Submitter) (orchestrator.Factory, error) {
	switch kind {
	case mycology.Kind:
		return mycology.Factory, nil
	case dao.Kind:
		return dao.Factory, nil
	case knowledge.Kind:
		return knowledge.Factory, nil
	case telemetry.Kind:
		return telemetry.NewFactory(events), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q", kind)
	}
}

// defaultAgents is the research-cooperative topology registered when the
// configuration names no agents.
func defaultAgents() []config.AgentEntry {
	return []config.AgentEntry{
		{ID: "mycology_bio", Name: "Mycology Research", Kind: mycology.Kind},
		{ID: "dao_treasury", Name: "DAO Treasury", Kind: dao.Kind},
		{ID: "telemetry_field", Name: "Field Telemetry", Kind: telemetry.Kind},
		{
			ID:        "knowledge_graph",
			Name:      "Knowledge Graph",
			Kind:      knowledge.Kind,
			DependsOn: []string{"mycology_bio", "dao_treasury"},
		},
	}
}
