package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/agent"
	"github.com/nidhogg/overseer/internal/api"
	"github.com/nidhogg/overseer/internal/audit"
	"github.com/nidhogg/overseer/internal/breaker"
	"github.com/nidhogg/overseer/internal/bus"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/consensus"
	"github.com/nidhogg/overseer/internal/health"
	"github.com/nidhogg/overseer/internal/orchestrator"
	"github.com/nidhogg/overseer/internal/registry"
	"github.com/nidhogg/overseer/internal/scheduler"
	"github.com/nidhogg/overseer/internal/task"
)

func main() {
	_ = godotenv.Load()

	logger := newLogger(os.Getenv("LOG_LEVEL"))
	defer logger.Sync()

	logger.Info("Starting Overseer...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/overseer.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Event bus: Redis Streams when available, in-process otherwise
	var publisher bus.Publisher
	var redisBus *bus.RedisBus
	if cfg.Database.Redis.URL != "" {
		rb, busErr := bus.NewRedisBus(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, using in-process event bus", zap.Error(busErr))
		} else {
			redisBus = rb
			publisher = rb
		}
	}
	if publisher == nil {
		publisher = bus.NewMemoryBus(logger)
	}

	// Audit trail: PostgreSQL, then Redis, then memory
	trail := newAuditStore(cfg, logger)

	// Health tracking with alert events on the bus
	tracker := health.NewTracker(cfg.Health.WindowSize, logger,
		health.WithAlertThresholds(ms(cfg.Health.P95AlertMS), cfg.Health.ErrorRateAlert),
		health.WithAlertFunc(func(a health.Alert) {
			_ = publisher.Publish(context.Background(), &bus.Event{
				Type:     bus.EventHealthAlert,
				Severity: bus.SeverityWarning,
				AgentID:  a.AgentID,
				Message:  a.Reason,
			})
		}))

	// Registry, scheduler, breaker
	reg := registry.New(registry.Config{
		MaxConcurrent:     cfg.Pool.MaxConcurrent,
		MinPool:           cfg.Pool.MinPool,
		MaxPool:           cfg.Pool.MaxPool,
		HealthInterval:    ms(cfg.Pool.HealthIntervalMS),
		DegradedThreshold: cfg.Pool.DegradedThreshold,
		DegradedCooldown:  ms(cfg.Pool.DegradedCooldownMS),
		DrainTimeout:      ms(cfg.Pool.DrainTimeoutMS),
	}, tracker, publisher, logger)

	sched := scheduler.New(reg, cfg.Scheduler.QueueCapacity, logger)

	brk := breaker.New(cfg.Breaker.MaxFailures, ms(cfg.Breaker.CooldownMS), logger)
	exec := breaker.NewExecutor(brk, breaker.ExecutorConfig{
		MaxAttempts: cfg.Breaker.MaxAttempts,
		BackoffBase: ms(cfg.Breaker.BackoffBaseMS),
		CallTimeout: ms(cfg.Breaker.CallTimeoutMS),
	}, tracker.Record, logger)

	validator, err := consensus.New(consensus.Config{
		Agents:    cfg.Consensus.Agents,
		Quorum:    cfg.Consensus.Quorum,
		Window:    ms(cfg.Consensus.WindowMS),
		MaxRounds: cfg.Consensus.MaxRounds,
		MaxFaulty: cfg.Consensus.MaxFaulty,
	}, logger)
	if err != nil {
		logger.Fatal("invalid consensus config", zap.Error(err))
	}

	orc := orchestrator.New(orchestrator.Config{
		DefaultDeadline: ms(cfg.Scheduler.DefaultDeadlineMS),
		Retention:       ms(cfg.Scheduler.RetentionMS),
	}, sched, reg, brk, exec, validator, publisher, trail, logger)
	orc.Start()

	// Config-declared agent pools. The loopback invoker echoes payloads;
	// real deployments register agents over the API or embed the engine.
	factory := loopbackFactory(logger)
	for _, pool := range cfg.Agents {
		for i := 0; i < pool.Size; i++ {
			caps := make([]agent.Capability, 0, len(pool.Capabilities))
			for _, c := range pool.Capabilities {
				caps = append(caps, agent.Capability(c))
			}
			if len(caps) == 0 {
				caps = []agent.Capability{agent.Capability(pool.Type)}
			}
			desc := &agent.Descriptor{
				ID:           fmt.Sprintf("%s-%s", pool.Type, uuid.New().String()[:8]),
				Type:         pool.Type,
				Capabilities: caps,
			}
			if regErr := orc.RegisterAgent(context.Background(), desc, factory(pool.Type)); regErr != nil {
				logger.Warn("agent failed to start",
					zap.String("id", desc.ID),
					zap.Error(regErr))
			}
		}
		logger.Info("agent pool created", zap.String("type", pool.Type), zap.Int("size", pool.Size))
	}

	// Build HTTP handler
	handler := api.NewHandler(orc, trail, factory, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Overseer listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Overseer...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	orc.Close()
	if redisBus != nil {
		redisBus.Close()
	}
	if trail != nil {
		trail.Close()
	}
}

// newAuditStore picks the first reachable backend: PostgreSQL, Redis, memory.
func newAuditStore(cfg *config.Config, logger *zap.Logger) audit.Store {
	if cfg.Database.Postgres.DSN != "" {
		ps, err := audit.NewPostgresStore(cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable for audit trail", zap.Error(err))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			return ps
		}
	}
	if cfg.Database.Redis.URL != "" {
		rs, err := audit.NewRedisStore(cfg.Database.Redis.URL, 0, logger)
		if err != nil {
			logger.Warn("Redis unavailable for audit trail", zap.Error(err))
		} else {
			return rs
		}
	}
	logger.Info("audit trail in memory only")
	return audit.NewMemoryStore()
}

// loopbackFactory builds invokers that acknowledge work without external
// calls. Useful for smoke testing a deployment before real agents attach.
func loopbackFactory(logger *zap.Logger) api.InvokerFactory {
	return func(agentType string) agent.Invoker {
		return agent.InvokerFunc(func(ctx context.Context, req *task.Request) (*task.Response, error) {
			logger.Debug("loopback execution",
				zap.String("task", req.TaskID),
				zap.String("type", agentType))
			return &task.Response{Output: fmt.Sprintf("%s:%s", agentType, req.Payload)}, nil
		})
	}
}

func newLogger(level string) *zap.Logger {
	if strings.EqualFold(level, "debug") {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
