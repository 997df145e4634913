package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/config"
	"github.com/nidhogg/nuka-swarm/internal/embedding"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/mcp"
	"github.com/nidhogg/nuka-swarm/internal/memory"
	"github.com/nidhogg/nuka-swarm/internal/provider"
	pgstore "github.com/nidhogg/nuka-swarm/internal/store"
	"github.com/nidhogg/nuka-swarm/internal/swarm"
	"github.com/nidhogg/nuka-swarm/internal/vectorstore"
	"github.com/nidhogg/nuka-swarm/internal/workflow"
)

// app holds everything a command needs. Optional components stay nil when
// their backing service is not configured or unreachable.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	providers *provider.Router
	embedder  embedding.Provider
	events    *event.Bus
	sink      *event.RedisSink
	memory    *memory.Store
	workers   *agent.Registry
	templates *workflow.Templates
	runs      *pgstore.Store
	closers   []func()
}

func wireApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(cfg.Server.LogLevel)}
	a.logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	steps := []func(context.Context) error{
		a.wireProviders,
		a.wireEvents,
		a.wireMemory,
		a.wireStore,
		a.wireAgents,
		a.wireTemplates,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	switch level {
	case "debug", "development", "":
		logger, err = zap.NewDevelopment()
	default:
		cfg := zap.NewProductionConfig()
		if lvl, perr := zap.ParseAtomicLevel(level); perr == nil {
			cfg.Level = lvl
		}
		logger, err = cfg.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func (a *app) wireProviders(context.Context) error {
	a.providers = provider.NewRouter(a.logger)
	for _, pc := range a.cfg.Providers {
		switch pc.Type {
		case "openai", "":
			a.providers.Register(provider.NewOpenAIProvider(pc, a.logger))
		case "anthropic":
			a.providers.Register(provider.NewAnthropicProvider(pc, a.logger))
		default:
			a.logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}

	if id := a.cfg.DefaultProvider; id != "" {
		a.providers.SetDefault(id)
	}

	emb, err := embedding.New(a.cfg.Embedding)
	if err != nil {
		return err
	}
	a.embedder = emb
	return nil
}

func (a *app) wireEvents(context.Context) error {
	a.events = event.NewBus(a.logger)
	redisCfg := a.cfg.Database.Redis
	if redisCfg.URL == "" {
		return nil
	}
	sink, err := event.NewRedisSink(redisCfg.URL, redisCfg.EventStream, a.logger)
	if err != nil {
		a.logger.Warn("Redis unavailable, events stay in-process", zap.Error(err))
		return nil
	}
	a.sink = sink
	a.events.Subscribe(sink.Listener())
	a.closers = append(a.closers, func() { sink.Close() })
	return nil
}

func (a *app) wireMemory(ctx context.Context) error {
	var embedder memory.Embedder
	if a.embedder != nil {
		embedder = a.embedder
	}
	a.memory = memory.NewStore(a.cfg.Memory, embedder, a.logger)
	a.memory.SetEvents(a.events)

	db := a.cfg.Database
	switch a.cfg.Memory.Backend {
	case "":
		return nil
	case "redis":
		b, err := memory.NewRedisBackend(db.Redis.URL, db.Redis.MemoryPrefix, a.logger)
		if err != nil {
			return fmt.Errorf("memory backend: %w", err)
		}
		a.memory.SetBackend(b)
		a.closers = append(a.closers, func() { b.Close() })
	case "neo4j":
		b, err := memory.NewGraphBackend(db.Neo4j.URI, db.Neo4j.User, db.Neo4j.Password, a.swarmName(), a.logger)
		if err != nil {
			return fmt.Errorf("memory backend: %w", err)
		}
		if err := b.Ping(ctx); err != nil {
			return fmt.Errorf("memory backend: %w", err)
		}
		a.memory.SetBackend(b)
		a.closers = append(a.closers, func() { b.Close(context.Background()) })
	case "qdrant":
		if a.embedder == nil {
			return fmt.Errorf("memory backend qdrant: embedding provider required")
		}
		client, err := vectorstore.NewClient(db.Qdrant)
		if err != nil {
			return fmt.Errorf("memory backend: %w", err)
		}
		a.closers = append(a.closers, func() { client.Close() })
		b, err := memory.NewVectorBackend(ctx, client, a.swarmName()+"_memory", a.embedder.Dimension(), a.logger)
		if err != nil {
			return fmt.Errorf("memory backend: %w", err)
		}
		a.memory.SetBackend(b)
	default:
		return fmt.Errorf("memory backend %q: unsupported", a.cfg.Memory.Backend)
	}
	a.logger.Info("Memory backend ready", zap.String("backend", a.cfg.Memory.Backend))
	return nil
}

func (a *app) wireStore(ctx context.Context) error {
	dsn := a.cfg.Database.Postgres.DSN
	if dsn == "" {
		return nil
	}
	s, err := pgstore.New(ctx, dsn, a.logger)
	if err != nil {
		a.logger.Warn("PostgreSQL unavailable, running without run history", zap.Error(err))
		return nil
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.runs = s
	a.closers = append(a.closers, s.Close)
	return nil
}

func (a *app) wireAgents(ctx context.Context) error {
	a.workers = agent.NewRegistry()

	tools := agent.NewToolRegistry()
	if err := agent.RegisterBuiltinTools(tools, a.memory); err != nil {
		return err
	}
	if err := agent.RegisterDelegationTool(tools, a.workers); err != nil {
		return err
	}
	for _, sc := range a.cfg.MCP.Servers {
		c := mcp.NewClient(sc, a.logger)
		if err := c.Connect(ctx); err != nil {
			a.logger.Warn("MCP server unavailable", zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		a.closers = append(a.closers, func() { c.Close() })
		names, err := mcp.RegisterTools(tools, c)
		if err != nil {
			return fmt.Errorf("mcp %s: %w", sc.Name, err)
		}
		a.logger.Info("MCP tools registered", zap.String("name", sc.Name), zap.Strings("tools", names))
	}

	for _, ac := range a.cfg.Agents {
		if ac.Provider != "" {
			a.providers.Bind(ac.ID, ac.Provider)
		}
		binding := provider.NewBinding(a.providers, ac.ID, ac.Model)
		if a.embedder != nil {
			binding.WithEmbedder(a.embedder.Embed)
		}
		subset, err := tools.Subset(ac.Tools)
		if err != nil {
			return fmt.Errorf("agent %s: %w", ac.ID, err)
		}
		if profile := agent.LoadProfile(a.cfg.ProfilesDir, ac.ID); profile != "" {
			if ac.SystemPrompt != "" {
				ac.SystemPrompt += "\n\n" + profile
			} else {
				ac.SystemPrompt = profile
			}
		}
		if err := a.workers.Register(agent.New(ac, binding, a.memory, subset, a.logger)); err != nil {
			return err
		}
	}
	a.logger.Info("Agents registered", zap.Int("count", len(a.cfg.Agents)))
	return nil
}

func (a *app) wireTemplates(context.Context) error {
	a.templates = workflow.NewTemplates(a.logger)
	a.templates.SetEvents(a.events)
	if a.cfg.WorkflowFile == "" {
		return nil
	}
	n, err := a.templates.LoadFile(a.cfg.WorkflowFile)
	if err != nil {
		return err
	}
	a.logger.Info("Workflow templates loaded", zap.Int("count", n))
	return nil
}

func (a *app) swarmName() string {
	if a.cfg.Swarm.Name != "" {
		return a.cfg.Swarm.Name
	}
	return swarm.DefaultConfig().Name
}

// close releases connections in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.logger.Sync()
}
