package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/scorpio/internal/config"
	"github.com/harun/scorpio/internal/logger"
	"github.com/harun/scorpio/internal/observability"
	"github.com/harun/scorpio/internal/tracing"
	"github.com/harun/scorpio/pkg/audit"
	"github.com/harun/scorpio/pkg/cache"
	"github.com/harun/scorpio/pkg/coretools"
	"github.com/harun/scorpio/pkg/cron"
	"github.com/harun/scorpio/pkg/fleet"
	"github.com/harun/scorpio/pkg/llm"
	"github.com/harun/scorpio/pkg/sandbox"
	"github.com/harun/scorpio/pkg/session"
	"github.com/harun/scorpio/pkg/store"
	"github.com/harun/scorpio/pkg/taskgraph"
	"github.com/harun/scorpio/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 10 * time.Second

// Daemon wires every scorpio component from config and runs the
// background jobs and the metrics endpoint.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store     *store.SQLiteStore
	cache     *cache.SQLiteCache
	recorder  *audit.Recorder
	fleet     *fleet.Registry
	tasks     *taskgraph.Manager
	tools     *toolexecutor.Registry
	executor  *toolexecutor.Executor
	sandbox   *sandbox.DockerRunner
	mcp       *toolexecutor.MCPClient
	providers *llm.Set
	sessions  *session.Manager

	scheduler     *cron.Scheduler
	metricsServer *http.Server
	metricsAddr   string
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running     bool                 `json:"running"`
	PID         int                  `json:"pid"`
	StartTime   time.Time            `json:"start_time"`
	Uptime      time.Duration        `json:"uptime"`
	Providers   []string             `json:"providers"`
	Tools       int                  `json:"tools"`
	MetricsAddr string               `json:"metrics_addr,omitempty"`
	NextRuns    map[string]time.Time `json:"next_runs,omitempty"`
}

// New builds the daemon. Components are usable right away; Start adds
// the background jobs and the metrics endpoint.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{config: cfg, logger: log}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			zl := log.Zerolog()
			zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initializeCoreModules(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeTools(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize tools: %w", err)
	}
	if err := d.initializeSessions(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize sessions: %w", err)
	}

	d.scheduler = cron.NewScheduler(log.Zerolog())
	if err := d.registerJobs(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initializeCoreModules(ctx context.Context) error {
	cfg := d.config
	log := d.logger.Zerolog()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := filepath.Join(cfg.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	}

	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	d.store = s
	log.Info().Str("path", cfg.DatabasePath()).Msg("Store opened")

	c, err := cache.NewSQLiteCache(ctx, s.DB())
	if err != nil {
		return err
	}
	d.cache = c

	d.recorder, err = audit.NewRecorder(audit.Config{
		Store:  s,
		Cache:  c,
		Logger: d.logger.Component("audit"),
	})
	if err != nil {
		return err
	}

	d.fleet, err = fleet.NewRegistry(fleet.Config{
		Store:   s,
		Auditor: d.recorder,
		Logger:  d.logger.Component("fleet"),
	})
	if err != nil {
		return err
	}

	d.tasks, err = taskgraph.NewManager(taskgraph.Config{
		Store:     s,
		Allocator: d.fleet,
		Auditor:   d.recorder,
		Logger:    d.logger.Component("taskgraph"),
	})
	return err
}

func (d *Daemon) initializeTools(ctx context.Context) error {
	cfg := d.config
	log := d.logger.Component("tools")

	d.tools = toolexecutor.NewRegistry(log)
	execCfg := toolexecutor.Config{
		Registry:    d.tools,
		Store:       d.store,
		Cache:       d.cache,
		Logger:      log,
		MaxRetries:  cfg.Tools.MaxRetries,
		RateLimit:   cfg.Tools.RateLimit,
		CacheTTL:    cfg.Tools.CacheTTL,
		BackoffUnit: cfg.Tools.BackoffUnit,
		Timeout:     cfg.Tools.Timeout,
	}

	if cfg.Sandbox.Enabled {
		runner, err := sandbox.NewDockerRunner(cfg.Sandbox.Config, d.logger.Component("sandbox"))
		if err != nil {
			return fmt.Errorf("failed to create sandbox runner: %w", err)
		}
		d.sandbox = runner
		execCfg.Sandbox = runner

		names, err := coretools.RegisterSandboxTools(d.tools, cfg.Sandbox.Tools)
		if err != nil {
			return err
		}
		log.Info().Strs("tools", names).Str("image", cfg.Sandbox.Image).Msg("Sandbox tools registered")
	}

	executor, err := toolexecutor.New(execCfg)
	if err != nil {
		return err
	}
	d.executor = executor

	names, err := coretools.RegisterCoreTools(d.tools, coretools.Options{
		Fleet:     d.fleet,
		Tasks:     d.tasks,
		Analytics: d.recorder,
	})
	if err != nil {
		return err
	}
	log.Info().Strs("tools", names).Msg("Core tools registered")

	if cfg.MCP.Enabled {
		var opts []toolexecutor.MCPOption
		if cfg.MCP.APIKey != "" {
			opts = append(opts, toolexecutor.WithAPIKey(cfg.MCP.APIKey))
		}
		client, err := toolexecutor.NewMCPClient(cfg.MCP.URL, d.logger.Component("mcp"), opts...)
		if err != nil {
			return fmt.Errorf("failed to create tool catalog client: %w", err)
		}
		d.mcp = client

		// An unreachable catalog is not fatal; sessions refresh it per turn.
		if names, err := d.tools.RegisterCatalogTools(ctx, cfg.MCP.Prefix, client); err != nil {
			log.Warn().Err(err).Str("url", cfg.MCP.URL).Msg("Failed to load catalog tools")
		} else {
			log.Info().Strs("tools", names).Msg("Catalog tools registered")
		}
		if _, err := d.tools.RegisterResourceTools(cfg.MCP.Prefix, client); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) initializeSessions(ctx context.Context) error {
	cfg := d.config
	log := d.logger.Zerolog()

	providers, err := llm.NewSet(ctx, cfg.Providers.List())
	if err != nil {
		return err
	}
	d.providers = providers
	if len(providers.Names()) == 0 {
		log.Warn().Msg("No LLM provider has an API key, chat is disabled")
	}

	sessCfg := session.Config{
		Store:         d.store,
		Providers:     providers,
		Executor:      d.executor,
		Logger:        d.logger.Component("session"),
		SystemPrompt:  cfg.Session.SystemPrompt,
		MaxToolRounds: cfg.Session.MaxToolRounds,
	}
	if d.mcp != nil {
		sessCfg.Catalog = d.mcp
		sessCfg.CatalogPrefix = cfg.MCP.Prefix
	}
	d.sessions, err = session.New(sessCfg)
	if err != nil {
		return err
	}
	d.executor.SetLog(d.sessions)
	return nil
}

// Start writes the PID file, starts the jobs and serves /metrics.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting scorpio daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.config.Metrics.Enabled {
		if err := d.startMetricsServer(); err != nil {
			_ = d.lifecycle.Stop()
			d.setStopped()
			return err
		}
		log.Info().Str("addr", d.metricsAddr).Msg("Metrics endpoint listening")
	}

	d.scheduler.Start()
	log.Info().Strs("providers", d.providers.Names()).Msg("Daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) startMetricsServer() error {
	ln, err := net.Listen("tcp", d.config.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.Metrics.Addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	d.metricsAddr = ln.Addr().String()
	d.metricsServer = &http.Server{
		Handler:           otelhttp.NewHandler(mux, "scorpio.metrics"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := d.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log().Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	return nil
}

// Stop stops the jobs and the metrics endpoint, then releases every
// component.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return errors.New("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.logger.Zerolog()
	log.Info().Msg("Stopping scorpio daemon")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.scheduler.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Background jobs did not finish in time")
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}
	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.Close()
	log.Info().Msg("Daemon stopped successfully")
	return nil
}

// Close releases the store, sandbox client, catalog client, tracer and
// audit stream. It is safe on a partially built daemon.
func (d *Daemon) Close() {
	log := d.logger.Zerolog()

	if d.sandbox != nil {
		if err := d.sandbox.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close sandbox client")
		}
		d.sandbox = nil
	}
	if d.mcp != nil {
		d.mcp.Close()
		d.mcp = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
		d.store = nil
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Run starts the daemon and blocks until ctx ends or SIGINT/SIGTERM
// arrives, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	d.log().Info().Msg("Shutdown requested")

	return d.Stop()
}

// ApplyConfig takes the parts of a reloaded config that can change at
// runtime. Everything else needs a restart.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	d.mu.Lock()
	previous := d.config.Logging.Level
	d.config.Logging.Level = cfg.Logging.Level
	d.mu.Unlock()

	if cfg.Logging.Level != previous {
		if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
			d.log().Warn().Err(err).Msg("Ignoring invalid log level")
		}
	}
	d.log().Info().Msg("Configuration reloaded; restart to apply changes outside logging")
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:     d.running,
		PID:         os.Getpid(),
		Providers:   d.providers.Names(),
		Tools:       len(d.tools.List()),
		MetricsAddr: d.metricsAddr,
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
		status.NextRuns = make(map[string]time.Time)
		for _, name := range jobNames {
			if next, ok := d.scheduler.Next(name); ok {
				status.NextRuns[name] = next
			}
		}
	}
	return status
}

func (d *Daemon) log() *zerolog.Logger {
	l := d.logger.Zerolog()
	return &l
}

// Config returns the daemon configuration
func (d *Daemon) Config() *config.Config { return d.config }

// Fleet returns the agent registry.
func (d *Daemon) Fleet() *fleet.Registry { return d.fleet }

// Tasks returns the task manager.
func (d *Daemon) Tasks() *taskgraph.Manager { return d.tasks }

// Executor returns the tool executor.
func (d *Daemon) Executor() *toolexecutor.Executor { return d.executor }

// Recorder returns the audit and analytics recorder.
func (d *Daemon) Recorder() *audit.Recorder { return d.recorder }

// Sessions returns the session manager.
func (d *Daemon) Sessions() *session.Manager { return d.sessions }

// Providers returns the configured LLM providers.
func (d *Daemon) Providers() *llm.Set { return d.providers }
