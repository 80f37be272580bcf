package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphmed/bioquery/catalog"
	"github.com/graphmed/bioquery/config"
	"github.com/graphmed/bioquery/jobs"
	"github.com/graphmed/bioquery/llm"
	"github.com/graphmed/bioquery/pipeline"
	"github.com/graphmed/bioquery/refine"
	"github.com/graphmed/bioquery/server"
	"github.com/graphmed/bioquery/sparql"
)

// App wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	packs          *catalog.Provider
	pipeline       *pipeline.Pipeline
	registry       *prometheus.Registry
	natsConn       *nats.Conn
	embeddedServer *natsserver.Server
}

// NewApp builds the component graph from configuration. The pipeline is
// usable immediately; Serve additionally runs the HTTP API.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	packs, err := catalog.NewProvider(cfg.Packs.Dir,
		catalog.WithMaxAge(cfg.Packs.MaxAge),
		catalog.WithProviderLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("load packs: %w", err)
	}
	a.packs = packs

	if cfg.Packs.Watch && cfg.Packs.Dir != "" {
		if err := packs.Watch(); err != nil {
			a.Close()
			return nil, fmt.Errorf("watch packs: %w", err)
		}
	}

	queryOpts := []sparql.ClientOption{
		sparql.WithTimeout(cfg.Query.Timeout),
		sparql.WithLogger(logger),
	}
	pipelineOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithStepTimeout(cfg.Query.Timeout),
		pipeline.WithMetrics(pipeline.NewMetrics(a.registry)),
	}

	if cfg.Model.Enabled {
		llmClient := llm.NewClient(cfg.Registry(), llm.WithLogger(logger))
		queryOpts = append(queryOpts, sparql.WithRepairer(refine.NewQueryFixer(llmClient, logger)))
		pipelineOpts = append(pipelineOpts, pipeline.WithRefiner(refine.NewRefiner(llmClient, logger)))
	}

	if cfg.NATS.URL != "" || cfg.NATS.Embedded {
		nc, err := a.startNATS()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.natsConn = nc
		pipelineOpts = append(pipelineOpts, pipeline.WithJobs(jobs.NewClient(nc,
			jobs.WithRequestTimeout(cfg.NATS.RequestTimeout),
			jobs.WithLogger(logger),
		)))
	}

	a.pipeline = pipeline.New(packs, sparql.NewClient(queryOpts...), pipelineOpts...)
	return a, nil
}

// startNATS connects to the configured server, or starts an in-process one
// when only embedded mode is requested.
func (a *App) startNATS() (*nats.Conn, error) {
	if a.cfg.NATS.URL != "" {
		nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name(appName))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		return nc, nil
	}

	ns, err := natsserver.NewServer(&natsserver.Options{
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}
	a.embeddedServer = ns
	a.logger.Info("Embedded NATS server started", "url", ns.ClientURL())

	nc, err := nats.Connect(ns.ClientURL(), nats.Name(appName))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}
	return nc, nil
}

// Pipeline returns the wired pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Serve runs the HTTP API until the context is cancelled.
func (a *App) Serve(ctx context.Context) error {
	srv := server.New(a.pipeline, a.cfg.Server.Addr,
		server.WithLogger(a.logger),
		server.WithMetricsRegistry(a.registry),
	)
	a.logger.Info("Bioquery ready", "version", Version, "addr", a.cfg.Server.Addr)
	return srv.Run(ctx)
}

// Close releases held resources.
func (a *App) Close() {
	if a.packs != nil {
		if err := a.packs.Close(); err != nil {
			a.logger.Warn("Closing pack watcher failed", "error", err)
		}
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
