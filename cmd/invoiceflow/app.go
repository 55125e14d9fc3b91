package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rendis/invoiceflow/internal/client"
	"github.com/rendis/invoiceflow/internal/journal"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/metrics"
	"github.com/rendis/invoiceflow/internal/monitor"
	"github.com/rendis/invoiceflow/internal/pipeline"
	"github.com/rendis/invoiceflow/internal/steps"
	"github.com/rendis/invoiceflow/internal/transport"
)

// app holds what every subcommand builds from the configuration.
type app struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	pipeline *steps.Pipeline
	client   *client.Client
	journal  *journal.Journal
}

func newApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewCollector()}

	if cfg.PipelinePath != "" {
		a.pipeline, err = pipeline.LoadFile(cfg.PipelinePath, pipeline.WithLogger(logger))
		if err != nil {
			return nil, err
		}
	} else {
		a.pipeline = pipeline.Default(logger)
	}

	if cfg.APIURL != "" {
		a.client, err = client.New(client.Config{BaseURL: cfg.APIURL},
			client.WithLogger(logger), client.WithMetrics(a.metrics))
		if err != nil {
			return nil, err
		}
	}

	if dsn := cfg.journalDSN(); dsn != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		a.journal, err = journal.Open(cmd.Context(), dsn)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) monitor(workflowID string) (*monitor.Monitor, error) {
	opts := []monitor.Option{
		monitor.WithLogger(a.logger),
		monitor.WithMetrics(a.metrics),
		monitor.WithPipeline(a.pipeline),
	}
	if a.client != nil {
		opts = append(opts, monitor.WithClient(a.client))
	}
	if a.journal != nil {
		opts = append(opts, monitor.WithJournal(a.journal))
	}
	return monitor.New(workflowID, transport.Config{
		Endpoint:          a.cfg.WSURL,
		MaxAttempts:       a.cfg.MaxReconnects,
		HeartbeatInterval: a.cfg.heartbeat(),
	}, opts...)
}

// start connects m; a failed first dial keeps retrying in the background.
func (a *app) start(ctx context.Context, m *monitor.Monitor) {
	if !m.Start(ctx) {
		a.logger.Warn("initial connection failed, retrying in background",
			slog.String("workflow_id", m.WorkflowID()))
	}
}

func (a *app) close() {
	if a.journal != nil {
		_ = a.journal.Close()
	}
}
