// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command routingctl operates a routing-ml deployment: the model registry,
// the retraining queue, background training jobs, predictions, quality
// cycles and the drift detector.
//
// # Usage
//
//	routingctl versions list
//	routingctl versions activate v2025-11-01
//	routingctl predict ITEM-0042 --items items.csv --routings routings.csv
//	routingctl quality run --items items.csv --routings routings.csv --actuals actuals.csv
//	routingctl loop process-next
//
// Global flags locate the runtime config and the state directories; every
// other setting comes from the config file and its environment overrides.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/routingml/pkg/logging"
	"github.com/AleutianAI/routingml/pkg/ux"
	"github.com/AleutianAI/routingml/services/routing/config"
	"github.com/AleutianAI/routingml/services/routing/dataset"
	"github.com/AleutianAI/routingml/services/routing/drift"
	"github.com/AleutianAI/routingml/services/routing/queue"
	"github.com/AleutianAI/routingml/services/routing/registry"
	"github.com/AleutianAI/routingml/services/routing/telemetry"
	"github.com/AleutianAI/routingml/services/routing/worker"
)

// --- Global Flags ---
var (
	configPath  string
	registryURL string
	stateDir    string

	cfg    *config.RuntimeConfig
	logger *logging.Logger
	out    = ux.Stderr()

	rootCmd = &cobra.Command{
		Use:           "routingctl",
		Short:         "Operate the routing-ml model lifecycle",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// worker children inherit the environment, not the flags
			if configPath != "" {
				os.Setenv("ROUTING_CONFIG", configPath)
			}
			if registryURL != "" {
				os.Setenv("MODEL_REGISTRY_URL", registryURL)
			}
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
			logger = logging.FromEnv("routingctl")
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				logger.Close()
			}
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", os.Getenv("ROUTING_CONFIG"), "runtime config YAML")
	pf.StringVar(&registryURL, "registry-url", "", "model registry URL (default: MODEL_REGISTRY_URL or config)")
	pf.StringVar(&stateDir, "state-dir", "state", "directory for queue, jobs, drift and quality records")

	rootCmd.AddCommand(versionsCmd, queueCmd, workerCmd, predictCmd, qualityCmd, driftCmd, loopCmd, serveMetricsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "routingctl:", err)
		os.Exit(1)
	}
}

func slogger() *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger.Slog()
}

// statePath returns p when set, otherwise name under the state directory.
func statePath(p, name string) string {
	if p != "" {
		return p
	}
	return filepath.Join(stateDir, name)
}

func openRegistry(opts ...registry.Option) (*registry.Registry, error) {
	opts = append([]registry.Option{registry.WithLogger(slogger())}, opts...)
	reg, err := registry.Open(cfg.Registry.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	return reg, nil
}

func openQueue() *queue.Queue {
	return queue.New(statePath(cfg.Queue.Path, "retrain_queue.json"),
		queue.WithCapacity(cfg.Queue.Capacity),
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
		queue.WithLogger(slogger()))
}

func newWorker(opts ...worker.Option) *worker.Worker {
	opts = append([]worker.Option{
		worker.WithCancelGrace(cfg.Worker.CancelGrace),
		worker.WithLogger(slogger()),
	}, opts...)
	return worker.New(statePath(cfg.Worker.Root, "jobs"), opts...)
}

func openDrift(ctx context.Context) (*drift.Detector, error) {
	store := drift.FileStore{Path: statePath(cfg.Drift.StatePath, "drift_state.json")}
	return drift.New(ctx, drift.OptionsFromConfig(cfg.Drift), store, slogger())
}

// loadSource fills a MemorySource from the given files; empty paths are
// skipped.
func loadSource(items, routings, actuals string) (*dataset.MemorySource, error) {
	src := dataset.NewMemorySource(cfg.Features.ItemCodeColumn)
	for _, f := range []struct {
		path string
		put  func([]dataset.Row) error
	}{
		{items, src.PutItems},
		{routings, src.PutRoutings},
		{actuals, src.PutActuals},
	} {
		if f.path == "" {
			continue
		}
		t, err := dataset.Load(f.path)
		if err != nil {
			return nil, err
		}
		if err := f.put(t.Rows); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(f.path), err)
		}
	}
	return src, nil
}

// withTelemetry installs the exporters for the duration of a command.
func withTelemetry(ctx context.Context) func() {
	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig("routingctl"))
	if err != nil {
		slogger().Warn("telemetry disabled", "error", err)
		return func() {}
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
