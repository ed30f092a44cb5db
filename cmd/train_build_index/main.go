// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command train_build_index trains a model version from an item dataset,
// writes its artifacts and manifest, and registers it.
//
// # Usage
//
//	train_build_index --dataset items.csv --save-dir models \
//	    --version-label v2025-11-01 --requested-by ops
//
// # Exit Codes
//
//   - 0: version trained (and registered unless --dry-run)
//   - 1: pipeline failure
//   - 2: the training lock is held by another run
//
// # Environment Variables
//
//   - MODEL_REGISTRY_URL: registry DSN, overridden by --registry-url
//   - LOG_FORMAT, LOG_LEVEL, LOG_TO_FILE: see pkg/logging
//   - OTEL_TRACES_EXPORTER, OTEL_METRICS_EXPORTER: see the telemetry package
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/routingml/pkg/logging"
	"github.com/AleutianAI/routingml/services/routing/config"
	"github.com/AleutianAI/routingml/services/routing/lock"
	"github.com/AleutianAI/routingml/services/routing/pipeline"
	"github.com/AleutianAI/routingml/services/routing/registry"
	"github.com/AleutianAI/routingml/services/routing/telemetry"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitLockBusy = 2
)

type options struct {
	dataset          string
	saveDir          string
	versionLabel     string
	requestedBy      string
	registryURL      string
	statePath        string
	projectorColumns []string
	exportProjector  bool
	lockTimeout      time.Duration
	dryRun           bool
	configPath       string
	jobID            string
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	var opts options
	code := exitOK
	cmd := &cobra.Command{
		Use:           "train_build_index",
		Short:         "Train a routing similarity model version",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := run(cmd.Context(), opts)
			code = exitCode(err)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.dataset, "dataset", "", "item dataset (.csv, .tsv, .xlsx, .jsonl)")
	f.StringVar(&opts.saveDir, "save-dir", "", "directory receiving version directories")
	f.StringVar(&opts.versionLabel, "version-label", "", "version name (default: timestamp)")
	f.StringVar(&opts.requestedBy, "requested-by", "", "who asked for this run")
	f.StringVar(&opts.registryURL, "registry-url", "", "model registry URL (default: MODEL_REGISTRY_URL or config)")
	f.StringVar(&opts.statePath, "state-path", "", "training status file")
	f.StringSliceVar(&opts.projectorColumns, "projector-metadata", nil, "columns exported as projector metadata")
	f.BoolVar(&opts.exportProjector, "export-projector", false, "write projector TSV files")
	f.DurationVar(&opts.lockTimeout, "lock-timeout", 0, "wait this long for the training lock")
	f.BoolVar(&opts.dryRun, "dry-run", false, "train without registering")
	f.StringVar(&opts.configPath, "config", "", "runtime config YAML")
	f.StringVar(&opts.jobID, "job-id", "", "job id recorded in the status and lock")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("save-dir")
	cmd.SetArgs(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "train_build_index:", err)
		if code == exitOK {
			code = exitFailure
		}
	}
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, lock.ErrLockBusy):
		return exitLockBusy
	default:
		return exitFailure
	}
}

func run(ctx context.Context, opts options) error {
	logger := logging.FromEnv("train_build_index")
	defer logger.Close()
	log := logger.Slog()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.statePath == "" {
		opts.statePath = cfg.Training.StatePath
	}

	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig("train_build_index"))
	if err != nil {
		log.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	popts := []pipeline.Option{pipeline.WithLogger(log)}
	if !opts.dryRun {
		url := cfg.Registry.URL
		if opts.registryURL != "" {
			url = opts.registryURL
		}
		reg, err := registry.Open(url, registry.WithLogger(log))
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		defer reg.Close()
		popts = append(popts, pipeline.WithRegistrar(reg))
	}

	res, err := pipeline.New(cfg, popts...).Run(ctx, pipeline.Request{
		JobID:            opts.jobID,
		DatasetPath:      opts.dataset,
		SaveDir:          opts.saveDir,
		VersionLabel:     opts.versionLabel,
		RequestedBy:      opts.requestedBy,
		StatusPath:       opts.statePath,
		DryRun:           opts.dryRun,
		ExportProjector:  opts.exportProjector,
		ProjectorColumns: opts.projectorColumns,
		LockTimeout:      opts.lockTimeout,
	})
	if err != nil {
		if errors.Is(err, lock.ErrLockBusy) {
			log.Warn("training blocked by another run", "error", err)
		}
		return err
	}
	fmt.Fprintf(os.Stdout, "version %s written to %s (%d items, %s index)\n",
		res.Version, res.VersionPath, res.Items, res.IndexKind)
	return nil
}
