// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/routingml/services/routing/telemetry"
)

var (
	metricsAddr string

	serveMetricsCmd = &cobra.Command{
		Use:   "serve-metrics",
		Short: "Expose Prometheus metrics on /metrics",
		Args:  cobra.NoArgs,
		RunE:  runServeMetrics,
	}
)

func init() {
	serveMetricsCmd.Flags().StringVar(&metricsAddr, "addr", ":9464", "listen address")
}

func runServeMetrics(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	defer withTelemetry(ctx)()

	if counts, err := openQueue().Counts(); err != nil {
		slogger().Warn("read retraining queue", "error", err)
	} else {
		depth := make(map[string]int, len(counts))
		for st, n := range counts {
			depth[string(st)] = n
		}
		telemetry.SetQueueDepth(depth)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slogger().Info("serving metrics", "addr", metricsAddr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
