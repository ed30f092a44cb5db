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
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/routingml/services/routing/loop"
	"github.com/AleutianAI/routingml/services/routing/quality"
	"github.com/AleutianAI/routingml/services/routing/storage/badger"
)

var (
	qualityItems    string
	qualityRoutings string
	qualityActuals  string
	qualityStrategy string
	qualitySample   int
	qualityEnqueue  bool
	qualityLimit    int
	cacheVersion    string
	cacheClear      bool

	qualityCmd = &cobra.Command{
		Use:   "quality",
		Short: "Evaluate predictions against actual work times",
	}
	qualityRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Run one quality cycle",
		Args:  cobra.NoArgs,
		RunE:  runQuality,
	}
	qualityHistoryCmd = &cobra.Command{
		Use:   "history",
		Short: "List stored quality records",
		Args:  cobra.NoArgs,
		RunE:  runQualityHistory,
	}
	qualityCacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Show or clear the prediction cache",
		Args:  cobra.NoArgs,
		RunE:  runQualityCache,
	}
)

func init() {
	f := qualityRunCmd.Flags()
	f.StringVar(&qualityItems, "items", "", "item master file")
	f.StringVar(&qualityRoutings, "routings", "", "historical routing file")
	f.StringVar(&qualityActuals, "actuals", "", "actual work-time file")
	f.StringVar(&qualityStrategy, "strategy", "", "random, stratified or recent_bias (default: config)")
	f.IntVar(&qualitySample, "sample-size", 0, "items per cycle (default: config)")
	f.BoolVar(&qualityEnqueue, "enqueue", false, "queue a retraining job when the cycle breaches thresholds or drift persists")
	f.StringVar(&predictModelDir, "model-dir", "", "evaluate this version directory instead of the active version")
	_ = qualityRunCmd.MarkFlagRequired("items")
	_ = qualityRunCmd.MarkFlagRequired("routings")
	_ = qualityRunCmd.MarkFlagRequired("actuals")

	qualityHistoryCmd.Flags().IntVar(&qualityLimit, "limit", 10, "maximum records")
	qualityCacheCmd.Flags().StringVar(&cacheVersion, "version", "", "limit to one model version")
	qualityCacheCmd.Flags().BoolVar(&cacheClear, "clear", false, "delete the cached predictions")
	qualityCmd.AddCommand(qualityRunCmd, qualityHistoryCmd, qualityCacheCmd)
}

func qualityStore() quality.JSONStore {
	return quality.JSONStore{Dir: statePath(cfg.Quality.RecordDir, "quality")}
}

func runQuality(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	defer withTelemetry(ctx)()
	log := slogger()

	src, err := loadSource(qualityItems, qualityRoutings, qualityActuals)
	if err != nil {
		return err
	}
	det, err := openDrift(ctx)
	if err != nil {
		return err
	}
	svc, closeFn, err := newPredictor(ctx, src, det)
	if err != nil {
		return err
	}
	defer closeFn()

	qc := cfg.Quality
	if qualityStrategy != "" {
		qc.Strategy = qualityStrategy
	}
	opts := quality.OptionsFromConfig(qc)
	opts.Sample.ItemColumn = cfg.Features.ItemCodeColumn

	eopts := []quality.EvaluatorOption{quality.WithLogger(log), quality.WithSinks(qualityStore())}
	if qc.CacheEnabled {
		db, err := openCache()
		if err != nil {
			return err
		}
		defer db.Close()
		eopts = append(eopts, quality.WithCache(db))
	}
	if qc.Influx.Enabled {
		sink := quality.NewInfluxSink(qc.Influx)
		defer sink.Close()
		eopts = append(eopts, quality.WithSinks(sink))
	}
	eval := quality.NewEvaluator(src, src, svc, opts, eopts...)

	size := qc.SampleSize
	if qualitySample > 0 {
		size = qualitySample
	}
	cycle := quality.Cycle{ID: uuid.NewString(), SampleSize: size, Strategy: quality.Strategy(qc.Strategy)}

	var rec *quality.Record
	if qualityEnqueue {
		c := loop.New(eval, openQueue(), nil, nil, det, loop.Options{}, log)
		res, err := c.RunCycle(ctx, cycle)
		if err != nil {
			return err
		}
		rec = res.Record
		if res.Job != nil {
			out.Warning("retraining job %s %s", res.Job.QueueID, res.Job.Status)
		}
	} else if rec, err = eval.Evaluate(ctx, cycle); err != nil {
		return err
	}
	if err := det.Save(ctx); err != nil {
		log.Warn("save drift state", "error", err)
	}
	reportAlerts(rec)
	return printJSON(os.Stdout, rec)
}

func reportAlerts(rec *quality.Record) {
	for _, a := range rec.Alerts {
		if a.Severity == quality.SeverityCritical {
			out.Error("%s: %s", a.Code, a.Message)
		} else {
			out.Warning("%s: %s", a.Code, a.Message)
		}
	}
	if !rec.Breached {
		out.Success("cycle %s within thresholds (mae %.3f, process match %.3f)",
			rec.CycleID, rec.Metrics.MAE, rec.Metrics.ProcessMatch)
	}
}

func runQualityHistory(*cobra.Command, []string) error {
	recs, err := qualityStore().List(qualityLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CYCLE\tMODEL\tSTRATEGY\tMAE\tPROCESS_MATCH\tITEMS\tBREACHED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%.3f\t%d\t%t\n", r.CycleID, r.ModelVersion, r.Strategy,
			r.Metrics.MAE, r.Metrics.ProcessMatch, r.Metrics.Items, r.Breached)
	}
	return tw.Flush()
}

func openCache() (*badger.DB, error) {
	return badger.Open(badger.DefaultConfig(filepath.Join(stateDir, "cache")))
}

func runQualityCache(cmd *cobra.Command, _ []string) error {
	db, err := openCache()
	if err != nil {
		return err
	}
	defer db.Close()

	prefix := quality.CachePrefix(cacheVersion)
	keys, err := db.Keys(cmd.Context(), prefix)
	if err != nil {
		return err
	}
	if !cacheClear {
		fmt.Fprintf(os.Stdout, "%d cached predictions\n", len(keys))
		return nil
	}
	if err := db.DropPrefix(prefix); err != nil {
		return err
	}
	out.Success("cleared %d cached predictions", len(keys))
	return nil
}
