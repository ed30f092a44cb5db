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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/routingml/pkg/validation"
	"github.com/AleutianAI/routingml/services/routing/aggregator"
	"github.com/AleutianAI/routingml/services/routing/dataset"
	"github.com/AleutianAI/routingml/services/routing/drift"
	"github.com/AleutianAI/routingml/services/routing/predictor"
)

var (
	predictItems    string
	predictRoutings string
	predictMode     string
	predictModelDir string
	predictTopK     int

	predictCmd = &cobra.Command{
		Use:   "predict <item_code>",
		Short: "Predict candidate routings for one item",
		Args:  cobra.ExactArgs(1),
		RunE:  runPredict,
	}
)

func init() {
	f := predictCmd.Flags()
	f.StringVar(&predictItems, "items", "", "item master file")
	f.StringVar(&predictRoutings, "routings", "", "historical routing file")
	f.StringVar(&predictMode, "mode", "", "summary or detailed (default: config)")
	f.StringVar(&predictModelDir, "model-dir", "", "serve this version directory instead of the active version")
	f.IntVar(&predictTopK, "top-k", 0, "similar items to aggregate (default: config)")
	_ = predictCmd.MarkFlagRequired("items")
	_ = predictCmd.MarkFlagRequired("routings")
}

func runPredict(cmd *cobra.Command, args []string) error {
	if err := validation.ValidateItemCode(args[0]); err != nil {
		return err
	}
	ctx := cmd.Context()
	defer withTelemetry(ctx)()

	src, err := loadSource(predictItems, predictRoutings, "")
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

	res, err := svc.Predict(ctx, args[0])
	if err != nil {
		return err
	}
	if err := det.Save(ctx); err != nil {
		slogger().Warn("save drift state", "error", err)
	}
	return printJSON(os.Stdout, res)
}

// newPredictor builds a Service over src and loads either --model-dir or
// the registry's active version.
func newPredictor(ctx context.Context, src *dataset.MemorySource, det *drift.Detector) (*predictor.Service, func(), error) {
	aopts := aggregator.OptionsFromConfig(cfg.Prediction)
	switch aggregator.Mode(predictMode) {
	case "":
	case aggregator.ModeSummary, aggregator.ModeDetailed:
		aopts.Mode = aggregator.Mode(predictMode)
	default:
		return nil, nil, fmt.Errorf("unknown mode %q", predictMode)
	}
	topK := cfg.Prediction.TopK
	if predictTopK > 0 {
		topK = predictTopK
	}
	opts := []predictor.Option{predictor.WithTopK(topK), predictor.WithLogger(slogger())}
	if det != nil {
		opts = append(opts, predictor.WithDrift(det))
	}

	if predictModelDir != "" {
		svc := predictor.New(src, src, aopts, opts...)
		if _, err := svc.LoadDir(predictModelDir); err != nil {
			return nil, nil, err
		}
		return svc, func() {}, nil
	}

	reg, err := openRegistry()
	if err != nil {
		return nil, nil, err
	}
	svc := predictor.New(src, src, aopts, append(opts, predictor.WithResolver(reg))...)
	if _, err := svc.Reload(ctx); err != nil {
		reg.Close()
		return nil, nil, err
	}
	return svc, func() { reg.Close() }, nil
}
