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
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/routingml/services/routing/loop"
	"github.com/AleutianAI/routingml/services/routing/queue"
)

var (
	loopDataset      string
	loopSaveDir      string
	loopAutoActivate bool

	loopCmd = &cobra.Command{
		Use:   "loop",
		Short: "Drive the retraining loop",
	}
	loopProcessNextCmd = &cobra.Command{
		Use:   "process-next",
		Short: "Train the oldest queued job and activate the result",
		Args:  cobra.NoArgs,
		RunE:  runLoopProcessNext,
	}
)

func init() {
	f := loopProcessNextCmd.Flags()
	f.StringVar(&loopDataset, "dataset", "", "training dataset")
	f.StringVar(&loopSaveDir, "save-dir", "models", "directory receiving version directories")
	f.BoolVar(&loopAutoActivate, "auto-activate", false, "activate the new version (default: config)")
	_ = loopProcessNextCmd.MarkFlagRequired("dataset")
	loopCmd.AddCommand(loopProcessNextCmd)
}

func runLoopProcessNext(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	defer withTelemetry(ctx)()
	log := slogger()

	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()
	det, err := openDrift(ctx)
	if err != nil {
		return err
	}
	w := newWorker()
	loop.RegisterTraining(w, cfg, reg, log)

	c := loop.New(nil, openQueue(), w, reg, det, loop.Options{
		Train: loop.TrainParams{
			Dataset:     loopDataset,
			SaveDir:     loopSaveDir,
			RequestedBy: "retrain-loop",
			StatePath:   cfg.Training.StatePath,
		},
		AutoActivate: loopAutoActivate || cfg.Worker.AutoActivate,
		Poll:         time.Second,
	}, log)
	job, err := c.ProcessNext(ctx)
	if err != nil {
		return err
	}
	if job == nil {
		out.Warning("queue empty")
		return nil
	}
	if job.Status == queue.StatusSucceeded {
		out.Success("job %s succeeded", job.QueueID)
	} else {
		out.Error("job %s %s: %s", job.QueueID, job.Status, job.ErrorMessage)
	}
	return printJSON(os.Stdout, job)
}
