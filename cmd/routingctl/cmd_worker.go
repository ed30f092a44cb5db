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
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/routingml/services/routing/loop"
	"github.com/AleutianAI/routingml/services/routing/worker"
)

var (
	trainParams loop.TrainParams
	trainJobID  string
	trainWait   bool
	workerLimit int
	cleanupDays int
	execRoot    string
	execJobID   string

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run and supervise background training jobs",
	}
	workerStartTrainCmd = &cobra.Command{
		Use:   "start-train",
		Short: "Start a training job in a child process",
		Args:  cobra.NoArgs,
		RunE:  runWorkerStartTrain,
	}
	workerStatusCmd = &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show a job's state",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkerStatus,
	}
	workerListCmd = &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE:  runWorkerList,
	}
	workerCancelCmd = &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Stop a running job",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkerCancel,
	}
	workerCleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Remove job directories older than --days",
		Args:  cobra.NoArgs,
		RunE:  runWorkerCleanup,
	}
	workerExecCmd = &cobra.Command{
		Use:    "exec",
		Short:  "Run a job in this process (child entry point)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE:   runWorkerExec,
	}
)

func init() {
	f := workerStartTrainCmd.Flags()
	f.StringVar(&trainParams.Dataset, "dataset", "", "item dataset")
	f.StringVar(&trainParams.SaveDir, "save-dir", "models", "directory receiving version directories")
	f.StringVar(&trainParams.VersionLabel, "version-label", "", "version name")
	f.StringVar(&trainParams.RequestedBy, "requested-by", "", "who asked for this run")
	f.StringVar(&trainParams.StatePath, "state-path", "", "training status file")
	f.StringSliceVar(&trainParams.ProjectorColumns, "projector-metadata", nil, "projector metadata columns")
	f.BoolVar(&trainParams.ExportProjector, "export-projector", false, "write projector TSV files")
	f.StringVar(&trainParams.LockTimeout, "lock-timeout", "", "training lock timeout (e.g. 5m)")
	f.BoolVar(&trainParams.DryRun, "dry-run", false, "train without registering")
	f.StringVar(&trainJobID, "job-id", "", "job id (default: new id)")
	f.BoolVar(&trainWait, "wait", false, "block until the job finishes")
	_ = workerStartTrainCmd.MarkFlagRequired("dataset")

	workerListCmd.Flags().IntVar(&workerLimit, "limit", 20, "maximum rows")
	workerCleanupCmd.Flags().IntVar(&cleanupDays, "days", 7, "age threshold in days")

	workerExecCmd.Flags().StringVar(&execRoot, "root", "", "worker root")
	workerExecCmd.Flags().StringVar(&execJobID, "job-id", "", "job to run")
	_ = workerExecCmd.MarkFlagRequired("root")
	_ = workerExecCmd.MarkFlagRequired("job-id")

	workerCmd.AddCommand(workerStartTrainCmd, workerStatusCmd, workerListCmd,
		workerCancelCmd, workerCleanupCmd, workerExecCmd)
}

func runWorkerStartTrain(cmd *cobra.Command, _ []string) error {
	w := newWorker()
	loop.RegisterTraining(w, cfg, nil, slogger())
	id := trainJobID
	if id == "" {
		id = "train-" + uuid.NewString()
	}
	st, err := w.Start(cmd.Context(), id, loop.TrainKind, trainParams.Map())
	if err != nil {
		return err
	}
	if trainWait {
		if st, err = w.Wait(cmd.Context(), id, time.Second); err != nil {
			return err
		}
	}
	reportJob(st)
	return printJSON(os.Stdout, st)
}

func runWorkerStatus(_ *cobra.Command, args []string) error {
	st, err := newWorker().GetProgress(args[0])
	if err != nil {
		return err
	}
	reportJob(st)
	return printJSON(os.Stdout, st)
}

func runWorkerList(*cobra.Command, []string) error {
	states, err := newWorker().List(workerLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB_ID\tKIND\tSTATUS\tPROGRESS\tSTEP\tSTARTED\tMESSAGE")
	for _, s := range states {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\t%s\t%s\n", s.JobID, s.Kind, s.Status,
			s.Progress, s.Step, s.StartedAt.Format(time.RFC3339), s.Message)
	}
	return tw.Flush()
}

func runWorkerCancel(cmd *cobra.Command, args []string) error {
	st, err := newWorker().Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, st)
}

func runWorkerCleanup(*cobra.Command, []string) error {
	removed, err := newWorker().Cleanup(cleanupDays)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "removed %d jobs\n", len(removed))
	return nil
}

func reportJob(st *worker.State) {
	switch st.Status {
	case worker.StatusCompleted:
		out.Success("job %s completed", st.JobID)
	case worker.StatusFailed:
		out.Error("job %s failed: %s", st.JobID, st.Message)
	default:
		out.Progress(st.JobID, st.Progress, st.Step)
	}
}

// runWorkerExec is the child side of Start. SIGTERM from Cancel cancels the
// job context so the pipeline stops at its next stage boundary.
func runWorkerExec(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer withTelemetry(context.WithoutCancel(ctx))()

	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()
	w := worker.New(execRoot, worker.WithLogger(slogger()))
	loop.RegisterTraining(w, cfg, reg, slogger())
	return w.RunChild(ctx, execJobID)
}
