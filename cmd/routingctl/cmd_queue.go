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
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/routingml/pkg/validation"
)

var (
	enqueueCycleID string
	enqueueItems   []string
	clearDays      int

	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Manage the retraining queue",
	}
	queueEnqueueCmd = &cobra.Command{
		Use:   "enqueue",
		Short: "Request a retraining job",
		Args:  cobra.NoArgs,
		RunE:  runQueueEnqueue,
	}
	queueListCmd = &cobra.Command{
		Use:   "list",
		Short: "List queued jobs",
		Args:  cobra.NoArgs,
		RunE:  runQueueList,
	}
	queueDequeueCmd = &cobra.Command{
		Use:   "dequeue",
		Short: "Claim the oldest pending job",
		Args:  cobra.NoArgs,
		RunE:  runQueueDequeue,
	}
	queueRetryCmd = &cobra.Command{
		Use:   "retry <queue_id>",
		Short: "Return a failed job to pending",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueRetry,
	}
	queueClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Drop finished jobs older than --days",
		Args:  cobra.NoArgs,
		RunE:  runQueueClear,
	}
)

func init() {
	queueEnqueueCmd.Flags().StringVar(&enqueueCycleID, "cycle-id", "", "originating cycle (default: new id)")
	queueEnqueueCmd.Flags().StringSliceVar(&enqueueItems, "items", nil, "item codes behind the request")
	queueClearCmd.Flags().IntVar(&clearDays, "days", 7, "age threshold in days")
	queueCmd.AddCommand(queueEnqueueCmd, queueListCmd, queueDequeueCmd, queueRetryCmd, queueClearCmd)
}

func runQueueEnqueue(*cobra.Command, []string) error {
	if err := validation.ValidateItemCodes(enqueueItems); err != nil {
		return err
	}
	cycle := enqueueCycleID
	if cycle == "" {
		cycle = "manual-" + uuid.NewString()
	}
	job, err := openQueue().Enqueue(cycle, nil, enqueueItems)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, job)
}

func runQueueList(*cobra.Command, []string) error {
	jobs, err := openQueue().List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE_ID\tCYCLE\tSTATUS\tRETRIES\tCREATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", j.QueueID, j.CycleID, j.Status,
			j.RetryCount, j.CreatedAt.Format(time.RFC3339), j.ErrorMessage)
	}
	return tw.Flush()
}

func runQueueDequeue(*cobra.Command, []string) error {
	job, ok, err := openQueue().Dequeue()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(os.Stdout, "queue empty")
		return nil
	}
	return printJSON(os.Stdout, job)
}

func runQueueRetry(_ *cobra.Command, args []string) error {
	job, err := openQueue().Retry(args[0])
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, job)
}

func runQueueClear(*cobra.Command, []string) error {
	n, err := openQueue().ClearCompleted(clearDays)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "removed %d jobs\n", n)
	return nil
}
