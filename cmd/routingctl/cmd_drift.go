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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/routingml/services/routing/dataset"
)

var (
	baselineScores string
	baselineColumn string

	driftCmd = &cobra.Command{
		Use:   "drift",
		Short: "Manage the similarity-score drift detector",
	}
	driftBaselineCmd = &cobra.Command{
		Use:   "baseline",
		Short: "Set the baseline distribution from a score file",
		Args:  cobra.NoArgs,
		RunE:  runDriftBaseline,
	}
	driftCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Compare the current window with the baseline",
		Args:  cobra.NoArgs,
		RunE:  runDriftCheck,
	}
)

func init() {
	driftBaselineCmd.Flags().StringVar(&baselineScores, "scores", "", "file with one similarity score per row")
	driftBaselineCmd.Flags().StringVar(&baselineColumn, "column", "score", "score column")
	_ = driftBaselineCmd.MarkFlagRequired("scores")
	driftCmd.AddCommand(driftBaselineCmd, driftCheckCmd)
}

func runDriftBaseline(cmd *cobra.Command, _ []string) error {
	t, err := dataset.Load(baselineScores)
	if err != nil {
		return err
	}
	scores := make([]float64, 0, len(t.Rows))
	for i, r := range t.Rows {
		v, ok := dataset.Float(r[baselineColumn])
		if !ok {
			return fmt.Errorf("row %d: %q is not a score", i+1, r.String(baselineColumn))
		}
		scores = append(scores, v)
	}
	det, err := openDrift(cmd.Context())
	if err != nil {
		return err
	}
	if err := det.SetBaseline(cmd.Context(), scores); err != nil {
		return err
	}
	out.Success("baseline set from %d scores", len(scores))
	return nil
}

type driftReport struct {
	HasBaseline   bool    `json:"has_baseline"`
	Window        int     `json:"window"`
	Drifted       bool    `json:"drifted"`
	KL            float64 `json:"kl"`
	Events        int     `json:"events"`
	ShouldRetrain bool    `json:"should_retrain"`
}

func runDriftCheck(cmd *cobra.Command, _ []string) error {
	det, err := openDrift(cmd.Context())
	if err != nil {
		return err
	}
	drifted, kl := det.Check()
	st := det.Snapshot()
	if drifted {
		out.Box("SIMILARITY DRIFT", fmt.Sprintf("kl divergence %.3f\nwindow %d scores\nevents %d\nretrain %t",
			kl, len(st.Buffer), len(st.History), det.ShouldRetrain()))
	}
	return printJSON(os.Stdout, driftReport{
		HasBaseline:   det.HasBaseline(),
		Window:        len(st.Buffer),
		Drifted:       drifted,
		KL:            kl,
		Events:        len(st.History),
		ShouldRetrain: det.ShouldRetrain(),
	})
}
