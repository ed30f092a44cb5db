// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"sort"

	"github.com/AleutianAI/routingml/services/routing/aggregator"
	"github.com/AleutianAI/routingml/services/routing/atomicfile"
	"github.com/AleutianAI/routingml/services/routing/config"
	"github.com/AleutianAI/routingml/services/routing/dataset"
	"github.com/AleutianAI/routingml/services/routing/timeagg"
)

// Artifact file names written next to the model files.
const (
	MetadataFile     = "training_metadata.json"
	TimeProfilesFile = "time_profiles.json"
)

// RoutingColumns are never used as item features.
var RoutingColumns = []string{
	"JOB_CD", "PROC_CD", "JOB_NM", "RES_CD", "RES_DIS", "INSIDE_FLAG",
	"ROUT_NO", "ROUT_DOC", "dbo_BI_ROUTING_VIEW_JOB_CD",
}

// ProcessColumns are checked in order for the process code of a row.
var ProcessColumns = []string{"JOB_CD", "PROC_CD", "dbo_BI_ROUTING_VIEW_JOB_CD"}

// FeatureColumns returns the configured schema, or every column of rows
// except the item code, step order and routing columns.
func FeatureColumns(rows []dataset.Row, fc config.FeatureConfig) []string {
	if len(fc.Columns) > 0 {
		return slices.Clone(fc.Columns)
	}
	var out []string
	for _, c := range dataset.Columns(rows) {
		switch {
		case c == fc.ItemCodeColumn, slices.Contains(dataset.SeqColumns, c), slices.Contains(RoutingColumns, c):
			continue
		}
		out = append(out, c)
	}
	return out
}

// ProcessProfile is the time profile of one process code.
type ProcessProfile struct {
	ProcessCode string                         `json:"process_code"`
	Samples     int                            `json:"samples"`
	Columns     map[string]timeagg.TimeProfile `json:"columns"`
}

// BuildTimeProfiles computes per-process σ-profiles from the routing
// columns present in rows. It returns nil when rows carry no process code.
func BuildTimeProfiles(rows []dataset.Row, pc config.PredictionConfig) map[string]ProcessProfile {
	col := ""
	for _, c := range ProcessColumns {
		if slices.ContainsFunc(rows, func(r dataset.Row) bool { return r.String(c) != "" }) {
			col = c
			break
		}
	}
	if col == "" {
		return nil
	}

	groups := make(map[string][]dataset.Row)
	for _, r := range rows {
		if code := r.String(col); code != "" {
			groups[code] = append(groups[code], r)
		}
	}
	opts := aggregator.OptionsFromConfig(pc).Time
	out := make(map[string]ProcessProfile, len(groups))
	for code, rs := range groups {
		pp := ProcessProfile{ProcessCode: code, Samples: len(rs), Columns: make(map[string]timeagg.TimeProfile)}
		for _, tc := range timeagg.Columns {
			var vals []float64
			for _, r := range rs {
				if v, src := tc.Resolve(r); src != "" {
					vals = append(vals, v)
				}
			}
			if len(vals) > 0 {
				pp.Columns[tc.Name] = timeagg.BuildProfile(vals, nil, opts)
			}
		}
		if len(pp.Columns) > 0 {
			out[code] = pp
		}
	}
	return out
}

// metadata is the training_metadata.json document.
func (p *Pipeline) metadata(r *run) map[string]any {
	active := r.weights.ActiveFeatures()
	sort.Strings(active)
	return map[string]any{
		"version":         r.result.Version,
		"job_id":          r.req.JobID,
		"requested_by":    r.req.RequestedBy,
		"dataset":         filepath.Base(r.req.DatasetPath),
		"rows":            r.result.Rows,
		"items":           r.result.Items,
		"features":        r.features,
		"active_features": active,
		"dim":             r.result.Dim,
		"index_kind":      string(r.result.IndexKind),
		"dry_run":         r.req.DryRun,
		"trained_at":      p.now().UTC(),
		"go_version":      runtime.Version(),
		"config": map[string]any{
			"features":   p.cfg.Features,
			"index":      p.cfg.Index,
			"prediction": p.cfg.Prediction,
		},
	}
}

func writeJSON(path string, v any) error {
	if err := atomicfile.WriteJSON(path, v); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
