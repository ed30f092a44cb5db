// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quality

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/routingml/services/routing/atomicfile"
	"github.com/AleutianAI/routingml/services/routing/config"
)

// JSONStore keeps one <cycle_id>.json file per record under Dir.
type JSONStore struct {
	Dir string
}

// Write implements Sink.
func (s JSONStore) Write(_ context.Context, rec *Record) error {
	return atomicfile.WriteJSON(filepath.Join(s.Dir, rec.CycleID+".json"), rec)
}

// List returns up to limit records, newest first. limit ≤ 0 returns all.
func (s JSONStore) List(limit int) ([]Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var rec Record
		if err := atomicfile.ReadJSON(filepath.Join(s.Dir, e.Name()), &rec, 1, 0); err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InfluxSink writes one "routing_quality" point per record.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewInfluxSink connects to the configured InfluxDB bucket.
func NewInfluxSink(c config.InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(c.URL, c.Token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(c.Org, c.Bucket),
	}
}

// Write implements Sink.
func (s *InfluxSink) Write(ctx context.Context, rec *Record) error {
	m := rec.Metrics
	p := influxdb2.NewPointWithMeasurement("routing_quality").
		AddTag("cycle_id", rec.CycleID).
		AddTag("model_version", rec.ModelVersion).
		AddTag("strategy", string(rec.Strategy)).
		AddField("mae", m.MAE).
		AddField("trim_mae", m.TrimMAE).
		AddField("rmse", m.RMSE).
		AddField("process_match", m.ProcessMatch).
		AddField("cv", m.CV).
		AddField("sample_count", m.SampleCount).
		AddField("items", m.Items).
		AddField("items_failed", m.ItemsFailed).
		AddField("alerts", len(rec.Alerts)).
		AddField("breached", rec.Breached).
		SetTime(rec.FinishedAt)
	if err := s.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
