// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package timeagg summarizes routing steps into time totals and provides the
// similarity-weighted statistics used to build time profiles.
//
// # Column Resolution
//
// Routing views name the same time under different columns depending on
// whether they carry planned or actual values. Each logical column resolves
// to the first present source column:
//
//	setup_time  ← SETUP_TIME, ACT_SETUP_TIME
//	run_time    ← MACH_WORKED_HOURS, ACT_RUN_TIME, RUN_TIME, RUN_TIME_QTY
//	queue_time  ← QUEUE_TIME
//	wait_time   ← WAIT_TIME, IDLE_TIME
//	move_time   ← MOVE_TIME
//
// A column counts as present when it exists with a non-nil value. Values are
// coerced with dataset.NonNegative: empty, unparseable and negative values
// become 0.
package timeagg

import (
	"github.com/AleutianAI/routingml/services/routing/dataset"
)

// Column is one logical time column and its source synonyms.
type Column struct {
	Name    string
	Sources []string
}

// Columns lists the logical time columns in output order.
var Columns = []Column{
	{Name: "setup_time", Sources: []string{"SETUP_TIME", "ACT_SETUP_TIME"}},
	{Name: "run_time", Sources: []string{"MACH_WORKED_HOURS", "ACT_RUN_TIME", "RUN_TIME", "RUN_TIME_QTY"}},
	{Name: "queue_time", Sources: []string{"QUEUE_TIME"}},
	{Name: "wait_time", Sources: []string{"WAIT_TIME", "IDLE_TIME"}},
	{Name: "move_time", Sources: []string{"MOVE_TIME"}},
}

// Resolve returns the coerced value of a logical column and the source
// column it came from. Absent columns yield (0, "").
func (c Column) Resolve(r dataset.Row) (float64, string) {
	for _, src := range c.Sources {
		if r.Has(src) {
			return dataset.NonNegative(r[src]), src
		}
	}
	return 0, ""
}

// ColumnByName returns the logical column named name.
func ColumnByName(name string) (Column, bool) {
	for _, c := range Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Times holds the five logical times of one step or one routing.
type Times struct {
	Setup float64 `json:"setup_time"`
	Run   float64 `json:"run_time"`
	Queue float64 `json:"queue_time"`
	Wait  float64 `json:"wait_time"`
	Move  float64 `json:"move_time"`
}

// Total is the sum of the five times.
func (t Times) Total() float64 {
	return t.Setup + t.Run + t.Queue + t.Wait + t.Move
}

// Get returns a time by logical column name.
func (t Times) Get(name string) float64 {
	switch name {
	case "setup_time":
		return t.Setup
	case "run_time":
		return t.Run
	case "queue_time":
		return t.Queue
	case "wait_time":
		return t.Wait
	case "move_time":
		return t.Move
	default:
		return 0
	}
}

func (t *Times) add(o Times) {
	t.Setup += o.Setup
	t.Run += o.Run
	t.Queue += o.Queue
	t.Wait += o.Wait
	t.Move += o.Move
}

// StepTimes extracts the logical times of one routing row.
func StepTimes(r dataset.Row) Times {
	var t Times
	t.Setup, _ = Columns[0].Resolve(r)
	t.Run, _ = Columns[1].Resolve(r)
	t.Queue, _ = Columns[2].Resolve(r)
	t.Wait, _ = Columns[3].Resolve(r)
	t.Move, _ = Columns[4].Resolve(r)
	return t
}

// Totals are the straight sums over a routing.
type Totals struct {
	Times
	LeadTime     float64 `json:"lead_time"`
	ProcessCount int     `json:"process_count"`
}

// Step is one breakdown entry.
type Step struct {
	Times
	Index     int     `json:"index"`
	ProcSeq   *int    `json:"proc_seq"`
	TotalTime float64 `json:"total_time"`
}

// Summary is the result of Summarize.
type Summary struct {
	Totals    Totals `json:"totals"`
	Breakdown []Step `json:"breakdown,omitempty"`
}

// Summarize computes totals over steps and, when breakdown is set, a
// per-step breakdown in input order.
//
// The sum of TotalTime over the breakdown equals Totals.LeadTime.
func Summarize(steps []dataset.Row, breakdown bool) Summary {
	var s Summary
	s.Totals.ProcessCount = len(steps)
	if breakdown {
		s.Breakdown = make([]Step, 0, len(steps))
	}
	for i, r := range steps {
		t := StepTimes(r)
		s.Totals.add(t)
		if breakdown {
			step := Step{Times: t, Index: i, TotalTime: t.Total()}
			if seq, ok := dataset.ProcSeq(r); ok {
				step.ProcSeq = &seq
			}
			s.Breakdown = append(s.Breakdown, step)
		}
	}
	s.Totals.LeadTime = s.Totals.Times.Total()
	return s
}
