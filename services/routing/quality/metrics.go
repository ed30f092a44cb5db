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
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/routingml/services/routing/aggregator"
	"github.com/AleutianAI/routingml/services/routing/dataset"
	"github.com/AleutianAI/routingml/services/routing/timeagg"
)

// StepComparison is one proc_seq of an evaluated item.
type StepComparison struct {
	Seq       int     `json:"proc_seq"`
	Matched   bool    `json:"matched"`
	Predicted float64 `json:"predicted_run"`
	Actual    float64 `json:"actual_run"`
	AbsError  float64 `json:"abs_error"`
	CV        float64 `json:"cv"`
	Count     int     `json:"count"`
}

// ItemResult is the evaluation of one sampled item.
type ItemResult struct {
	ItemCode string `json:"item_code"`

	// Failed is set when prediction or history lookup errored; Error holds
	// the cause.
	Failed bool   `json:"failed"`
	Error  string `json:"error,omitempty"`

	// HasActuals is false when the item has no observed operations.
	HasActuals bool `json:"has_actuals"`

	Steps []StepComparison `json:"steps,omitempty"`
}

// Matched returns the number of matched predicted/actual pairs.
func (r ItemResult) Matched() int {
	n := 0
	for _, s := range r.Steps {
		if s.Matched {
			n++
		}
	}
	return n
}

// Metrics are the aggregate figures of one cycle.
type Metrics struct {
	MAE          float64 `json:"mae"`
	TrimMAE      float64 `json:"trim_mae"`
	RMSE         float64 `json:"rmse"`
	ProcessMatch float64 `json:"process_match"`
	CV           float64 `json:"cv"`
	SampleCount  float64 `json:"sample_count"`

	Items         int `json:"items"`
	ItemsFailed   int `json:"items_failed"`
	ItemsNoActual int `json:"items_no_actual"`
	MatchedPairs  int `json:"matched_pairs"`
	ActualSteps   int `json:"actual_steps"`
}

// Map returns the metrics keyed by name, as stored on queue jobs.
func (m Metrics) Map() map[string]float64 {
	return map[string]float64{
		"mae":           m.MAE,
		"trim_mae":      m.TrimMAE,
		"rmse":          m.RMSE,
		"process_match": m.ProcessMatch,
		"cv":            m.CV,
		"sample_count":  m.SampleCount,
		"items":         float64(m.Items),
		"items_failed":  float64(m.ItemsFailed),
	}
}

var runTime, _ = timeagg.ColumnByName("run_time")

// Compare matches predicted operations to observed operations by proc_seq.
// Observed rows are averaged per proc_seq; rows without a proc_seq are
// ignored. Predicted operations without an observed counterpart are not
// listed.
func Compare(itemCode string, predicted []aggregator.Operation, actuals []dataset.Row) ItemResult {
	res := ItemResult{ItemCode: itemCode}

	bySeq := make(map[int][]float64)
	var seqs []int
	for _, r := range actuals {
		seq, ok := dataset.ProcSeq(r)
		if !ok {
			continue
		}
		v, _ := runTime.Resolve(r)
		if _, ok := bySeq[seq]; !ok {
			seqs = append(seqs, seq)
		}
		bySeq[seq] = append(bySeq[seq], v)
	}
	if len(seqs) == 0 {
		return res
	}
	res.HasActuals = true
	sort.Ints(seqs)

	pred := make(map[int]float64, len(predicted))
	for _, op := range predicted {
		if _, dup := pred[op.Seq]; dup {
			continue
		}
		pred[op.Seq] = dataset.NonNegative(op.Fields[aggregator.ColRunTime])
	}

	for _, seq := range seqs {
		vs := bySeq[seq]
		mean, std := stat.MeanStdDev(vs, nil)
		sc := StepComparison{Seq: seq, Actual: mean, Count: len(vs)}
		if len(vs) > 1 && mean > 0 && !math.IsNaN(std) {
			sc.CV = std / mean
		}
		if p, ok := pred[seq]; ok {
			sc.Matched = true
			sc.Predicted = p
			sc.AbsError = math.Abs(p - mean)
		}
		res.Steps = append(res.Steps, sc)
	}
	return res
}

// Summarize computes cycle metrics over item results. Failed items count
// only toward ItemsFailed.
func Summarize(items []ItemResult, trimRatio float64) Metrics {
	m := Metrics{Items: len(items)}
	var (
		errs   []float64
		cvs    []float64
		counts []float64
	)
	for _, it := range items {
		if it.Failed {
			m.ItemsFailed++
			continue
		}
		if !it.HasActuals {
			m.ItemsNoActual++
			continue
		}
		for _, s := range it.Steps {
			m.ActualSteps++
			cvs = append(cvs, s.CV)
			counts = append(counts, float64(s.Count))
			if s.Matched {
				m.MatchedPairs++
				errs = append(errs, s.AbsError)
			}
		}
	}
	if len(errs) > 0 {
		m.MAE = stat.Mean(errs, nil)
		m.TrimMAE = TrimmedMean(errs, trimRatio)
		sq := 0.0
		for _, e := range errs {
			sq += e * e
		}
		m.RMSE = math.Sqrt(sq / float64(len(errs)))
	}
	if m.ActualSteps > 0 {
		m.ProcessMatch = float64(m.MatchedPairs) / float64(m.ActualSteps)
		m.CV = stat.Mean(cvs, nil)
		m.SampleCount = stat.Mean(counts, nil)
	}
	return m
}

// TrimmedMean averages the middle (1 − 2·ratio) fraction of xs. When the
// trim would leave nothing, all values are averaged.
func TrimmedMean(xs []float64, ratio float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	k := int(math.Floor(float64(len(s)) * ratio))
	if k > 0 && 2*k < len(s) {
		s = s[k : len(s)-k]
	}
	return stat.Mean(s, nil)
}

// Thresholds are the alert limits.
type Thresholds struct {
	SampleCountMin  float64
	CVMax           float64
	MAEMax          float64
	ProcessMatchMin float64
}

// Alert codes.
const (
	AlertNoActualData    = "NO_ACTUAL_DATA"
	AlertLowSamples      = "LOW_SAMPLES"
	AlertHighCV          = "HIGH_CV"
	AlertHighMAE         = "HIGH_MAE"
	AlertLowProcessMatch = "LOW_PROCESS_MATCH"
	SeverityWarning      = "warning"
	SeverityCritical     = "critical"
)

// Alert is one threshold breach.
type Alert struct {
	Code      string  `json:"code"`
	Severity  string  `json:"severity"`
	ItemCode  string  `json:"item_code,omitempty"`
	Seq       int     `json:"proc_seq,omitempty"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message"`
}

// Alerts returns one alert per breach: per item for missing history, per
// step for low sample counts and high CV, and per cycle for MAE and
// process match. A zero threshold disables its check.
func Alerts(items []ItemResult, m Metrics, th Thresholds) []Alert {
	var out []Alert
	for _, it := range items {
		if it.Failed {
			continue
		}
		if !it.HasActuals {
			out = append(out, Alert{
				Code:     AlertNoActualData,
				Severity: SeverityWarning,
				ItemCode: it.ItemCode,
				Message:  fmt.Sprintf("no work-order history for %s", it.ItemCode),
			})
			continue
		}
		for _, s := range it.Steps {
			if th.SampleCountMin > 0 && float64(s.Count) < th.SampleCountMin {
				out = append(out, Alert{
					Code: AlertLowSamples, Severity: SeverityWarning,
					ItemCode: it.ItemCode, Seq: s.Seq,
					Value: float64(s.Count), Threshold: th.SampleCountMin,
					Message: fmt.Sprintf("%s step %d has %d observations", it.ItemCode, s.Seq, s.Count),
				})
			}
			if th.CVMax > 0 && s.CV > th.CVMax {
				out = append(out, Alert{
					Code: AlertHighCV, Severity: SeverityWarning,
					ItemCode: it.ItemCode, Seq: s.Seq,
					Value: s.CV, Threshold: th.CVMax,
					Message: fmt.Sprintf("%s step %d run-time cv %.3f", it.ItemCode, s.Seq, s.CV),
				})
			}
		}
	}
	if m.MatchedPairs > 0 && th.MAEMax > 0 && m.MAE > th.MAEMax {
		out = append(out, Alert{
			Code: AlertHighMAE, Severity: SeverityCritical,
			Value: m.MAE, Threshold: th.MAEMax,
			Message: fmt.Sprintf("mae %.3f exceeds %.3f", m.MAE, th.MAEMax),
		})
	}
	if m.ActualSteps > 0 && th.ProcessMatchMin > 0 && m.ProcessMatch < th.ProcessMatchMin {
		out = append(out, Alert{
			Code: AlertLowProcessMatch, Severity: SeverityCritical,
			Value: m.ProcessMatch, Threshold: th.ProcessMatchMin,
			Message: fmt.Sprintf("process match %.3f below %.3f", m.ProcessMatch, th.ProcessMatchMin),
		})
	}
	return out
}

// Breached reports whether any cycle-level alert fired.
func Breached(alerts []Alert) bool {
	for _, a := range alerts {
		if a.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Codes returns the alert codes in order.
func Codes(alerts []Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.Code
	}
	return out
}
