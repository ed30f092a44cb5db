// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregator assembles candidate routings for a target item from
// the routings of its most similar historical items.
//
// # Thread Safety
//
// An Aggregator is immutable after New and safe for concurrent use as long
// as its RoutingSource is.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/AleutianAI/routingml/services/routing/config"
	"github.com/AleutianAI/routingml/services/routing/dataset"
	"github.com/AleutianAI/routingml/services/routing/timeagg"
)

// Mode selects the shape of the ML-predicted candidate.
type Mode string

const (
	// ModeSummary emits the reference routing with aggregate totals.
	ModeSummary Mode = "summary"

	// ModeDetailed emits one aggregated step per proc_seq.
	ModeDetailed Mode = "detailed"
)

// Policy selects which revisions of a stored routing are used.
type Policy string

const (
	// PolicyLatest keeps only the steps of the highest routing revision.
	PolicyLatest Policy = "latest"

	// PolicyAll keeps every stored step.
	PolicyAll Policy = "all"
)

// Priority of a candidate.
type Priority string

const (
	PriorityPrimary  Priority = "primary"
	PriorityFallback Priority = "fallback"
)

// Tier of a candidate's similarity.
type Tier string

const (
	TierHigh Tier = "HIGH"
	TierLow  Tier = "LOW"
)

// Source tells where a candidate's operations came from.
type Source string

const (
	SourceExisting  Source = "existing"
	SourcePredicted Source = "predicted"
	SourceSimilar   Source = "similar"
)

// RevisionColumns are checked in order to find a step's routing revision.
var RevisionColumns = []string{"ROUT_NO", "ROUTING_NO", "REV", "REVISION"}

// Similar is one neighbor of the target item.
type Similar struct {
	Code  string  `json:"item_code"`
	Score float64 `json:"similarity"`
}

// Options configures an Aggregator.
type Options struct {
	MinSimilarity float64
	HighThreshold float64
	MaxVariants   int
	Mode          Mode
	Policy        Policy
	UseExisting   bool
	ExpandScan    bool
	Time          timeagg.Options
}

// DefaultOptions returns threshold 0.8 for both filtering and tiering, four
// variants, summary mode and the latest-revision policy.
func DefaultOptions() Options {
	return Options{
		MinSimilarity: 0.8,
		HighThreshold: 0.8,
		MaxVariants:   4,
		Mode:          ModeSummary,
		Policy:        PolicyLatest,
		UseExisting:   true,
		Time:          timeagg.DefaultOptions(),
	}
}

// OptionsFromConfig maps the prediction section of the runtime config.
func OptionsFromConfig(c config.PredictionConfig) Options {
	return Options{
		MinSimilarity: c.MinSimilarity,
		HighThreshold: c.HighThreshold,
		MaxVariants:   c.MaxVariants,
		Mode:          Mode(c.Mode),
		Policy:        Policy(c.RoutingPolicy),
		UseExisting:   c.UseExisting,
		ExpandScan:    c.ExpandScan,
		Time: timeagg.Options{
			ZMax:        c.ZMax,
			TrimEnabled: c.TrimEnabled,
			TrimLower:   c.TrimLowerPct,
			TrimUpper:   c.TrimUpperPct,
			SigmaOpt:    c.SigmaOptimal,
			SigmaSafe:   c.SigmaSafe,
		},
	}
}

// Operation is one step of a candidate routing.
type Operation struct {
	// Seq is the step's proc_seq.
	Seq int `json:"proc_seq"`

	// Fields holds the step in output-contract shape.
	Fields dataset.Row `json:"fields"`

	// Profiles holds per-time-column statistics in detailed mode.
	Profiles map[string]timeagg.TimeProfile `json:"profiles,omitempty"`

	// Sources and Weights list the items aggregated into this step.
	Sources []string  `json:"sources,omitempty"`
	Weights []float64 `json:"weights,omitempty"`
}

// Summary carries the aggregate statistics of a summary-mode candidate.
type Summary struct {
	Totals      timeagg.Totals                 `json:"totals"`
	LeadTime    timeagg.TimeProfile            `json:"lead_time"`
	Columns     map[string]timeagg.TimeProfile `json:"columns"`
	SampleCount int                            `json:"sample_count"`
}

// Candidate is one proposed routing for a target item.
type Candidate struct {
	ItemCode          string      `json:"item_code"`
	CandidateID       string      `json:"candidate_id"`
	RoutingSignature  string      `json:"routing_signature"`
	SimilarityScore   float64     `json:"similarity_score"`
	Priority          Priority    `json:"priority"`
	SimilarityTier    Tier        `json:"similarity_tier"`
	ReferenceItemCode string      `json:"reference_item_code"`
	Source            Source      `json:"source"`
	Confidence        float64     `json:"confidence"`
	Operations        []Operation `json:"operations"`
	Summary           *Summary    `json:"summary,omitempty"`
}

// Diagnostic replaces candidates when no similar item has a routing.
type Diagnostic struct {
	ItemCode         string    `json:"item"`
	Message          string    `json:"message"`
	CheckedItems     []string  `json:"checked_items"`
	SimilarityScores []float64 `json:"similarity_scores"`
}

// Result is the outcome of Aggregate. Exactly one of Candidates and
// Diagnostic is set.
type Result struct {
	ItemCode   string      `json:"item_code"`
	Mode       Mode        `json:"mode"`
	Candidates []Candidate `json:"candidates,omitempty"`
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
	Degraded   bool        `json:"degraded"`
	Warnings   []string    `json:"warnings,omitempty"`
}

// Aggregator builds candidate routings.
type Aggregator struct {
	src    dataset.RoutingSource
	opts   Options
	logger *slog.Logger
}

// New creates an Aggregator reading historical routings from src.
func New(src dataset.RoutingSource, opts Options, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxVariants < 1 {
		opts.MaxVariants = 1
	}
	if opts.Mode == "" {
		opts.Mode = ModeSummary
	}
	if opts.Policy == "" {
		opts.Policy = PolicyLatest
	}
	return &Aggregator{src: src, opts: opts, logger: logger}
}

// Options returns the aggregator's options.
func (a *Aggregator) Options() Options { return a.opts }

// sourced is a similar item together with its routing.
type sourced struct {
	Similar
	steps []dataset.Row
}

// Aggregate assembles up to MaxVariants candidates for target.
//
// # Inputs
//
//   - ctx: cancellation for routing lookups.
//   - target: the item code being predicted.
//   - similar: neighbors sorted by score descending.
//
// # Outputs
//
//   - *Result: candidates, or a Diagnostic when no similar item has a
//     routing.
//   - error: only for context cancellation. Lookup failures of single
//     items are logged and treated as "no routing".
func (a *Aggregator) Aggregate(ctx context.Context, target string, similar []Similar) (*Result, error) {
	res := &Result{ItemCode: target, Mode: a.opts.Mode}

	if a.opts.UseExisting {
		steps, err := a.lookup(ctx, target)
		if err != nil {
			return nil, err
		}
		if len(steps) > 0 {
			res.Candidates = []Candidate{a.existing(target, steps)}
			return res, nil
		}
	}

	all := make([]Similar, 0, len(similar))
	for _, s := range similar {
		if s.Code == "" || s.Code == target {
			continue
		}
		s.Score = clip01(s.Score)
		all = append(all, s)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })

	filtered := make([]Similar, 0, len(all))
	for _, s := range all {
		if s.Score >= a.opts.MinSimilarity {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 && len(all) > 0 {
		filtered = all[:1]
		res.Degraded = true
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"no similar item reached %.2f; using best match %s (%.3f)",
			a.opts.MinSimilarity, all[0].Code, all[0].Score))
		a.logger.Warn("degraded aggregation",
			slog.String("item_code", target),
			slog.String("best_match", all[0].Code),
			slog.Float64("score", all[0].Score))
	}

	retained, checked, err := a.collect(ctx, filtered)
	if err != nil {
		return nil, err
	}
	if len(retained) == 0 && a.opts.ExpandScan && len(all) > len(filtered) {
		more, extra, err := a.collect(ctx, all[len(filtered):])
		if err != nil {
			return nil, err
		}
		checked = append(checked, extra...)
		if len(more) > 0 {
			retained = more[:1]
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"reference routing taken from %s below the similarity threshold", more[0].Code))
		}
	}
	if len(retained) == 0 {
		res.Diagnostic = diagnose(target, checked)
		a.logger.Info("no routing among similar items",
			slog.String("item_code", target),
			slog.Int("checked", len(checked)))
		return res, nil
	}

	var first Candidate
	switch a.opts.Mode {
	case ModeDetailed:
		first = a.detailed(target, retained)
	default:
		first = a.summary(target, retained)
	}
	res.Candidates = append(res.Candidates, first)
	res.Candidates = append(res.Candidates, a.variants(target, first, retained)...)
	return res, nil
}

// lookup returns the policy-selected, seq-ordered routing of code.
func (a *Aggregator) lookup(ctx context.Context, code string) ([]dataset.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	steps, found, err := a.src.Routing(ctx, code)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.logger.Warn("routing lookup failed",
			slog.String("item_code", code),
			slog.String("error", err.Error()))
		return nil, nil
	}
	if !found {
		return nil, nil
	}
	return SelectRouting(steps, a.opts.Policy), nil
}

// collect looks up routings for items in order. In summary and detailed
// mode every item with a routing is retained; the first one is the
// reference.
func (a *Aggregator) collect(ctx context.Context, items []Similar) ([]sourced, []Similar, error) {
	var out []sourced
	checked := make([]Similar, 0, len(items))
	for _, s := range items {
		steps, err := a.lookup(ctx, s.Code)
		if err != nil {
			return nil, nil, err
		}
		checked = append(checked, s)
		if len(steps) > 0 {
			out = append(out, sourced{Similar: s, steps: steps})
		}
	}
	return out, checked, nil
}

func diagnose(target string, checked []Similar) *Diagnostic {
	d := &Diagnostic{
		ItemCode:         target,
		Message:          "no usable routing among similar items",
		CheckedItems:     make([]string, 0, len(checked)),
		SimilarityScores: make([]float64, 0, len(checked)),
	}
	if len(checked) == 0 {
		d.Message = "no similar items"
	}
	for _, s := range checked {
		d.CheckedItems = append(d.CheckedItems, s.Code)
		d.SimilarityScores = append(d.SimilarityScores, s.Score)
	}
	return d
}

func (a *Aggregator) existing(target string, steps []dataset.Row) Candidate {
	c := a.literal(target, Similar{Code: target, Score: 1}, steps, SourceExisting)
	c.Confidence = 1
	return c
}

// literal builds a candidate from one stored routing.
func (a *Aggregator) literal(target string, s Similar, steps []dataset.Row, src Source) Candidate {
	ops := make([]Operation, 0, len(steps))
	for i, st := range steps {
		fields := Normalize(st)
		seq, ok := dataset.ProcSeq(st)
		if !ok {
			seq = i + 1
			fields[ColProcSeq] = seq
		}
		ops = append(ops, Operation{Seq: seq, Fields: fields})
	}
	c := Candidate{
		ItemCode:          target,
		SimilarityScore:   s.Score,
		ReferenceItemCode: s.Code,
		Source:            src,
		Operations:        ops,
		Confidence:        Confidence(1, []float64{s.Score}, 0),
	}
	a.finish(&c, 1)
	return c
}

// summary builds the predicted candidate from the reference routing and the
// lead-time statistics of all retained items.
func (a *Aggregator) summary(target string, retained []sourced) Candidate {
	ref := retained[0]
	c := a.literal(target, ref.Similar, ref.steps, SourcePredicted)

	leads := make([]float64, len(retained))
	sims := make([]float64, len(retained))
	perCol := make(map[string][]float64, len(timeagg.Columns))
	for i, r := range retained {
		tot := timeagg.Summarize(r.steps, false).Totals
		leads[i] = tot.LeadTime
		sims[i] = r.Score
		for _, col := range timeagg.Columns {
			perCol[col.Name] = append(perCol[col.Name], tot.Times.Get(col.Name))
		}
	}
	lead := timeagg.BuildProfile(leads, sims, a.opts.Time)
	sum := &Summary{
		Totals:      timeagg.Summarize(ref.steps, false).Totals,
		LeadTime:    lead,
		Columns:     make(map[string]timeagg.TimeProfile, len(perCol)),
		SampleCount: lead.Count,
	}
	for name, vals := range perCol {
		sum.Columns[name] = timeagg.BuildProfile(vals, sims, a.opts.Time)
	}
	c.Summary = sum
	c.Confidence = Confidence(len(retained), sims, cv(lead.Mean, lead.Std))
	a.finish(&c, lead.Count)
	return c
}

// detailed builds the predicted candidate step by step from every retained
// routing, joined on proc_seq.
func (a *Aggregator) detailed(target string, retained []sourced) Candidate {
	type member struct {
		code   string
		weight float64
		step   dataset.Row
	}
	groups := make(map[int][]member)
	var seqs []int
	leads := make([]float64, len(retained))
	sims := make([]float64, len(retained))
	for i, r := range retained {
		leads[i] = timeagg.Summarize(r.steps, false).Totals.LeadTime
		sims[i] = r.Score
		for j, st := range r.steps {
			seq, ok := dataset.ProcSeq(st)
			if !ok {
				seq = j + 1
			}
			if _, seen := groups[seq]; !seen {
				seqs = append(seqs, seq)
			}
			groups[seq] = append(groups[seq], member{code: r.Code, weight: r.Score, step: st})
		}
	}
	sort.Ints(seqs)

	ops := make([]Operation, 0, len(seqs))
	for _, seq := range seqs {
		ms := groups[seq]
		rows := make([]dataset.Row, len(ms))
		for i, m := range ms {
			rows[i] = m.step
		}
		base := ms[0].step.Clone()
		for _, col := range voteColumns {
			if v, ok := majority(rows, col); ok {
				base[col] = v
			}
		}

		op := Operation{
			Seq:      seq,
			Profiles: make(map[string]timeagg.TimeProfile, len(timeagg.Columns)),
			Sources:  make([]string, len(ms)),
		}
		ws := make([]float64, len(ms))
		for i, m := range ms {
			op.Sources[i] = m.code
			ws[i] = m.weight
		}
		op.Weights = timeagg.NormalizeWeights(ws, ws)

		for _, col := range timeagg.Columns {
			vals := make([]float64, len(ms))
			for i, m := range ms {
				vals[i] = timeagg.StepTimes(m.step).Get(col.Name)
			}
			tp := timeagg.BuildProfile(vals, ws, a.opts.Time)
			op.Profiles[col.Name] = tp
			// drop synonyms so the aggregate wins over the first member's value
			for _, src := range col.Sources {
				delete(base, src)
			}
			base[logicalOutput[col.Name]] = tp.Profile.Standard
		}
		setup, run := op.Profiles["setup_time"], op.Profiles["run_time"]
		base[ColSetupOpt] = setup.Profile.Optimal
		base[ColSetupStd] = setup.Profile.Standard
		base[ColSetupSafe] = setup.Profile.Safe
		base[ColRunTimeOpt] = run.Profile.Optimal
		base[ColRunTimeStd] = run.Profile.Standard
		base[ColRunTimeSafe] = run.Profile.Safe
		base[ColRunTimeSigma] = run.Std
		base[ColProcSeq] = seq
		op.Fields = Normalize(base)
		op.Fields[ColSampleCount] = len(ms)
		ops = append(ops, op)
	}

	lead := timeagg.BuildProfile(leads, sims, a.opts.Time)
	c := Candidate{
		ItemCode:          target,
		SimilarityScore:   retained[0].Score,
		ReferenceItemCode: retained[0].Code,
		Source:            SourcePredicted,
		Operations:        ops,
		Confidence:        Confidence(len(retained), sims, cv(lead.Mean, lead.Std)),
	}
	a.finish(&c, 0)
	return c
}

// variants adds literal routings of retained items whose signature differs
// from every candidate already emitted.
func (a *Aggregator) variants(target string, first Candidate, retained []sourced) []Candidate {
	seen := map[string]bool{first.RoutingSignature: true}
	var out []Candidate
	for _, r := range retained {
		if 1+len(out) >= a.opts.MaxVariants {
			break
		}
		c := a.literal(target, r.Similar, r.steps, SourceSimilar)
		if seen[c.RoutingSignature] {
			continue
		}
		seen[c.RoutingSignature] = true
		out = append(out, c)
	}
	return out
}

// finish sorts operations, derives signature, tier, priority and id, and
// stamps the candidate columns onto every operation row. sampleCount is
// written only when positive.
func (a *Aggregator) finish(c *Candidate, sampleCount int) {
	sort.SliceStable(c.Operations, func(i, j int) bool { return c.Operations[i].Seq < c.Operations[j].Seq })
	c.SimilarityScore = clip01(c.SimilarityScore)
	c.Confidence = clip01(c.Confidence)
	c.RoutingSignature = Signature(c.Operations)
	if c.SimilarityScore >= a.opts.HighThreshold {
		c.Priority, c.SimilarityTier = PriorityPrimary, TierHigh
	} else {
		c.Priority, c.SimilarityTier = PriorityFallback, TierLow
	}
	c.CandidateID = CandidateID(c.ItemCode, c.ReferenceItemCode, c.Source, c.RoutingSignature)
	for _, op := range c.Operations {
		op.Fields[ColItemCode] = c.ItemCode
		op.Fields[ColCandidateID] = c.CandidateID
		op.Fields[ColSignature] = c.RoutingSignature
		op.Fields[ColPriority] = string(c.Priority)
		op.Fields[ColTier] = string(c.SimilarityTier)
		op.Fields[ColSimilarity] = c.SimilarityScore
		op.Fields[ColReference] = c.ReferenceItemCode
		op.Fields[ColSource] = string(c.Source)
		op.Fields[ColConfidence] = c.Confidence
		if sampleCount > 0 {
			op.Fields[ColSampleCount] = sampleCount
		}
	}
}

// SelectRouting applies policy to stored steps and returns a seq-ordered
// copy. Under PolicyLatest, when steps carry a revision column, only the
// steps of the highest revision are kept.
func SelectRouting(steps []dataset.Row, policy Policy) []dataset.Row {
	out := append([]dataset.Row(nil), steps...)
	if policy == PolicyLatest {
		if col := revisionColumn(out); col != "" {
			best := ""
			for _, st := range out {
				if rev := st.String(col); revisionLess(best, rev) {
					best = rev
				}
			}
			kept := out[:0:0]
			for _, st := range out {
				if st.String(col) == best {
					kept = append(kept, st)
				}
			}
			out = kept
		}
	}
	dataset.SortBySeq(out)
	return out
}

func revisionColumn(steps []dataset.Row) string {
	for _, col := range RevisionColumns {
		for _, st := range steps {
			if strings.TrimSpace(st.String(col)) != "" {
				return col
			}
		}
	}
	return ""
}

// revisionLess orders revisions numerically when both parse, otherwise
// lexically.
func revisionLess(a, b string) bool {
	fa, okA := dataset.Float(a)
	fb, okB := dataset.Float(b)
	if okA && okB {
		return fa < fb
	}
	return a < b
}

func clip01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func cv(mean, std float64) float64 {
	if mean <= timeagg.Epsilon {
		return 0
	}
	return std / mean
}
