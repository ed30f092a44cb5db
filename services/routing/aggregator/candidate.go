// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregator

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/routingml/services/routing/dataset"
)

// SignatureSteps is the number of leading operations in a signature.
const SignatureSteps = 4

// candidateNamespace seeds the name-based candidate ids.
var candidateNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("routing-ml/candidate"))

// voteColumns are decided by majority in detailed mode.
var voteColumns = []string{"JOB_CD", ColJobCode, ColJobName, ColResource, ColInsideFlag}

// Signature joins the job names of the first SignatureSteps operations with
// "+". A step without JOB_NM contributes its job code.
func Signature(ops []Operation) string {
	n := min(len(ops), SignatureSteps)
	parts := make([]string, 0, n)
	for _, op := range ops[:n] {
		name := strings.TrimSpace(op.Fields.String(ColJobName))
		if name == "" {
			name = strings.TrimSpace(op.Fields.String(ColJobCode))
		}
		parts = append(parts, name)
	}
	return strings.Join(parts, "+")
}

// CandidateID derives a stable id from the target, the reference item, the
// candidate source and the routing signature. The same inputs give the same
// id across retrains.
func CandidateID(target, reference string, src Source, signature string) string {
	key := strings.Join([]string{target, reference, string(src), signature}, "|")
	return uuid.NewSHA1(candidateNamespace, []byte(key)).String()
}

// Confidence scores a candidate from its sample size n, the similarities
// of the items behind it and the coefficient of variation of their lead
// times. The result is in [0, 1].
func Confidence(n int, similarities []float64, cv float64) float64 {
	if n <= 0 || len(similarities) == 0 {
		return 0
	}
	var sum float64
	for _, s := range similarities {
		sum += clip01(s)
	}
	meanSim := sum / float64(len(similarities))

	score := 0.3*min(1, float64(n)/6) + 0.4*meanSim
	switch {
	case cv < 0.15:
		score += 0.3
	case cv < 0.30:
		score += 0.2
	case cv < 0.50:
		score += 0.1
	}
	if n >= 5 && meanSim >= 0.8 {
		score *= 1.1
	}
	return clip01(score)
}

// majority returns the most frequent non-empty value of col across rows.
// Ties go to the value seen first; rows are ordered by similarity.
func majority(rows []dataset.Row, col string) (any, bool) {
	counts := make(map[string]int)
	values := make(map[string]any)
	var order []string
	for _, r := range rows {
		v, ok := r[col]
		if !ok || v == nil {
			continue
		}
		key := strings.TrimSpace(fmt.Sprint(v))
		if key == "" {
			continue
		}
		if _, seen := counts[key]; !seen {
			order = append(order, key)
			values[key] = v
		}
		counts[key]++
	}
	if len(order) == 0 {
		return nil, false
	}
	best := order[0]
	for _, k := range order[1:] {
		if counts[k] > counts[best] {
			best = k
		}
	}
	return values[best], true
}
