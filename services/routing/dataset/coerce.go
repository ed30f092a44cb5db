// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"math"
	"strconv"
	"strings"
)

// SeqColumns are the step-order columns, first present wins.
var SeqColumns = []string{"PROC_SEQ", "SEQ", "STEP", "ORDER"}

// Float parses v as a float64.
//
// Strings are trimmed; empty or non-parseable values, NaN and ±Inf yield
// (0, false).
func Float(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case int32:
		f = float64(t)
	case bool:
		if t {
			f = 1
		}
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(t, ",", ""))
		if s == "" {
			return 0, false
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// NonNegative coerces v to a time value: unparseable → 0, negative → 0.
func NonNegative(v any) float64 {
	f, ok := Float(v)
	if !ok || f < 0 {
		return 0
	}
	return f
}

// ProcSeq returns the step order of a routing row from the first present of
// SeqColumns, rounded to an integer.
func ProcSeq(r Row) (int, bool) {
	for _, col := range SeqColumns {
		if !r.Has(col) {
			continue
		}
		f, ok := Float(r[col])
		if !ok {
			return 0, false
		}
		return int(math.Round(f)), true
	}
	return 0, false
}
