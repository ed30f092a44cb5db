// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package preprocess

import (
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/routingml/services/routing/dataset"
)

// Missing is the categorical sentinel for absent values.
const Missing = "missing"

// UnknownValue encodes a category that was not seen during fit.
const UnknownValue = -1.0

var missingTokens = map[string]bool{
	"":     true,
	"NAN":  true,
	"NONE": true,
	"NULL": true,
	"NIL":  true,
	"N/A":  true,
	"NA":   true,
	"-":    true,
}

// NormalizeCategory uppercases and trims v and maps empty-like values to
// Missing.
func NormalizeCategory(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return Missing
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		s = dataset.Row{"v": v}.String("v")
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	if missingTokens[s] {
		return Missing
	}
	return s
}

// NumericValue coerces v to a finite float; anything else is 0.
func NumericValue(v any) float64 {
	f, _ := dataset.Float(v)
	return f
}

// OrdinalEncoder maps each categorical column's values to their index in a
// sorted vocabulary. Unseen values encode to UnknownValue.
type OrdinalEncoder struct {
	Columns    []string            `json:"columns"`
	Categories map[string][]string `json:"categories"`

	lookup map[string]map[string]int
}

// FitOrdinalEncoder builds the vocabulary of each column from normalized
// values.
func FitOrdinalEncoder(columns []string, values map[string][]string) *OrdinalEncoder {
	enc := &OrdinalEncoder{
		Columns:    append([]string(nil), columns...),
		Categories: make(map[string][]string, len(columns)),
	}
	for _, col := range columns {
		seen := make(map[string]bool)
		var cats []string
		for _, v := range values[col] {
			if !seen[v] {
				seen[v] = true
				cats = append(cats, v)
			}
		}
		sort.Strings(cats)
		enc.Categories[col] = cats
	}
	enc.buildLookup()
	return enc
}

func (e *OrdinalEncoder) buildLookup() {
	e.lookup = make(map[string]map[string]int, len(e.Categories))
	for col, cats := range e.Categories {
		m := make(map[string]int, len(cats))
		for i, c := range cats {
			m[c] = i
		}
		e.lookup[col] = m
	}
}

// Encode returns the ordinal code of a normalized value. Safe for
// concurrent use once fitted or loaded.
func (e *OrdinalEncoder) Encode(col, normalized string) float64 {
	if idx, ok := e.lookup[col][normalized]; ok {
		return float64(idx)
	}
	return UnknownValue
}
