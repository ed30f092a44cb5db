// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quality evaluates a deployed model against observed work-order
// history.
//
// One evaluation cycle samples item codes, predicts a routing for each,
// compares predicted run times with the mean of the observed run times per
// proc_seq and turns the resulting metrics into alerts. Records are kept as
// JSON files and optionally written to InfluxDB.
//
// # Thread Safety
//
// An Evaluator is safe for concurrent use; each Evaluate call owns its
// sample and results.
package quality

import "errors"

var (
	// ErrUnknownColumn is returned when a sampling column is empty or absent
	// from every item row.
	ErrUnknownColumn = errors.New("unknown sampling column")

	// ErrUnknownStrategy is returned for a strategy other than random,
	// stratified and recent_bias.
	ErrUnknownStrategy = errors.New("unknown sampling strategy")

	// ErrNoItems is returned when the item population is empty.
	ErrNoItems = errors.New("no items to sample")
)
