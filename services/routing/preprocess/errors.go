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

import "errors"

var (
	// ErrEmptySample is returned when there are no rows or no features to fit.
	ErrEmptySample = errors.New("empty sample")

	// ErrSchemaMismatch is returned when fitted artifacts disagree with the
	// columns presented at transform time.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrNotFitted is returned by Transform before Fit or Load.
	ErrNotFitted = errors.New("preprocessor not fitted")
)
