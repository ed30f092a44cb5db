// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weights

import "errors"

var (
	// ErrUnknownFeature is returned when a feature name is not managed.
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrUnknownProfile is returned by ApplyProfile for an unknown preset.
	ErrUnknownProfile = errors.New("unknown weight profile")

	// ErrDuplicateFeature is returned when two features share a name.
	ErrDuplicateFeature = errors.New("duplicate feature name")

	// ErrShapeMismatch is returned when an importance matrix does not match
	// the feature list.
	ErrShapeMismatch = errors.New("matrix shape does not match features")
)
