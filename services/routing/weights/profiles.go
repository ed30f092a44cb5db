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

import "sort"

// DefaultPriors are the hand-set domain weights. Geometry and material
// drive routing shape most; free-text and administrative columns least.
var DefaultPriors = map[string]float64{
	"OUTDIAMETER":         3.0,
	"INDIAMETER":          2.5,
	"OUTTHICKNESS":        2.5,
	"PART_TYPE":           3.0,
	"ITEM_MATERIAL":       2.5,
	"RAW_MATL_KIND":       2.0,
	"SPEC_CD":             2.0,
	"ITEM_SPEC":           1.5,
	"GROUP1":              1.5,
	"GROUP2":              1.2,
	"GROUP3":              1.0,
	"ROTATE_CLOCKWISE":    1.2,
	"ROTATE_CTRCLOCKWISE": 1.2,
	"ITEM_WEIGHT":         1.5,
	"DRAW_NO":             0.5,
	"ITEM_NM":             0.8,
	"STANDARD_YN":         0.8,
	"ITEM_TYPE":           1.5,
}

// defaultPrior is used for features absent from the prior table.
const defaultPrior = 1.0

// profiles are the named presets for ApplyProfile. A preset is merged over
// the current weights; features it does not name keep their value.
var profiles = map[string]map[string]float64{
	"geometry": {
		"OUTDIAMETER":  4.0,
		"INDIAMETER":   3.5,
		"OUTTHICKNESS": 3.5,
		"ITEM_WEIGHT":  2.0,
	},
	"material": {
		"ITEM_MATERIAL": 4.0,
		"RAW_MATL_KIND": 3.5,
		"SPEC_CD":       3.0,
	},
	"process": {
		"PART_TYPE":           4.0,
		"ROTATE_CLOCKWISE":    2.5,
		"ROTATE_CTRCLOCKWISE": 2.5,
		"ITEM_TYPE":           2.5,
	},
	"balanced": {
		"OUTDIAMETER":   2.0,
		"INDIAMETER":    2.0,
		"OUTTHICKNESS":  2.0,
		"PART_TYPE":     2.0,
		"ITEM_MATERIAL": 2.0,
		"RAW_MATL_KIND": 2.0,
	},
}

// Profiles returns the preset names, sorted.
func Profiles() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
