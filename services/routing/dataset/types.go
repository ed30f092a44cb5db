// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset provides item rows, routing steps and the data sources the
// routing engine reads from.
//
// Rows are loosely typed (column name to value) because item masters and
// routing views arrive from spreadsheets, CSV exports and database views
// with heterogeneous column sets. Typed access happens at the edges:
// the preprocessor coerces features, the time aggregator coerces times.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ItemCodeColumn is the default column holding the item code.
const ItemCodeColumn = "ITEM_CD"

// ErrInvalidRow indicates a malformed row (for example no item code).
var ErrInvalidRow = errors.New("invalid item row")

// ErrUnsupportedFormat indicates a dataset file extension with no loader.
var ErrUnsupportedFormat = errors.New("unsupported dataset format")

// Row is one record: attribute name to value.
//
// Values are string, float64, int, bool or nil as produced by the loaders.
type Row map[string]any

// String returns the value of col rendered as a trimmed string.
// Missing and nil values return "".
func (r Row) String(col string) string {
	v, ok := r[col]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Has reports whether col is present with a non-nil value.
func (r Row) Has(col string) bool {
	v, ok := r[col]
	return ok && v != nil
}

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Routing is the ordered operation list of one item. Each step is a Row so
// that every routing-view column survives to the output contract.
type Routing struct {
	ItemCode string
	Steps    []Row
}

// RoutingSource provides historical routings by item code.
type RoutingSource interface {
	// Routing returns the routing of itemCode. found is false when the item
	// has no stored routing.
	Routing(ctx context.Context, itemCode string) (steps []Row, found bool, err error)
}

// ActualsSource provides observed work-order operations by item code.
type ActualsSource interface {
	// Actuals returns all observed operation rows of itemCode, oldest first.
	Actuals(ctx context.Context, itemCode string) ([]Row, error)
}

// ItemSource provides item master rows.
type ItemSource interface {
	// Items returns every item row.
	Items(ctx context.Context) ([]Row, error)

	// Item returns the row of one item code.
	Item(ctx context.Context, itemCode string) (Row, bool, error)
}

// GroupByItem groups rows by item code preserving first-occurrence order.
//
// Rows without an item code fail with ErrInvalidRow.
func GroupByItem(rows []Row, itemCol string) (codes []string, groups map[string][]Row, err error) {
	if itemCol == "" {
		itemCol = ItemCodeColumn
	}
	groups = make(map[string][]Row)
	for i, r := range rows {
		code := r.String(itemCol)
		if code == "" {
			return nil, nil, fmt.Errorf("%w: row %d has no %s", ErrInvalidRow, i, itemCol)
		}
		if _, ok := groups[code]; !ok {
			codes = append(codes, code)
		}
		groups[code] = append(groups[code], r)
	}
	return codes, groups, nil
}

// Columns returns the union of column names in first-seen order.
func Columns(rows []Row) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range rows {
		for _, c := range sortedKeys(r) {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols
}
