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
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemorySource serves items, routings and actuals from loaded tables.
//
// It implements ItemSource, RoutingSource and ActualsSource. Safe for
// concurrent reads; Put* methods take the write lock.
type MemorySource struct {
	mu       sync.RWMutex
	itemCol  string
	items    []Row
	itemIdx  map[string]int
	routings map[string][]Row
	actuals  map[string][]Row
}

// NewMemorySource creates an empty source keyed on itemCol (ITEM_CD when
// empty).
func NewMemorySource(itemCol string) *MemorySource {
	if itemCol == "" {
		itemCol = ItemCodeColumn
	}
	return &MemorySource{
		itemCol:  itemCol,
		itemIdx:  make(map[string]int),
		routings: make(map[string][]Row),
		actuals:  make(map[string][]Row),
	}
}

// PutItems appends item rows; a repeated code replaces the earlier row.
func (m *MemorySource) PutItems(rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range rows {
		code := r.String(m.itemCol)
		if code == "" {
			return fmt.Errorf("%w: item row %d has no %s", ErrInvalidRow, i, m.itemCol)
		}
		if idx, ok := m.itemIdx[code]; ok {
			m.items[idx] = r
			continue
		}
		m.itemIdx[code] = len(m.items)
		m.items = append(m.items, r)
	}
	return nil
}

// PutRoutings groups routing rows by item and orders each routing by step.
func (m *MemorySource) PutRoutings(rows []Row) error {
	codes, groups, err := GroupByItem(rows, m.itemCol)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, code := range codes {
		steps := append(m.routings[code], groups[code]...)
		SortBySeq(steps)
		m.routings[code] = steps
	}
	return nil
}

// PutActuals groups observed operation rows by item.
func (m *MemorySource) PutActuals(rows []Row) error {
	codes, groups, err := GroupByItem(rows, m.itemCol)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, code := range codes {
		m.actuals[code] = append(m.actuals[code], groups[code]...)
	}
	return nil
}

// Items implements ItemSource.
func (m *MemorySource) Items(_ context.Context) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Row(nil), m.items...), nil
}

// Item implements ItemSource.
func (m *MemorySource) Item(_ context.Context, code string) (Row, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.itemIdx[code]
	if !ok {
		return nil, false, nil
	}
	return m.items[idx], true, nil
}

// Routing implements RoutingSource.
func (m *MemorySource) Routing(_ context.Context, code string) ([]Row, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps, ok := m.routings[code]
	if !ok || len(steps) == 0 {
		return nil, false, nil
	}
	return append([]Row(nil), steps...), true, nil
}

// Actuals implements ActualsSource.
func (m *MemorySource) Actuals(_ context.Context, code string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Row(nil), m.actuals[code]...), nil
}

// RoutingCodes returns item codes that have a routing, sorted.
func (m *MemorySource) RoutingCodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	codes := make([]string, 0, len(m.routings))
	for c := range m.routings {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// SortBySeq orders steps by ProcSeq ascending; steps without a sequence
// keep their relative order after the sequenced ones.
func SortBySeq(steps []Row) {
	sort.SliceStable(steps, func(i, j int) bool {
		si, oki := ProcSeq(steps[i])
		sj, okj := ProcSeq(steps[j])
		switch {
		case oki && okj:
			return si < sj
		case oki:
			return true
		default:
			return false
		}
	})
}
