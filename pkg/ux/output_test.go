// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"rich", LevelRich, true},
		{" Plain ", LevelPlain, true},
		{"MACHINE", LevelMachine, true},
		{"fancy", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrinter_Machine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelMachine)
	p.Success("activated %s", "v2")
	p.Warning("drift kl=%.2f", 0.75)
	p.Error("job %s failed", "j1")
	p.Progress("j1", 140, "persist")
	p.Box("HIGH_MAE", "mae 7.2\nmax 5")

	assert.Equal(t, strings.Join([]string{
		"OK: activated v2",
		"WARN: drift kl=0.75",
		"ERROR: job j1 failed",
		"PROGRESS: j1 100% persist",
		"HIGH_MAE: mae 7.2; max 5",
		"",
	}, "\n"), buf.String())
}

func TestPrinter_Plain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelPlain)
	p.Success("done")
	p.Progress("j1", 50, "transform")
	out := buf.String()
	assert.Contains(t, out, "✓ done\n")
	assert.Contains(t, out, "j1 "+strings.Repeat("█", 15)+strings.Repeat("░", 15)+"  50%")
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "░░░░   0%", ProgressBar(0, 4, 4, false))
	assert.Equal(t, "██░░  50%", ProgressBar(2, 4, 4, false))
	assert.Equal(t, "████ 100%", ProgressBar(9, 4, 4, false))
	assert.Equal(t, "░░░░   0%", ProgressBar(1, 0, 4, false))
}
