// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/routingml/services/routing/lock"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitOK},
		{"lock busy", fmt.Errorf("acquire: %w", &lock.BusyError{}), exitLockBusy},
		{"failure", errors.New("load: no rows"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestExecute_MissingFlags(t *testing.T) {
	assert.Equal(t, exitFailure, execute([]string{"--dataset", "items.csv"}))
}

func TestExecute_MissingDataset(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOG_TO_FILE", "false")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	code := execute([]string{
		"--dataset", dir + "/missing.csv",
		"--save-dir", dir + "/models",
		"--dry-run",
	})
	assert.Equal(t, exitFailure, code)
}
