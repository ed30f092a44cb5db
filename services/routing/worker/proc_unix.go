// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package worker

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own process group so signals
// reach every process it spawns.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(pid int, sig unix.Signal) error {
	// the child leads its own group; fall back to the pid alone otherwise
	if err := unix.Kill(-pid, sig); err == nil || !errors.Is(err, unix.ESRCH) {
		return err
	}
	return unix.Kill(pid, sig)
}

func terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }

func kill(pid int) error { return signalGroup(pid, unix.SIGKILL) }

// processAlive reports whether pid exists and is not a zombie we can see.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
