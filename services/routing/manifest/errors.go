// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest writes and verifies the manifest of a model version
// directory.
//
// A manifest lists every artifact file in the version directory with its
// SHA-256 digest and schema tag. Loading a version starts with Verify; a
// version whose bytes differ from its manifest is never loaded.
//
// # Thread Safety
//
// The package holds no state. Concurrent Verify calls on the same directory
// are safe; Write must not race with writers of the same directory.
package manifest

import (
	"errors"
	"fmt"
)

// Sentinel errors for manifest operations.
var (
	// ErrChecksum is matched by every *ChecksumError.
	ErrChecksum = errors.New("artifact checksum mismatch")

	// ErrMissingArtifact is returned when a required artifact is absent at
	// write time, or a requested artifact is not listed at verify time.
	ErrMissingArtifact = errors.New("missing artifact")

	// ErrUnsupportedAlgorithm is returned when a manifest declares a hash
	// algorithm other than sha256.
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")

	// ErrInvalidManifest is returned for a manifest with an unknown schema
	// tag or malformed entries.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrPathTraversal is returned when an artifact path escapes the
	// version directory.
	ErrPathTraversal = errors.New("path escapes version directory")
)

// ChecksumError reports one artifact whose digest does not match.
type ChecksumError struct {
	// Name is the artifact key in the manifest.
	Name string

	// Path is the artifact path relative to the version directory.
	Path string

	// Want is the digest recorded in the manifest.
	Want string

	// Got is the digest of the file on disk, empty when unreadable.
	Got string
}

// Error implements the error interface.
func (e *ChecksumError) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("checksum %s (%s): file unreadable", e.Name, e.Path)
	}
	return fmt.Sprintf("checksum %s (%s): want %s, got %s", e.Name, e.Path, e.Want, e.Got)
}

// Unwrap returns ErrChecksum for errors.Is support.
func (e *ChecksumError) Unwrap() error {
	return ErrChecksum
}
