// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided identifiers that end up in file
// paths, registry rows, cache keys and time-series tags.
//
// Version labels and job ids become directory names, so a crafted value
// could escape the models or jobs root. Item codes are written into cache
// keys and InfluxDB tags.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidName is wrapped by every validation failure.
var ErrInvalidName = errors.New("invalid name")

// namePattern matches identifiers that are safe as one path component:
// letters, digits, dots, underscores and hyphens, not starting with a dot
// or hyphen, at most 128 characters.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,127}$`)

// itemCodePattern additionally allows spaces and slashes, which appear in
// item master codes, but no control characters or quoting.
var itemCodePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._/ -]{0,63}$`)

// ValidateName checks a version label or job id.
//
// Example:
//
//	if err := validation.ValidateName("version label", label); err != nil {
//	    return nil, err
//	}
//	dir := filepath.Join(saveDir, label) // cannot escape saveDir
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidName, kind)
	}
	if !namePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %s %q (1-128 letters, digits, dots, underscores or hyphens)", ErrInvalidName, kind, name)
	}
	return nil
}

// ValidateItemCode checks an item code.
func ValidateItemCode(code string) error {
	if !itemCodePattern.MatchString(code) {
		return fmt.Errorf("%w: item code %q", ErrInvalidName, code)
	}
	return nil
}

// ValidateItemCodes validates several codes and lists every invalid one.
func ValidateItemCodes(codes []string) error {
	var invalid []string
	for _, c := range codes {
		if ValidateItemCode(c) != nil {
			invalid = append(invalid, c)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: item codes %q", ErrInvalidName, invalid)
	}
	return nil
}

// SanitizeName trims surrounding space and validates the result.
func SanitizeName(kind, name string) (string, error) {
	name = strings.TrimSpace(name)
	if err := ValidateName(kind, name); err != nil {
		return "", err
	}
	return name, nil
}
