// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux styles routingctl output for terminals.
//
// Commands print machine-readable JSON on stdout; status lines, progress
// bars and alerts go through a Printer, normally on stderr. The output level
// is chosen once from ROUTING_OUTPUT and whether the writer is a terminal.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette.
var (
	ColorTealBright = lipgloss.Color("#2CD7C7")
	ColorTealDeep   = lipgloss.Color("#16858E")
	ColorSlate      = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles holds the pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
)

// Render returns the icon with its style.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Level controls how much styling a Printer applies.
type Level string

const (
	// LevelRich uses colors, icons and boxes.
	LevelRich Level = "rich"

	// LevelPlain uses icons without colors.
	LevelPlain Level = "plain"

	// LevelMachine prints prefixed plain lines for scripts.
	LevelMachine Level = "machine"
)

// ParseLevel maps a ROUTING_OUTPUT value to a Level.
func ParseLevel(s string) (Level, bool) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelRich:
		return LevelRich, true
	case LevelPlain:
		return LevelPlain, true
	case LevelMachine:
		return LevelMachine, true
	}
	return "", false
}

// Printer writes styled status lines.
type Printer struct {
	w     io.Writer
	level Level
}

// NewPrinter returns a Printer on w at level.
func NewPrinter(w io.Writer, level Level) *Printer {
	return &Printer{w: w, level: level}
}

// Stderr returns a Printer on os.Stderr. ROUTING_OUTPUT selects the level;
// otherwise a terminal gets LevelRich and anything else LevelMachine.
func Stderr() *Printer {
	if l, ok := ParseLevel(os.Getenv("ROUTING_OUTPUT")); ok {
		return NewPrinter(os.Stderr, l)
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return NewPrinter(os.Stderr, LevelRich)
	}
	return NewPrinter(os.Stderr, LevelMachine)
}

// Level returns the printer's level.
func (p *Printer) Level() Level { return p.level }

func (p *Printer) status(icon Icon, prefix string, style lipgloss.Style, text string) {
	switch p.level {
	case LevelMachine:
		fmt.Fprintf(p.w, "%s: %s\n", prefix, text)
	case LevelPlain:
		fmt.Fprintf(p.w, "%s %s\n", icon, text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", icon.Render(), style.Render(text))
	}
}

// Success prints a success line.
func (p *Printer) Success(format string, args ...any) {
	p.status(IconSuccess, "OK", Styles.Success, fmt.Sprintf(format, args...))
}

// Warning prints a warning line.
func (p *Printer) Warning(format string, args ...any) {
	p.status(IconWarning, "WARN", Styles.Warning, fmt.Sprintf(format, args...))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	p.status(IconError, "ERROR", Styles.Error, fmt.Sprintf(format, args...))
}

// Box prints content in a rounded box under title.
func (p *Printer) Box(title, content string) {
	if p.level != LevelRich {
		fmt.Fprintf(p.w, "%s: %s\n", title, strings.ReplaceAll(content, "\n", "; "))
		return
	}
	fmt.Fprintln(p.w, Styles.Box.Width(60).Render(Styles.Title.Render(title)+"\n"+content))
}

// Progress prints a job progress line: a bar, the percentage and the step.
func (p *Printer) Progress(label string, pct int, step string) {
	pct = min(max(pct, 0), 100)
	if p.level == LevelMachine {
		fmt.Fprintf(p.w, "PROGRESS: %s %d%% %s\n", label, pct, step)
		return
	}
	fmt.Fprintf(p.w, "%s %s %s\n", label, ProgressBar(pct, 100, 30, p.level == LevelRich), Styles.Muted.Render(step))
}

// ProgressBar renders current/total as a bar of width cells followed by a
// percentage. styled=false omits colors.
func ProgressBar(current, total, width int, styled bool) string {
	pct := 0.0
	if total > 0 {
		pct = min(float64(current)/float64(total), 1)
	}
	filled := int(pct * float64(width))
	full, empty := strings.Repeat("█", filled), strings.Repeat("░", width-filled)
	if styled {
		full, empty = Styles.Success.Render(full), Styles.Muted.Render(empty)
	}
	return fmt.Sprintf("%s %3.0f%%", full+empty, pct*100)
}
