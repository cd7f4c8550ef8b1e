// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides personality-aware console output for the provisioner.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Brand palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles are the shared lipgloss styles.
var Styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle: lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:     lipgloss.NewStyle().Bold(true),
	Muted:    lipgloss.NewStyle().Foreground(ColorSlate),
	Success:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:  lipgloss.NewStyle().Foreground(ColorWarning),
	Error:    lipgloss.NewStyle().Foreground(ColorError),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon is a single-glyph status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconSkipped Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render colors the icon according to its meaning.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconSkipped:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes personality-aware output to a writer.
//
// The zero value is not usable; construct with NewPrinter or use Stdout.
type Printer struct {
	w io.Writer
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Stdout returns a Printer on os.Stdout.
func Stdout() *Printer {
	return NewPrinter(os.Stdout)
}

// Title prints a heading. Suppressed in machine mode.
func (p *Printer) Title(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	p.status("OK", IconSuccess, Styles.Success, text)
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	p.status("WARN", IconWarning, Styles.Warning, text)
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	p.status("ERROR", IconError, Styles.Error, text)
}

// Skipped prints a line for work that was already done.
func (p *Printer) Skipped(text string) {
	p.status("SKIP", IconSkipped, Styles.Muted, text)
}

func (p *Printer) status(machineTag string, icon Icon, style lipgloss.Style, text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(p.w, "%s: %s\n", machineTag, text)
	case PersonalityMinimal:
		fmt.Fprintf(p.w, "%s %s\n", icon, text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", icon.Render(), style.Render(text))
	}
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints de-emphasized text. Suppressed in machine mode.
func (p *Printer) Muted(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	fmt.Fprintln(p.w, Styles.Muted.Render(text))
}

// Box prints content inside a bordered box (full personality only).
func (p *Printer) Box(title, content string) {
	p.box(Styles.Box, Styles.Title, "INFO", title, content)
}

// WarningBox prints content inside a warning-colored box.
func (p *Printer) WarningBox(title, content string) {
	p.box(Styles.WarningBox, Styles.Warning.Bold(true), "WARN", title, content)
}

// ErrorBox prints content inside an error-colored box.
func (p *Printer) ErrorBox(title, content string) {
	p.box(Styles.ErrorBox, Styles.Error.Bold(true), "ERROR", title, content)
}

func (p *Printer) box(boxStyle, titleStyle lipgloss.Style, machineTag, title, content string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(p.w, "%s %s: %s\n", machineTag, title, strings.ReplaceAll(content, "\n", " | "))
	case PersonalityFull:
		fmt.Fprintln(p.w, boxStyle.Width(72).Render(titleStyle.Render(title)+"\n"+content))
	default:
		fmt.Fprintln(p.w, titleStyle.Render(title))
		for _, line := range strings.Split(content, "\n") {
			fmt.Fprintf(p.w, "  %s\n", line)
		}
	}
}

// Summary prints the closing counts line.
func (p *Printer) Summary(ok, skipped, warned, failed int) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(p.w, "SUMMARY: ok=%d skipped=%d warned=%d failed=%d\n", ok, skipped, warned, failed)
		return
	}
	fmt.Fprintf(p.w, "\n%s %s  %s %s  %s %s  %s %s\n",
		Styles.Success.Render(fmt.Sprintf("%d", ok)), Styles.Muted.Render("ok"),
		Styles.Muted.Render(fmt.Sprintf("%d", skipped)), Styles.Muted.Render("skipped"),
		Styles.Warning.Render(fmt.Sprintf("%d", warned)), Styles.Muted.Render("warned"),
		Styles.Error.Render(fmt.Sprintf("%d", failed)), Styles.Muted.Render("failed"),
	)
}
