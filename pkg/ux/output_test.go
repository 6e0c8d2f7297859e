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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func withLevel(t *testing.T, level PersonalityLevel) {
	t.Helper()
	orig := GetPersonality()
	t.Cleanup(func() { SetPersonality(orig) })
	SetPersonality(Personality{Level: level, ShowHints: true})
}

func newTestPrinter() (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewPrinter(&out, &errOut), &out, &errOut
}

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconSkipped, IconArrow, IconBullet} {
		assert.Contains(t, icon.Render(), string(icon))
	}
}

// =============================================================================
// Machine mode
// =============================================================================

func TestPrinter_MachineMode(t *testing.T) {
	withLevel(t, PersonalityMachine)

	tests := []struct {
		name    string
		print   func(p *Printer)
		wantOut string
		wantErr string
	}{
		{"title suppressed", func(p *Printer) { p.Title("Run") }, "", ""},
		{"success", func(p *Printer) { p.Success("applied") }, "OK: applied\n", ""},
		{"warning to stderr", func(p *Printer) { p.Warning("slow") }, "", "WARN: slow\n"},
		{"error to stderr", func(p *Printer) { p.Error("boom") }, "", "ERROR: boom\n"},
		{"info plain", func(p *Printer) { p.Info("hello") }, "hello\n", ""},
		{"muted suppressed", func(p *Printer) { p.Muted("quiet") }, "", ""},
		{"hint suppressed", func(p *Printer) { p.Hint("try this") }, "", ""},
		{"key value", func(p *Printer) { p.KeyValue("Run ID", "r1") }, "run_id=r1\n", ""},
		{"empty value skipped", func(p *Printer) { p.KeyValue("Run ID", "") }, "", ""},
		{"box", func(p *Printer) { p.Box("Plan", "ok") }, "Plan: ok\n", ""},
		{"error box", func(p *Printer) { p.ErrorBox("Build", "failed") }, "", "ERROR Build: failed\n"},
		{"status", func(p *Printer) { p.Status("build", IconSuccess, "1.2s") }, "✓\tbuild\t1.2s\n", ""},
		{"summary", func(p *Printer) { p.Summary(2, 1, 3) }, "SUMMARY: passed=2 failed=1 total=3\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, out, errOut := newTestPrinter()
			tt.print(p)
			assert.Equal(t, tt.wantOut, out.String())
			assert.Equal(t, tt.wantErr, errOut.String())
		})
	}
}

// =============================================================================
// Rich modes
// =============================================================================

func TestPrinter_FullModeWritesStdoutOnly(t *testing.T) {
	withLevel(t, PersonalityFull)
	p, out, errOut := newTestPrinter()

	p.Title("Run")
	p.Success("applied")
	p.Warning("slow")
	p.Error("boom")
	p.Hint("selfmod history")
	p.KeyValue("Run ID", "r1")
	p.Status("build", IconError, "exit 1")

	s := out.String()
	for _, want := range []string{"Run", "applied", "slow", "boom", "selfmod history", "Run ID", "r1", "build", "exit 1"} {
		assert.Contains(t, s, want)
	}
	assert.Empty(t, errOut.String())
}

func TestPrinter_MinimalModeDropsReason(t *testing.T) {
	withLevel(t, PersonalityMinimal)
	p, out, _ := newTestPrinter()
	p.Status("build", IconSuccess, "1.2s")
	assert.Contains(t, out.String(), "build")
	assert.NotContains(t, out.String(), "1.2s")
}

func TestPrinter_HintRespectsSetting(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonality(Personality{Level: PersonalityFull, ShowHints: false})

	p, out, _ := newTestPrinter()
	p.Hint("selfmod history")
	assert.Empty(t, out.String())
}

// =============================================================================
// Formatting
// =============================================================================

func TestLabel(t *testing.T) {
	tests := map[string]string{
		"policy_check":  "Policy Check",
		"runtime-check": "Runtime Check",
		"build":         "Build",
		"  edit  ":      "Edit",
		"":              "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Label(in), in)
	}
}

func TestMachineKey(t *testing.T) {
	assert.Equal(t, "run_id", MachineKey("Run ID"))
	assert.Equal(t, "plan", MachineKey("Plan"))
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{850 * time.Millisecond, "850ms"},
		{12300 * time.Millisecond, "12.3s"},
		{4*time.Minute + 5*time.Second, "4m05s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Duration(tt.in))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hel…", Truncate("hello", 4))
	assert.Equal(t, "…", Truncate("hello", 1))
	assert.Equal(t, "hello", Truncate("hello", 0))
}

func TestShortRef(t *testing.T) {
	assert.Equal(t, "0123456789ab", ShortRef("0123456789abcdef0123"))
	assert.Equal(t, "abc", ShortRef("abc"))
}
