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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// GetPersonality / SetPersonality Tests
// =============================================================================

func TestSetPersonality_AndGet(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonality(Personality{Level: PersonalityMinimal, ShowHints: false})

	got := GetPersonality()
	assert.Equal(t, PersonalityMinimal, got.Level)
	assert.False(t, got.ShowHints)

	SetPersonalityLevel(PersonalityMachine)
	got = GetPersonality()
	assert.Equal(t, PersonalityMachine, got.Level)
	assert.False(t, got.ShowHints, "SetPersonalityLevel keeps other settings")
}

// =============================================================================
// ParsePersonalityLevel Tests
// =============================================================================

func TestParsePersonalityLevel(t *testing.T) {
	tests := map[string]PersonalityLevel{
		"full":    PersonalityFull,
		"F":       PersonalityFull,
		"minimal": PersonalityMinimal,
		" min ":   PersonalityMinimal,
		"machine": PersonalityMachine,
		"quiet":   PersonalityMachine,
		"plain":   PersonalityMachine,
		"bogus":   PersonalityFull,
		"":        PersonalityFull,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParsePersonalityLevel(in), "input %q", in)
	}
}

// =============================================================================
// InitPersonality Tests
// =============================================================================

func TestInitPersonality_FlagWins(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	t.Setenv(PersonalityEnv, "machine")

	InitPersonality("minimal")
	assert.Equal(t, PersonalityMinimal, GetPersonality().Level)
}

func TestInitPersonality_Env(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	t.Setenv(PersonalityEnv, "minimal")

	InitPersonality("")
	assert.Equal(t, PersonalityMinimal, GetPersonality().Level)
}

func TestIsTerminal_RegularFile(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out.txt"))
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, IsTerminal(f))
	assert.False(t, IsTerminal(nil))
}

func TestShouldShow(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityFull)
	assert.True(t, ShouldShowProgress())
	assert.True(t, ShouldShowColors())

	SetPersonalityLevel(PersonalityMinimal)
	assert.False(t, ShouldShowProgress())
	assert.True(t, ShouldShowColors())

	SetPersonalityLevel(PersonalityMachine)
	assert.False(t, ShouldShowProgress())
	assert.False(t, ShouldShowColors())
	assert.False(t, IsInteractive())
}

func TestDefaultPersonality(t *testing.T) {
	d := DefaultPersonality()
	assert.Equal(t, PersonalityFull, d.Level)
	assert.True(t, d.ShowHints)
}
