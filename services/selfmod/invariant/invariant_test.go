// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invariant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThresholds_CheckAll(t *testing.T) {
	th := Thresholds{MinEnergy: 0.5, MinResponsiveRatio: 0.75}

	tests := []struct {
		name     string
		rc       RuntimeContext
		failures []string
	}{
		{"healthy", RuntimeContext{EnergyLevel: 0.9, ResponsiveAgents: 4, TotalAgents: 4}, nil},
		{"low energy", RuntimeContext{EnergyLevel: 0.1, ResponsiveAgents: 4, TotalAgents: 4}, []string{"energy.min"}},
		{"unresponsive", RuntimeContext{EnergyLevel: 1, ResponsiveAgents: 1, TotalAgents: 4}, []string{"agents.responsive"}},
		{"no agents", RuntimeContext{EnergyLevel: 1}, nil},
		{"dormant", RuntimeContext{EnergyLevel: 1, Dormant: true}, []string{"dormant.forbidden"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := th.CheckAll(context.Background(), tt.rc)
			require.NoError(t, err)
			require.Len(t, results, 3)

			var failed []string
			for _, r := range results {
				if !r.Passed {
					failed = append(failed, r.ID)
					assert.NotEmpty(t, r.Message)
				}
			}
			assert.Equal(t, tt.failures, failed)
			assert.Equal(t, len(tt.failures) == 0, AllPassed(results))
		})
	}
}

func TestThresholds_AllowDormant(t *testing.T) {
	results, err := Thresholds{AllowDormant: true}.CheckAll(context.Background(), RuntimeContext{Dormant: true})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.True(t, AllPassed(results))
}

func TestThresholds_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Thresholds{}.CheckAll(ctx, RuntimeContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheckerFunc(t *testing.T) {
	boom := errors.New("probe unreachable")
	var c Checker = CheckerFunc(func(context.Context, RuntimeContext) ([]Result, error) {
		return nil, boom
	})
	_, err := c.CheckAll(context.Background(), RuntimeContext{})
	assert.ErrorIs(t, err, boom)
}

func TestAllPassed_Empty(t *testing.T) {
	assert.True(t, AllPassed(nil))
}
