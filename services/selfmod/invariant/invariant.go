// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package invariant defines the runtime invariant contract consumed by the
// verification runner.
//
// The predicates themselves belong to the host system. This package only
// fixes the shape of the runtime snapshot handed to them and of the results
// they return, plus a threshold-based Checker usable from configuration.
package invariant

import (
	"context"
	"fmt"
)

// RuntimeContext is a snapshot of a running instance's health.
type RuntimeContext struct {
	// EnergyLevel is the instance's self-reported energy in [0, 1].
	EnergyLevel float64 `json:"energy_level" yaml:"energy_level"`

	// Dormant is true when the instance has entered its idle state.
	Dormant bool `json:"dormant" yaml:"dormant"`

	// ResponsiveAgents is the number of agents answering health probes.
	ResponsiveAgents int `json:"responsive_agents" yaml:"responsive_agents"`

	// TotalAgents is the number of agents the instance manages.
	TotalAgents int `json:"total_agents" yaml:"total_agents"`
}

// Result is the outcome of one invariant predicate.
type Result struct {
	ID      string `json:"id"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// Checker evaluates every invariant against a runtime snapshot.
//
// An error means the check itself could not run. It is reported separately
// from predicates that evaluated to false.
type Checker interface {
	CheckAll(ctx context.Context, rc RuntimeContext) ([]Result, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, rc RuntimeContext) ([]Result, error)

// CheckAll calls f.
func (f CheckerFunc) CheckAll(ctx context.Context, rc RuntimeContext) ([]Result, error) {
	return f(ctx, rc)
}

// AllPassed reports whether every result passed. An empty slice passes.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// =============================================================================
// Thresholds
// =============================================================================

// Thresholds is a Checker built from numeric limits.
//
// # Description
//
// Three invariants are evaluated:
//
//   - energy.min: EnergyLevel >= MinEnergy
//   - agents.responsive: ResponsiveAgents/TotalAgents >= MinResponsiveRatio
//     (trivially true with zero agents)
//   - dormant.forbidden: the instance is not dormant, when AllowDormant is false
//
// The zero value passes any healthy snapshot.
type Thresholds struct {
	MinEnergy          float64 `yaml:"min_energy" validate:"gte=0,lte=1"`
	MinResponsiveRatio float64 `yaml:"min_responsive_ratio" validate:"gte=0,lte=1"`
	AllowDormant       bool    `yaml:"allow_dormant"`
}

// CheckAll evaluates the thresholds. It never returns an error unless ctx is
// already done.
func (t Thresholds) CheckAll(ctx context.Context, rc RuntimeContext) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, 3)

	energy := Result{ID: "energy.min", Passed: rc.EnergyLevel >= t.MinEnergy}
	if !energy.Passed {
		energy.Message = fmt.Sprintf("energy %.2f below minimum %.2f", rc.EnergyLevel, t.MinEnergy)
	}
	results = append(results, energy)

	agents := Result{ID: "agents.responsive", Passed: true}
	if rc.TotalAgents > 0 {
		ratio := float64(rc.ResponsiveAgents) / float64(rc.TotalAgents)
		if ratio < t.MinResponsiveRatio {
			agents.Passed = false
			agents.Message = fmt.Sprintf("%d/%d agents responsive, need ratio %.2f",
				rc.ResponsiveAgents, rc.TotalAgents, t.MinResponsiveRatio)
		}
	}
	results = append(results, agents)

	if !t.AllowDormant {
		dormant := Result{ID: "dormant.forbidden", Passed: !rc.Dormant}
		if rc.Dormant {
			dormant.Message = "instance went dormant during the check window"
		}
		results = append(results, dormant)
	}

	return results, nil
}
