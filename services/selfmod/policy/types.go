// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ViolationCode classifies why an edit was rejected.
type ViolationCode string

const (
	CodeInvalidPlan    ViolationCode = "invalid_plan"
	CodeTooManyEdits   ViolationCode = "too_many_edits"
	CodeInvalidEdit    ViolationCode = "invalid_edit"
	CodePathEscape     ViolationCode = "path_escape"
	CodeReservedPath   ViolationCode = "reserved_path"
	CodeExcludedPath   ViolationCode = "excluded_path"
	CodeProtectedFile  ViolationCode = "protected_file"
	CodeMissingTarget  ViolationCode = "missing_target"
	CodeNotRegularFile ViolationCode = "not_regular_file"
	CodeSymlinkPath    ViolationCode = "symlink_path"
	CodeSecretDetected ViolationCode = "secret_detected"
)

// Violation is one reason a plan is unsafe.
type Violation struct {
	Code ViolationCode `json:"code"`

	// EditIndex is the offending edit's position, or -1 for plan-level
	// violations.
	EditIndex int    `json:"edit_index"`
	Target    string `json:"target,omitempty"`
	Message   string `json:"message"`
}

func (v Violation) String() string {
	if v.EditIndex < 0 {
		return fmt.Sprintf("[%s] %s", v.Code, v.Message)
	}
	return fmt.Sprintf("[%s] edit %d: %s", v.Code, v.EditIndex, v.Message)
}

// Result is the outcome of validating a plan.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`

	// Findings are lower-confidence payload matches that did not block the
	// plan.
	Findings []ScanFinding `json:"findings,omitempty"`
}

// Messages returns every violation rendered as a string.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.String())
	}
	return out
}

// Summary joins the violation messages with "; ".
func (r *Result) Summary() string {
	return strings.Join(r.Messages(), "; ")
}

// =============================================================================
// Embedded rule files
// =============================================================================

type trustedBaseFile struct {
	Protected []string `yaml:"protected"`
}

// ConfidenceLevel grades a secret pattern.
type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// UnmarshalYAML rejects unknown confidence levels.
func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch level := ConfidenceLevel(s); level {
	case High, Medium, Low:
		*c = level
		return nil
	default:
		return fmt.Errorf("invalid value for confidence: %q", s)
	}
}

type classificationFile struct {
	Classifications []classification `yaml:"classifications"`
}

type classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []pattern `yaml:"patterns"`
}

type pattern struct {
	ID          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex"`
	Confidence  ConfidenceLevel `yaml:"confidence"`
	compiled    *regexp.Regexp
}

func (f *classificationFile) compile() error {
	for i := range f.Classifications {
		for j := range f.Classifications[i].Patterns {
			p := &f.Classifications[i].Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return fmt.Errorf("compiling pattern %s: %w", p.ID, err)
			}
			p.compiled = re
		}
	}
	sort.SliceStable(f.Classifications, func(i, j int) bool {
		return f.Classifications[i].Priority > f.Classifications[j].Priority
	})
	return nil
}

// ScanFinding is one pattern match inside an edit payload.
type ScanFinding struct {
	EditIndex      int             `json:"edit_index"`
	Target         string          `json:"target"`
	LineNumber     int             `json:"line_number"`
	Classification string          `json:"classification"`
	PatternID      string          `json:"pattern_id"`
	Description    string          `json:"description"`
	Confidence     ConfidenceLevel `json:"confidence"`
}
