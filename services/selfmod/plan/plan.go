// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan defines modification plans and the typed edits they carry.
//
// A ModificationPlan is produced by an external planner and consumed by the
// orchestrator. Edits are immutable once constructed: their fields are only
// reachable through accessors, and the payload is a sealed sum type so every
// consumer can switch exhaustively over the four operations.
package plan

import (
	"fmt"

	"github.com/google/uuid"
)

// Operation names an edit kind.
type Operation string

const (
	// OpReplace replaces the first occurrence of a literal string.
	OpReplace Operation = "replace"

	// OpPatch applies a structural (unified diff style) patch.
	OpPatch Operation = "patch"

	// OpAppend appends content, creating the file when absent.
	OpAppend Operation = "append"

	// OpDelete removes the file; absent files are a no-op.
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the four known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpReplace, OpPatch, OpAppend, OpDelete:
		return true
	}
	return false
}

// =============================================================================
// Payloads
// =============================================================================

// Payload is the operation-specific part of an Edit.
//
// The interface is sealed: only Replace, Patch, Append and Delete implement
// it.
type Payload interface {
	// Op returns the operation this payload belongs to.
	Op() Operation

	sealed()
}

// Replace swaps the first occurrence of Search with Replacement.
type Replace struct {
	Search      string
	Replacement string
}

// Patch carries a unified diff (or a bare block of hunk lines).
type Patch struct {
	Body string
}

// Append carries content added to the end of the file.
type Append struct {
	Content string
}

// Delete removes the target file.
type Delete struct{}

func (Replace) Op() Operation { return OpReplace }
func (Patch) Op() Operation   { return OpPatch }
func (Append) Op() Operation  { return OpAppend }
func (Delete) Op() Operation  { return OpDelete }

func (Replace) sealed() {}
func (Patch) sealed()   {}
func (Append) sealed()  {}
func (Delete) sealed()  {}

// =============================================================================
// Edit
// =============================================================================

// Edit is a single typed change to one file, relative to the project root.
type Edit struct {
	target  string
	payload Payload
	reason  string
}

// NewReplace builds an edit replacing the first occurrence of search.
func NewReplace(target, search, replacement, reason string) Edit {
	return Edit{target: target, payload: Replace{Search: search, Replacement: replacement}, reason: reason}
}

// NewPatch builds a structural patch edit.
func NewPatch(target, body, reason string) Edit {
	return Edit{target: target, payload: Patch{Body: body}, reason: reason}
}

// NewAppend builds an append edit.
func NewAppend(target, content, reason string) Edit {
	return Edit{target: target, payload: Append{Content: content}, reason: reason}
}

// NewDelete builds a delete edit.
func NewDelete(target, reason string) Edit {
	return Edit{target: target, payload: Delete{}, reason: reason}
}

// Target returns the project-relative file path.
func (e Edit) Target() string { return e.target }

// Reason returns the planner's justification for the edit.
func (e Edit) Reason() string { return e.reason }

// Payload returns the operation payload. Never nil for constructed edits.
func (e Edit) Payload() Payload { return e.payload }

// Op returns the edit's operation, or "" for a zero Edit.
func (e Edit) Op() Operation {
	if e.payload == nil {
		return ""
	}
	return e.payload.Op()
}

// Content returns the text the edit introduces into the file: the
// replacement, the patch body, or the appended content.
func (e Edit) Content() string {
	switch p := e.payload.(type) {
	case Replace:
		return p.Replacement
	case Patch:
		return p.Body
	case Append:
		return p.Content
	default:
		return ""
	}
}

// String renders the edit as "op target".
func (e Edit) String() string {
	return fmt.Sprintf("%s %s", e.Op(), e.target)
}

// =============================================================================
// ModificationPlan
// =============================================================================

// ModificationPlan is an ordered list of edits with identifying metadata.
//
// # Thread Safety
//
// A plan is owned by a single Apply call. It is not safe to record a
// checkpoint concurrently with reads.
type ModificationPlan struct {
	// ID uniquely identifies the plan.
	ID string

	// Name is a short human label.
	Name string

	// Description explains the intent of the change.
	Description string

	edits         []Edit
	checkpointRef string
}

// New creates a plan with a fresh UUID.
func New(name, description string, edits ...Edit) *ModificationPlan {
	return NewWithID(uuid.NewString(), name, description, edits...)
}

// NewWithID creates a plan with a caller-chosen ID. An empty id is replaced
// by a UUID.
func NewWithID(id, name, description string, edits ...Edit) *ModificationPlan {
	if id == "" {
		id = uuid.NewString()
	}
	copied := make([]Edit, len(edits))
	copy(copied, edits)
	return &ModificationPlan{ID: id, Name: name, Description: description, edits: copied}
}

// Edits returns a copy of the plan's edits in order.
func (p *ModificationPlan) Edits() []Edit {
	out := make([]Edit, len(p.edits))
	copy(out, p.edits)
	return out
}

// Len returns the number of edits.
func (p *ModificationPlan) Len() int { return len(p.edits) }

// CheckpointRef returns the pre-change checkpoint recorded by the
// orchestrator, or "" if none was taken.
func (p *ModificationPlan) CheckpointRef() string { return p.checkpointRef }

// RecordCheckpoint stores the pre-change checkpoint reference. Only the
// orchestrator calls this.
func (p *ModificationPlan) RecordCheckpoint(ref string) { p.checkpointRef = ref }
