// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// planValidate validates plan documents.
var planValidate = validator.New()

// Document is the serialized form of a ModificationPlan.
//
// # Description
//
// Documents are what planners write to disk, POST to the API, or drop into
// the inbox. YAML and JSON share the same field names.
//
// # Validation
//
//   - Name: required, at most 256 bytes
//   - Edits: at least one, at most 10000, each element validated
//   - Edits[].Op: one of replace, patch, append, delete
//   - Edits[].Search: required for replace
//   - Edits[].Patch: required for patch
type Document struct {
	ID          string         `yaml:"id,omitempty" json:"id,omitempty" validate:"omitempty,max=128"`
	Name        string         `yaml:"name" json:"name" validate:"required,max=256"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Edits       []EditDocument `yaml:"edits" json:"edits" validate:"required,min=1,max=10000,dive"`
}

// EditDocument is the serialized form of an Edit.
type EditDocument struct {
	Target  string `yaml:"target" json:"target" validate:"required,max=4096"`
	Op      string `yaml:"op" json:"op" validate:"required,oneof=replace patch append delete"`
	Search  string `yaml:"search,omitempty" json:"search,omitempty" validate:"required_if=Op replace"`
	Replace string `yaml:"replace,omitempty" json:"replace,omitempty"`
	Patch   string `yaml:"patch,omitempty" json:"patch,omitempty" validate:"required_if=Op patch"`
	Content string `yaml:"content,omitempty" json:"content,omitempty"`
	Reason  string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Validate checks the document's structural constraints.
func (d *Document) Validate() error {
	if err := planValidate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

// Plan converts a validated document into a ModificationPlan. A missing ID
// is replaced by a UUID.
func (d *Document) Plan() (*ModificationPlan, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	edits := make([]Edit, 0, len(d.Edits))
	for i, ed := range d.Edits {
		e, err := ed.Edit()
		if err != nil {
			return nil, fmt.Errorf("edit %d: %w", i, err)
		}
		edits = append(edits, e)
	}
	return NewWithID(d.ID, d.Name, d.Description, edits...), nil
}

// Edit converts the document into an Edit.
func (ed EditDocument) Edit() (Edit, error) {
	switch Operation(ed.Op) {
	case OpReplace:
		return NewReplace(ed.Target, ed.Search, ed.Replace, ed.Reason), nil
	case OpPatch:
		return NewPatch(ed.Target, ed.Patch, ed.Reason), nil
	case OpAppend:
		return NewAppend(ed.Target, ed.Content, ed.Reason), nil
	case OpDelete:
		return NewDelete(ed.Target, ed.Reason), nil
	default:
		return Edit{}, fmt.Errorf("%w: %q", ErrUnknownOperation, ed.Op)
	}
}

// ToDocument converts a plan back to its serialized form.
func ToDocument(p *ModificationPlan) Document {
	doc := Document{ID: p.ID, Name: p.Name, Description: p.Description}
	for _, e := range p.edits {
		ed := EditDocument{Target: e.target, Op: string(e.Op()), Reason: e.reason}
		switch pl := e.payload.(type) {
		case Replace:
			ed.Search, ed.Replace = pl.Search, pl.Replacement
		case Patch:
			ed.Patch = pl.Body
		case Append:
			ed.Content = pl.Content
		}
		doc.Edits = append(doc.Edits, ed)
	}
	return doc
}

// Parse decodes a YAML or JSON plan document. Unknown fields are rejected.
func Parse(data []byte) (*ModificationPlan, error) {
	var doc Document
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode json: %v", ErrInvalidDocument, err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(trimmed))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalidDocument, err)
		}
	}
	return doc.Plan()
}

// Load reads and parses a plan document from disk.
func Load(path string) (*ModificationPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", filepath.Base(path), err)
	}
	return p, nil
}

// IsDocumentFile reports whether the file name looks like a plan document.
func IsDocumentFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
