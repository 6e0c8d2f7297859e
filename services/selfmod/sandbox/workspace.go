// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"sync"
	"time"
)

// State is a workspace lifecycle state.
type State string

const (
	// StateCreated means the directory exists and is being populated.
	StateCreated State = "created"

	// StateActive means the copy and provisioning finished.
	StateActive State = "active"

	// StateDestroyed means the directory has been removed.
	StateDestroyed State = "destroyed"
)

// Workspace is an isolated copy of the project tree.
//
// Thread Safety: State transitions are guarded; the directory contents are
// not.
type Workspace struct {
	// ID is the directory base name, unique under the sandbox root.
	ID string

	// Path is the absolute workspace directory.
	Path string

	// CreatedAt is when the copy started.
	CreatedAt time.Time

	// Files is the number of regular files and symlinks copied.
	Files int

	mu    sync.Mutex
	state State
}

// State returns the current lifecycle state.
func (w *Workspace) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Workspace) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}
