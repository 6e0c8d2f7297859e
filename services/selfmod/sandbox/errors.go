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

import "errors"

var (
	// ErrInstallerNotFound indicates the provisioning program is not on PATH.
	ErrInstallerNotFound = errors.New("dependency installer not found")

	// ErrProvisionFailed indicates the provisioning program exited non-zero.
	ErrProvisionFailed = errors.New("dependency provisioning failed")

	// ErrOutsideSandbox indicates a destroy request for a path that is not a
	// workspace under the sandbox root.
	ErrOutsideSandbox = errors.New("path is not inside the sandbox root")
)
