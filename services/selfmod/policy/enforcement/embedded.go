// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package enforcement bakes the guard's base rules into the binary. The files
travel with the executable, so the trusted computing base cannot be edited
on disk by the pipeline it protects without a rebuild.
*/
package enforcement

import (
	_ "embed"
)

// TrustedBase holds the raw content of tcb.yaml: the paths no plan may touch.
//
// Usage:
//
//	err := yaml.Unmarshal(enforcement.TrustedBase, &targetStruct)
//
//go:embed tcb.yaml
var TrustedBase []byte

// SecretPatterns holds the raw content of secret_patterns.yaml, the
// classification rules used to scan edit payloads.
//
//go:embed secret_patterns.yaml
var SecretPatterns []byte
