// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command selfmod applies modification plans to a project under policy,
// verification and version control.
package main

import (
	"errors"
	"os"

	"github.com/AleutianAI/selfmod/pkg/ux"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.msg != "" {
				ux.Error(exit.msg)
			}
			os.Exit(exit.code)
		}
		ux.Error(err.Error())
		os.Exit(1)
	}
}
