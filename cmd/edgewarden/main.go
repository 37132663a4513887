// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the edgewarden identity provider.
package main

import (
	"os"

	"github.com/edgewarden/edgewarden/cmd/edgewarden/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
