// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the edgewarden command-line application.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "edgewarden",
	DisableAutoGenTag: true,
	Short:             "Edgewarden is a multi-tenant OpenID Connect identity provider",
	Long: `Edgewarden is a multi-tenant OpenID Connect 1.0 / OAuth 2.x identity
provider built to run at the edge. Per-identity state lives in an actor
store backed by Redis or memory, so any instance can serve any request.

All configuration is read from EDGEWARDEN_* environment variables.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	return rootCmd
}
