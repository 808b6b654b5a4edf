// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package cli implements the mate-auth command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mate-auth",
	Short: "Passkey authentication service for the Mate community platform",
	Long: `mate-auth is the authentication subsystem of the Mate university
community platform. It serves WebAuthn passkey registration and
authentication ceremonies, issues and rotates JWT access/refresh
token pairs, and manages registered passkey devices.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file (default: built-in defaults plus MATE_AUTH_* environment)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
