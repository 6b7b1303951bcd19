// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/twofold/twofold/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the twofold CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "twofold",
		Short: "twofold - a private space for two",
		Long: `twofold pairs two people into a shared space using a passphrase
they both know, with optional personal passwords and verified email.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML, default $XDG_CONFIG_HOME/twofold/config.yaml)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// resolveConfigFile returns the --config value, or the XDG default file when
// the flag is unset. An empty result means no file is loaded.
func resolveConfigFile() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	return xdg.DefaultConfigFile()
}

// NewVersionCmd creates the version subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			v := cmd.Root().Version
			if v == "" {
				v = version
			}
			cmd.Println("twofold " + v)
		},
	}
}
