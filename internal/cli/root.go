// Package cli implements the atpd command-line interface.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Version is stamped by the build.
var Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "atpd",
	Short: "ATP router daemon",
	Long: `atpd is the AI Traffic Protocol router: a request-routing and
streaming fabric between clients and model-serving adapters. It
validates, fragments, routes, scores, and reassembles framed messages
while tracking cost, quality, and policy constraints across tenants.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"path to the atpd TOML config file")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the atpd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "atpd %s\n", Version)
	},
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".atp", "config.toml")
}
