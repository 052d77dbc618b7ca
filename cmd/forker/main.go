package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := &cobra.Command{
		Use:           "forker",
		Short:         "Replicate dropped files to two destinations with cryptographic verification",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(digestCmd)

	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := err.(*exitError); ok {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// configPath resolves the configuration file: the --config flag, then the
// FORKER_CONFIG environment variable, then the system default.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	if p := os.Getenv("FORKER_CONFIG"); p != "" {
		return p
	}
	return "/etc/forker/forker.toml"
}

// exitError carries a specific exit code out through cobra. Startup and
// usage problems exit 2; a service that started and then failed exits 1.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
