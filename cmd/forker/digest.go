package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/config"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/digest"
)

var digestCmd = &cobra.Command{
	Use:   "digest <file>",
	Short: "Hash a file with the configured algorithm",
	Long: `Hash a file with the configured algorithm.

Prints the digest in checksum-tool format for manual reconciliation against
the values recorded in the state database or the admin API.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDigest,
}

func init() {
	digestCmd.Flags().String("config", "", "path to the TOML configuration file")
	digestCmd.Flags().String("algorithm", "", "digest algorithm (default: from config, else sha256)")
}

func runDigest(cmd *cobra.Command, args []string) error {
	alg, _ := cmd.Flags().GetString("algorithm")
	if alg == "" {
		_ = godotenv.Load()
		cfg, err := config.Load(configPath(cmd))
		switch {
		case err == nil:
			alg = cfg.Hashing.Algorithm
		case errors.Is(err, fs.ErrNotExist):
			alg = digest.SHA256
		default:
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, xxh, err := digest.SumFile(ctx, alg, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s  %s\n", sum, args[0])
	fmt.Printf("algorithm: %s  xxh64: %s\n", alg, xxh)
	return nil
}
