package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/config"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/model"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/stats"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize replication state from the database",
	Long: `Summarize replication state from the database.

Reads the state database directly, so it works whether or not the service
is running. Lists job counts per state and details of any failed jobs
awaiting operator attention.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runStatus,
}

func init() {
	statusCmd.Flags().String("config", "", "path to the TOML configuration file")
	statusCmd.Flags().Int("failures", 10, "how many recent failed jobs to detail")
}

// stateOrder is the display order for per-state counts.
var stateOrder = []model.JobState{
	model.JobDiscovered,
	model.JobCopying,
	model.JobVerifying,
	model.JobVerified,
	model.JobPartiallyFailed,
	model.JobFailed,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer st.Close()
	ctx := cmd.Context()

	counts, err := st.CountsByState(ctx)
	if err != nil {
		return err
	}
	incomplete, err := st.ListIncomplete(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("state database: %s\n\n", cfg.DBPath())
	var total int64
	for _, state := range stateOrder {
		n := counts[state]
		total += n
		if n > 0 {
			fmt.Printf("  %-18s %8d\n", state, n)
		}
	}
	fmt.Printf("  %-18s %8d\n", "total", total)
	fmt.Printf("\njobs with work remaining: %d\n", len(incomplete))

	limit, _ := cmd.Flags().GetInt("failures")
	if err := printFailures(ctx, st, limit); err != nil {
		return err
	}
	return nil
}

func printFailures(ctx context.Context, st *store.Store, limit int) error {
	if limit <= 0 {
		return nil
	}
	var failed []*model.Job
	for _, state := range []model.JobState{model.JobPartiallyFailed, model.JobFailed} {
		jobs, err := st.ListJobs(ctx, state, limit)
		if err != nil {
			return err
		}
		failed = append(failed, jobs...)
	}
	if len(failed) == 0 {
		return nil
	}

	fmt.Fprintf(os.Stdout, "\nfailed jobs:\n")
	for _, j := range failed {
		fmt.Printf("  %s  %s  %-18s %s  %s\n",
			j.ID,
			j.DiscoveredAt.Format(time.RFC3339),
			j.State,
			j.FailureCode,
			stats.FormatBytes(j.Size))
		fmt.Printf("      source: %s\n", j.SourcePath)
		for _, t := range j.Targets {
			if t.State == model.TargetFailed {
				fmt.Printf("      %s: %s\n", t.Name, t.LastError)
			}
		}
	}
	return nil
}
