package main

import (
	"context"
	"fmt"
	"time"

	expirysweep "github.com/abreka/caddy-expirysweep"
	"github.com/spf13/cobra"
)

var onceAt string

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single sweep and print a summary",
	RunE:  onceHandler,
}

func init() {
	onceCmd.Flags().StringVar(&onceAt, "at", "", "cutoff as RFC 3339 (default now)")
}

func onceHandler(cmd *cobra.Command, args []string) error {
	now, err := parseCutoff(onceAt)
	if err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	service, err := newService(ctx, logger)
	if err != nil {
		return err
	}
	defer service.Close()

	res, err := service.SweepOnce(ctx, now)
	if err != nil {
		return err
	}

	printResult(cmd, res)
	return res.Err()
}

func parseCutoff(s string) (time.Time, error) {
	if s == "" {
		return expirysweep.UTCNow(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at: %w", err)
	}
	// A future cutoff would delete records before they expire.
	if t.After(expirysweep.UTCNow()) {
		return time.Time{}, fmt.Errorf("invalid --at: %s is in the future", t.UTC().Format(time.RFC3339))
	}
	return t.UTC(), nil
}

func printResult(cmd *cobra.Command, res expirysweep.SweepResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "sweep %s at %s\n", res.ID, res.Cutoff.Format(time.RFC3339))
	fmt.Fprintf(out, "  parents processed: %d (deferred %d, unfinished %d)\n", res.ParentsProcessed, res.ParentsDeferred, res.ParentsUnfinished)
	fmt.Fprintf(out, "  records deleted:   %d in %d batches\n", res.RecordsDeleted, res.Batches)
	for _, pe := range res.Errors {
		fmt.Fprintf(out, "  error: %v\n", pe)
	}
	fmt.Fprintf(out, "  took %s\n", res.Duration)
}
