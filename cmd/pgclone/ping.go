package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgclone/internal/config"
	"github.com/jfoltran/pgclone/internal/retry"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Probe both connection strings",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx := cmd.Context()

		probe := func(label string, db config.DatabaseConfig) error {
			policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
			started := time.Now()
			err := policy.Do(ctx, func(ctx context.Context) error {
				pool, err := connectPool(ctx, db, 1)
				if err != nil {
					return err
				}
				pool.Close()
				return nil
			})
			if err != nil {
				return fmt.Errorf("%s %s: %w", label, db.Endpoint(), err)
			}
			fmt.Printf("%s %s ok (%s)\n", label, db.Endpoint(), time.Since(started).Round(time.Millisecond))
			return nil
		}

		g, _ := errgroup.WithContext(ctx)
		g.Go(func() error { return probe("source", cfg.Source) })
		g.Go(func() error { return probe("target", cfg.Target) })
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
