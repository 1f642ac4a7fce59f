package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export a snapshot and hold it until interrupted",
	Long: `snapshot exports a consistent snapshot on the source and keeps its
transaction open until the process is interrupted. Pass the printed
identifier to other commands via --snapshot to share one point in time
across processes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		holder, err := snapshot.Export(cmd.Context(), cfg.Source.DSN(), logger)
		if err != nil {
			return err
		}
		defer holder.Release(context.Background())

		fmt.Println(holder.Name())

		err = holder.Keep(cmd.Context())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}
