package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/compare"
)

var errComparisonFailed = errors.New("comparison found differences")

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare source and target",
}

var compareSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Compare table inventory and shape on both sides",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx := cmd.Context()

		source, err := connectPool(ctx, cfg.Source, 2)
		if err != nil {
			return err
		}
		defer source.Close()
		target, err := connectPool(ctx, cfg.Target, 2)
		if err != nil {
			return err
		}
		defer target.Close()

		report, err := compare.New(source, target, logger).CompareSchema(ctx)
		if err != nil {
			return err
		}
		fmt.Print(report.Render())
		if !report.Ok() {
			return errComparisonFailed
		}
		return nil
	},
}

var compareDataCmd = &cobra.Command{
	Use:   "data",
	Short: "Compare row counts and content checksums of every table",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession(false)
		if err != nil {
			return err
		}
		defer sess.release()
		ctx := cmd.Context()

		tables, err := sess.cat.ListTables()
		if err != nil {
			return err
		}
		if len(tables) == 0 {
			return errors.New("no tables in the catalog (run clone first)")
		}

		source, err := connectPool(ctx, cfg.Source, 4)
		if err != nil {
			return err
		}
		defer source.Close()
		target, err := connectPool(ctx, cfg.Target, 4)
		if err != nil {
			return err
		}
		defer target.Close()

		report, err := compare.New(source, target, logger).CompareData(ctx, tables)
		if err != nil {
			return err
		}
		fmt.Print(report.Render())
		if !report.Ok() {
			return errComparisonFailed
		}
		return nil
	},
}

func init() {
	compareCmd.AddCommand(compareSchemaCmd, compareDataCmd)
	rootCmd.AddCommand(compareCmd)
}
