package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jfoltran/pgclone/internal/inspect"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List source objects as pgclone sees them",
}

func withInspector(ctx context.Context, fn func(context.Context, *inspect.Inspector, *pgxpool.Pool) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	pool, err := connectPool(ctx, cfg.Source, 2)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, inspect.NewInspector(pool, logger), pool)
}

var listTablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List tables with sizes and split keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInspector(cmd.Context(), func(ctx context.Context, ins *inspect.Inspector, _ *pgxpool.Pool) error {
			tables, err := ins.ListTables(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "OID\tTABLE\tEST ROWS\tSIZE\tSPLIT KEY")
			for _, t := range tables {
				key := t.SplitColumn
				if key == "" {
					key = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
					t.OID, t.QualifiedName(), t.EstRows, humanize.Bytes(uint64(t.Bytes)), key)
			}
			return w.Flush()
		})
	},
}

var listTablePartsCmd = &cobra.Command{
	Use:   "table-parts",
	Short: "Show how a large table would be partitioned",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInspector(cmd.Context(), func(ctx context.Context, ins *inspect.Inspector, _ *pgxpool.Pool) error {
			tables, err := ins.ListTables(ctx)
			if err != nil {
				return err
			}
			for _, t := range tables {
				if t.QualifiedName() != args[0] {
					continue
				}
				n := inspect.PartCount(t.Bytes, cfg.Split.TablesLargerThan, cfg.Split.MaxParts)
				fmt.Printf("%s: %s in %d part(s)", t.QualifiedName(), humanize.Bytes(uint64(t.Bytes)), n)
				if t.SplitColumn != "" {
					fmt.Printf(" by %s", t.SplitColumn)
				} else if n > 1 {
					fmt.Printf(" by page ranges")
				}
				fmt.Println()
				return nil
			}
			return fmt.Errorf("table %q not found", args[0])
		})
	},
}

var listSequencesCmd = &cobra.Command{
	Use:   "sequences",
	Short: "List sequences and their positions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInspector(cmd.Context(), func(ctx context.Context, ins *inspect.Inspector, _ *pgxpool.Pool) error {
			seqs, err := ins.ListSequences(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "SEQUENCE\tLAST VALUE\tCALLED")
			for _, s := range seqs {
				fmt.Fprintf(w, "%s\t%d\t%t\n", s.QualifiedName(), s.LastValue, s.IsCalled)
			}
			return w.Flush()
		})
	},
}

var listIndexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "List indexes grouped by table",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInspector(cmd.Context(), func(ctx context.Context, ins *inspect.Inspector, _ *pgxpool.Pool) error {
			tables, err := ins.ListTables(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tINDEX\tCONSTRAINT")
			for _, t := range tables {
				indexes, err := ins.ListIndexes(ctx, t)
				if err != nil {
					return err
				}
				for _, idx := range indexes {
					con := "-"
					if idx.BacksConstraint {
						con = idx.ConstraintName
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", t.QualifiedName(), idx.Name, con)
				}
			}
			return w.Flush()
		})
	},
}

var listExtensionsCmd = &cobra.Command{
	Use:   "extensions",
	Short: "List installed extensions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInspector(cmd.Context(), func(ctx context.Context, ins *inspect.Inspector, _ *pgxpool.Pool) error {
			exts, err := ins.ListExtensions(ctx)
			if err != nil {
				return err
			}
			for _, e := range exts {
				fmt.Println(e)
			}
			return nil
		})
	},
}

var listCollationsCmd = &cobra.Command{
	Use:   "collations",
	Short: "List user-defined collations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInspector(cmd.Context(), func(ctx context.Context, ins *inspect.Inspector, _ *pgxpool.Pool) error {
			colls, err := ins.ListCollations(ctx)
			if err != nil {
				return err
			}
			for _, c := range colls {
				fmt.Println(c)
			}
			return nil
		})
	},
}

func init() {
	listCmd.AddCommand(listTablesCmd, listTablePartsCmd, listSequencesCmd,
		listIndexesCmd, listExtensionsCmd, listCollationsCmd)
	rootCmd.AddCommand(listCmd)
}
