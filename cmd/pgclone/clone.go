package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/copydb"
	"github.com/jfoltran/pgclone/internal/inspect"
	"github.com/jfoltran/pgclone/internal/schema"
	"github.com/jfoltran/pgclone/internal/snapshot"
	"github.com/jfoltran/pgclone/internal/stream"
)

var cloneFollow bool

var cloneCmd = &cobra.Command{
	Use:     "clone",
	Aliases: []string{"fork"},
	Short:   "Clone the source database onto the target",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClone(cmd.Context())
	},
}

func init() {
	cloneCmd.Flags().BoolVar(&cloneFollow, "follow", false, "Keep applying changes after the base copy")
	rootCmd.AddCommand(cloneCmd)
}

func runClone(ctx context.Context) error {
	sess, err := openSession(true)
	if err != nil {
		return err
	}
	defer sess.release()

	source, err := connectPool(ctx, cfg.Source, cfg.Jobs.TableJobs+2)
	if err != nil {
		return err
	}
	defer source.Close()
	target, err := connectPool(ctx, cfg.Target, cfg.Jobs.TableJobs+cfg.Jobs.IndexJobs+2)
	if err != nil {
		return err
	}
	defer target.Close()

	// Consistency setup. With --follow the snapshot comes from the
	// replication slot so the copy and the change stream share one point in
	// time; otherwise a plain exported snapshot is enough.
	snapshotName := cfg.Run.SnapshotID
	var holder *snapshot.Holder
	var startpos pglogrepl.LSN

	switch {
	case cloneFollow:
		name, point, err := setupReplication(ctx)
		if err != nil {
			return err
		}
		snapshotName, startpos = name, point
	case snapshotName != "" || cfg.Run.NotConsistent:
		// Externally managed, or explicitly waived.
	default:
		holder, err = snapshot.Export(ctx, cfg.Source.DSN(), logger)
		if err != nil {
			return err
		}
		defer holder.Release(context.Background())
		snapshotName = holder.Name()
	}

	setup, err := currentSetup()
	if err != nil {
		return err
	}
	setup.SnapshotID = snapshotName
	if err := sess.cat.WriteSetup(setup); err != nil {
		return err
	}

	// Schema first: the target needs empty tables before COPY.
	tool := schema.New(cfg.Run.NoOwner, logger)
	if err := restoreSection(ctx, tool, schema.SectionPreData, sess.dir.PreDump()); err != nil {
		return err
	}

	inspector := inspect.NewInspector(source, logger)
	if !cfg.Run.SkipDBProperties {
		if err := copyDBProperties(ctx, inspector, target); err != nil {
			return err
		}
	}

	// Inspect and plan. Planning reads run under the shared snapshot so
	// sizes, key ranges, and object lists match what the copy will see.
	filter, err := inspect.LoadFilter(cfg.Run.FiltersFile)
	if err != nil {
		return err
	}
	unpin := func() {}
	if snapshotName != "" {
		if unpin, err = inspector.Snapshot(ctx, snapshotName); err != nil {
			return err
		}
	}
	planner := inspect.NewPlanner(inspector, sess.cat,
		cfg.Split.TablesLargerThan, cfg.Split.MaxParts, cfg.Split.SkipCtid, logger)
	planner.Filter = filter
	_, planErr := planner.Plan(ctx, cfg.Run.SkipLargeObjects)
	unpin()
	if planErr != nil {
		return planErr
	}

	if cloneFollow {
		endpos, err := parseEndpos()
		if err != nil {
			return err
		}
		if err := sess.cat.InitSentinel(startpos, endpos); err != nil {
			return err
		}
	}

	// The base copy.
	sup := copydb.NewSupervisor(source, target, sess.cat, snapshotName, copydb.Limits{
		TableJobs:        cfg.Jobs.TableJobs,
		IndexJobs:        cfg.Jobs.IndexJobs,
		LargeObjectJobs:  cfg.Jobs.LargeObjectJobs,
		FailFast:         cfg.Run.FailFast,
		DropIfExists:     cfg.Run.DropIfExists,
		Resume:           cfg.Run.Resume,
		SkipVacuum:       cfg.Run.SkipVacuum,
		SkipLargeObjects: cfg.Run.SkipLargeObjects,
	}, logger)

	summary, runErr := sup.Run(ctx)
	if summary != nil {
		fmt.Print(summary.Render())
	}
	if runErr != nil {
		return runErr
	}

	// Everything post-data that the index workers did not build.
	if err := restoreSection(ctx, tool, schema.SectionPostData, sess.dir.PostDump()); err != nil {
		return err
	}

	if holder != nil {
		holder.Release(ctx)
	}

	if !cloneFollow {
		return nil
	}

	// Base copy done: allow apply and follow until endpos or signal.
	if err := sess.cat.SetApplyMode(true); err != nil {
		return err
	}
	err = newLeader(sess).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	// Sequences moved during the stream; re-read them now that it is over.
	return resyncSequences(ctx, source, target)
}

// setupReplication creates the slot and returns its exported snapshot and
// consistent point. An already-existing slot under --resume is reused with
// consistency waived to the sentinel's recorded positions.
func setupReplication(ctx context.Context) (string, pglogrepl.LSN, error) {
	if cfg.Replication.Plugin == "pgoutput" {
		if err := createPublication(ctx); err != nil {
			return "", 0, err
		}
	}

	conn, err := stream.ConnectReplication(ctx, cfg.Source.ReplicationDSN())
	if err != nil {
		return "", 0, err
	}
	defer conn.Close(context.Background())

	decoder, err := newStreamDecoder()
	if err != nil {
		return "", 0, err
	}
	recv := stream.NewReceiver(conn, decoder, nil, nil,
		cfg.Replication.SlotName, cfg.Replication.Plugin, logger)

	name, point, err := recv.CreateSlot(ctx)
	if err != nil {
		if cfg.Run.Resume {
			logger.Warn().Err(err).Msg("slot exists, resuming without a fresh snapshot")
			return "", 0, nil
		}
		return "", 0, err
	}
	return name, point, nil
}

func restoreSection(ctx context.Context, tool *schema.Tool, section, dumpPath string) error {
	if err := tool.Dump(ctx, cfg.Source.DSN(), section, dumpPath); err != nil {
		return err
	}

	skip := map[string]bool{}
	if section == schema.SectionPostData {
		skip = schema.PostDataSkip()
	}
	if cfg.Run.SkipExtensions {
		skip["EXTENSION"] = true
	}
	if cfg.Run.SkipCollations {
		skip["COLLATION"] = true
	}

	listPath := ""
	if len(skip) > 0 {
		entries, err := tool.ListContents(ctx, dumpPath)
		if err != nil {
			return err
		}
		listPath = dumpPath + ".list"
		if err := schema.WriteFilteredList(listPath, entries, skip); err != nil {
			return err
		}
	}
	return tool.Restore(ctx, cfg.Target.DSN(), dumpPath, listPath,
		cfg.Jobs.RestoreJobs, cfg.Run.DropIfExists && section == schema.SectionPreData)
}

// copyDBProperties applies the source's database-level settings on the
// target database.
func copyDBProperties(ctx context.Context, inspector *inspect.Inspector, target *pgxpool.Pool) error {
	props, err := inspector.DatabaseProperties(ctx)
	if err != nil {
		return err
	}
	for _, prop := range props {
		key, value, ok := strings.Cut(prop, "=")
		if !ok {
			continue
		}
		sql := fmt.Sprintf("ALTER DATABASE %s SET %s = %s",
			catalog.QuoteIdent(cfg.Target.DBName), catalog.QuoteIdent(key), quoteGUCValue(value))
		if _, err := target.Exec(ctx, sql); err != nil {
			return fmt.Errorf("set database property %s: %w", key, err)
		}
	}
	if len(props) > 0 {
		logger.Info().Int("settings", len(props)).Msg("database properties copied")
	}
	return nil
}

// quoteGUCValue quotes a setconfig value for SET. List settings such as
// search_path keep one quoted element per comma.
func quoteGUCValue(v string) string {
	parts := strings.Split(v, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		parts[i] = "'" + strings.ReplaceAll(p, "'", "''") + "'"
	}
	return strings.Join(parts, ", ")
}

// resyncSequences re-reads live sequence positions from the source and sets
// them on the target, once, after the change stream has terminated.
func resyncSequences(ctx context.Context, source, target *pgxpool.Pool) error {
	seqs, err := inspect.NewInspector(source, logger).ListSequences(ctx)
	if err != nil {
		return err
	}
	for _, s := range seqs {
		_, err := target.Exec(ctx, `SELECT pg_catalog.setval($1::regclass, $2, $3)`,
			s.QualifiedName(), s.LastValue, s.IsCalled)
		if err != nil {
			return fmt.Errorf("resync sequence %s: %w", s.QualifiedName(), err)
		}
	}
	logger.Info().Int("sequences", len(seqs)).Msg("sequences synchronized")
	return nil
}

func parseEndpos() (pglogrepl.LSN, error) {
	if cfg.Replication.Endpos == "" {
		return 0, nil
	}
	l, err := pglogrepl.ParseLSN(cfg.Replication.Endpos)
	if err != nil {
		return 0, fmt.Errorf("invalid --endpos %q: %w", cfg.Replication.Endpos, err)
	}
	return l, nil
}
