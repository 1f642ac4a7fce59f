package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/apply"
	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/inspect"
	"github.com/jfoltran/pgclone/internal/stream"
	"github.com/jfoltran/pgclone/internal/transform"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Operate the change data capture pipeline piecewise",
}

var streamSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the replication slot, publication, and sentinel",
	Long: `setup prepares the source and the working directory for change data
capture: it creates the logical replication slot (exporting its snapshot),
creates the publication when the pgoutput plugin is in use, and initializes
the sentinel at the slot's consistent point. The exported snapshot name is
printed so a base copy can share it via --snapshot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession(false)
		if err != nil {
			return err
		}
		defer sess.release()

		snapshotName, err := streamSetup(cmd.Context(), sess)
		if err != nil {
			return err
		}
		fmt.Println(snapshotName)
		return nil
	},
}

// streamSetup creates the publication (pgoutput only), the replication slot
// and the sentinel. Returns the slot's exported snapshot name.
func streamSetup(ctx context.Context, sess *session) (string, error) {
	if cfg.Replication.Plugin == "pgoutput" {
		if err := createPublication(ctx); err != nil {
			return "", err
		}
	}

	conn, err := stream.ConnectReplication(ctx, cfg.Source.ReplicationDSN())
	if err != nil {
		return "", err
	}
	defer conn.Close(context.Background())
	decoder, err := newStreamDecoder()
	if err != nil {
		return "", err
	}
	recv := stream.NewReceiver(conn, decoder, nil, sess.cat,
		cfg.Replication.SlotName, cfg.Replication.Plugin, logger)

	snapshotName, point, err := recv.CreateSlot(ctx)
	if err != nil {
		return "", err
	}

	endpos, err := parseEndpos()
	if err != nil {
		return "", err
	}
	if err := sess.cat.InitSentinel(point, endpos); err != nil {
		return "", err
	}
	return snapshotName, nil
}

var streamCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop the replication slot, publication, and origin",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx := cmd.Context()

		conn, err := stream.ConnectReplication(ctx, cfg.Source.ReplicationDSN())
		if err != nil {
			return err
		}
		defer conn.Close(context.Background())
		decoder, err := newStreamDecoder()
		if err != nil {
			return err
		}
		recv := stream.NewReceiver(conn, decoder, nil, nil,
			cfg.Replication.SlotName, cfg.Replication.Plugin, logger)
		if err := recv.DropSlot(ctx); err != nil {
			return err
		}

		if cfg.Replication.Plugin == "pgoutput" {
			if err := dropPublication(ctx); err != nil {
				return err
			}
		}

		target, err := pgx.Connect(ctx, cfg.Target.DSN())
		if err != nil {
			return err
		}
		defer target.Close(context.Background())
		return apply.DropOrigin(ctx, target, cfg.Replication.Origin, logger)
	},
}

var streamToStdout bool

var streamReceiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Stream WAL into JSON segment files",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession(false)
		if err != nil {
			return err
		}
		defer sess.release()
		ctx := cmd.Context()

		conn, err := stream.ConnectReplication(ctx, cfg.Source.ReplicationDSN())
		if err != nil {
			return err
		}
		defer conn.Close(context.Background())
		decoder, err := newStreamDecoder()
		if err != nil {
			return err
		}

		sysident, err := pglogrepl.IdentifySystem(ctx, conn)
		if err != nil {
			return fmt.Errorf("identify system: %w", err)
		}
		var mirror io.Writer
		if streamToStdout {
			mirror = os.Stdout
		}
		writer := stream.NewSegmentWriter(sess.dir, uint32(sysident.Timeline), mirror, logger)
		defer writer.Close()

		recv := stream.NewReceiver(conn, decoder, writer, sess.cat,
			cfg.Replication.SlotName, cfg.Replication.Plugin, logger)

		start, err := streamStartPosition(sess.cat)
		if err != nil {
			return err
		}
		err = recv.Stream(ctx, start)
		if errors.Is(err, stream.ErrEndposReached) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var streamTransformCmd = &cobra.Command{
	Use:   "transform <segment.json> <segment.sql>",
	Short: "Transform one JSON segment into a SQL batch file",
	Long: `transform rewrites a JSON segment into SQL batches. Pass - for both
arguments to transform a byte stream from stdin to stdout, which composes
with receive --to-stdout and apply - in a shell pipeline.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tr := transform.New(logger)
		if args[0] == "-" && args[1] == "-" {
			return tr.Transform(cmd.Context(), os.Stdin, os.Stdout)
		}
		return tr.TransformFile(cmd.Context(), args[0], args[1])
	},
}

var streamApplyCmd = &cobra.Command{
	Use:   "apply <segment.sql>",
	Short: "Apply one SQL batch file to the target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession(false)
		if err != nil {
			return err
		}
		defer sess.release()
		ctx := cmd.Context()

		conn, err := pgx.Connect(ctx, cfg.Target.DSN())
		if err != nil {
			return err
		}
		applier, err := apply.New(ctx, conn, sess.cat, cfg.Replication.Origin, logger)
		if err != nil {
			conn.Close(context.Background())
			return err
		}
		defer applier.Close(context.Background())

		if args[0] == "-" {
			err = applier.ApplyStream(ctx, os.Stdin)
		} else {
			err = applier.ApplyFile(ctx, args[0])
		}
		if errors.Is(err, apply.ErrEndposReached) {
			return nil
		}
		return err
	},
}

var streamPrefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Receive and transform without touching the target",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStreamLeader(cmd.Context(), false)
	},
}

var streamCatchupCmd = &cobra.Command{
	Use:   "catchup",
	Short: "Apply the already-transformed SQL files, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession(false)
		if err != nil {
			return err
		}
		defer sess.release()
		ctx := cmd.Context()

		files, err := filepath.Glob(filepath.Join(sess.dir.CDCDir(), "*.sql"))
		if err != nil {
			return err
		}
		if len(files) == 0 {
			logger.Info().Msg("no SQL files to apply")
			return nil
		}

		conn, err := pgx.Connect(ctx, cfg.Target.DSN())
		if err != nil {
			return err
		}
		applier, err := apply.New(ctx, conn, sess.cat, cfg.Replication.Origin, logger)
		if err != nil {
			conn.Close(context.Background())
			return err
		}
		defer applier.Close(context.Background())

		for _, f := range files {
			err := applier.ApplyFile(ctx, f)
			if errors.Is(err, apply.ErrEndposReached) {
				return nil
			}
			if err != nil {
				return err
			}
		}
		return nil
	},
}

var streamReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run the full receive, transform, and apply pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStreamLeader(cmd.Context(), true)
	},
}

var sentinelCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Inspect and control the pipeline's remote control",
}

var sentinelGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the sentinel positions and controls",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession(false)
		if err != nil {
			return err
		}
		defer sess.release()

		sent, err := sess.cat.GetSentinel()
		if err != nil {
			return err
		}
		mode := "prefetch"
		if sent.Apply {
			mode = "apply"
		}
		fmt.Printf("startpos  %s\n", sent.Startpos)
		fmt.Printf("endpos    %s\n", sent.Endpos)
		fmt.Printf("apply     %s\n", mode)
		fmt.Printf("write_lsn %s\n", sent.WriteLSN)
		fmt.Printf("flush_lsn %s\n", sent.FlushLSN)
		fmt.Printf("replay_lsn %s\n", sent.ReplayLSN)
		return nil
	},
}

var sentinelSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change one sentinel control",
}

var sentinelSetStartposCmd = &cobra.Command{
	Use:   "startpos <lsn>",
	Short: "Set the position streaming starts from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSentinel(func(cat *catalog.Catalog) error {
			l, err := pglogrepl.ParseLSN(args[0])
			if err != nil {
				return fmt.Errorf("invalid lsn %q: %w", args[0], err)
			}
			return cat.SetStartpos(l)
		})
	},
}

var sentinelEndposCurrent bool

var sentinelSetEndposCmd = &cobra.Command{
	Use:   "endpos [<lsn>]",
	Short: "Set the position streaming stops at",
	Long: `endpos arms the stop position: the pipeline finishes once a commit at
or past this LSN is applied. With --current the source's pg_current_wal_lsn()
is used. Sequence changes are not streamed; clone --follow and follow
resynchronize sequences once, after the stream terminates here.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSentinel(func(cat *catalog.Catalog) error {
			var l pglogrepl.LSN
			switch {
			case sentinelEndposCurrent:
				text, err := currentSourceWALPosition(cmd.Context())
				if err != nil {
					return err
				}
				if l, err = pglogrepl.ParseLSN(text); err != nil {
					return fmt.Errorf("parse pg_current_wal_lsn %q: %w", text, err)
				}
			case len(args) == 1:
				var err error
				if l, err = pglogrepl.ParseLSN(args[0]); err != nil {
					return fmt.Errorf("invalid lsn %q: %w", args[0], err)
				}
			default:
				return errors.New("endpos requires an LSN argument or --current")
			}
			if err := cat.SetEndpos(l); err != nil {
				return err
			}
			fmt.Println(l)
			return nil
		})
	},
}

var sentinelSetApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Allow the pipeline to apply changes to the target",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSentinel(func(cat *catalog.Catalog) error {
			return cat.SetApplyMode(true)
		})
	},
}

var sentinelSetPrefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Restrict the pipeline to receive and transform",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSentinel(func(cat *catalog.Catalog) error {
			return cat.SetApplyMode(false)
		})
	},
}

func withSentinel(fn func(*catalog.Catalog) error) error {
	sess, err := openSession(false)
	if err != nil {
		return err
	}
	defer sess.release()
	return fn(sess.cat)
}

func runStreamLeader(ctx context.Context, applyMode bool) error {
	sess, err := openSession(false)
	if err != nil {
		return err
	}
	defer sess.release()

	if err := sess.cat.SetApplyMode(applyMode); err != nil {
		return err
	}
	err = newLeader(sess).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func streamStartPosition(cat *catalog.Catalog) (pglogrepl.LSN, error) {
	sent, err := cat.GetSentinel()
	if err != nil {
		return 0, err
	}
	if sent.FlushLSN != 0 {
		return sent.FlushLSN, nil
	}
	return sent.Startpos, nil
}

func createPublication(ctx context.Context) error {
	pool, err := connectPool(ctx, cfg.Source, 1)
	if err != nil {
		return err
	}
	defer pool.Close()

	_, err = pool.Exec(ctx, fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES",
		catalog.QuoteIdent(cfg.Replication.Publication)))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42710" {
		logger.Debug().Str("publication", cfg.Replication.Publication).Msg("publication already exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("create publication %s: %w", cfg.Replication.Publication, err)
	}
	return nil
}

func dropPublication(ctx context.Context) error {
	pool, err := connectPool(ctx, cfg.Source, 1)
	if err != nil {
		return err
	}
	defer pool.Close()

	_, err = pool.Exec(ctx, fmt.Sprintf("DROP PUBLICATION IF EXISTS %s",
		catalog.QuoteIdent(cfg.Replication.Publication)))
	if err != nil {
		return fmt.Errorf("drop publication %s: %w", cfg.Replication.Publication, err)
	}
	return nil
}

func currentSourceWALPosition(ctx context.Context) (string, error) {
	pool, err := connectPool(ctx, cfg.Source, 1)
	if err != nil {
		return "", err
	}
	defer pool.Close()
	return inspect.NewInspector(pool, logger).CurrentWALPosition(ctx)
}

func init() {
	streamReceiveCmd.Flags().BoolVar(&streamToStdout, "to-stdout", false,
		"Mirror decoded messages to stdout")
	sentinelSetEndposCmd.Flags().BoolVar(&sentinelEndposCurrent, "current", false,
		"Use the source's current WAL position")

	sentinelSetCmd.AddCommand(sentinelSetStartposCmd, sentinelSetEndposCmd,
		sentinelSetApplyCmd, sentinelSetPrefetchCmd)
	sentinelCmd.AddCommand(sentinelGetCmd, sentinelSetCmd)

	streamCmd.AddCommand(streamSetupCmd, streamCleanupCmd, streamReceiveCmd,
		streamTransformCmd, streamApplyCmd, streamPrefetchCmd,
		streamCatchupCmd, streamReplayCmd, sentinelCmd)
	rootCmd.AddCommand(streamCmd)
}
