package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Replay changes captured by an earlier clone --follow setup",
	Long: `follow resumes the change data capture pipeline of an existing working
directory: receive WAL from the replication slot, transform it into SQL
batches, and apply them to the target once the sentinel allows it. With
--create-slot the slot, publication and sentinel are created first, as
stream setup would. Sequences are synchronized once, when the stream
terminates at endpos.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession(false)
		if err != nil {
			return err
		}
		defer sess.release()
		ctx := cmd.Context()

		if cfg.Replication.CreateSlot {
			if _, err := streamSetup(ctx, sess); err != nil {
				return err
			}
		}

		if endpos, err := parseEndpos(); err != nil {
			return err
		} else if endpos != 0 {
			if err := sess.cat.SetEndpos(endpos); err != nil {
				return err
			}
		}

		err = newLeader(sess).Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}

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
		return resyncSequences(ctx, source, target)
	},
}

func init() {
	rootCmd.AddCommand(followCmd)
}
