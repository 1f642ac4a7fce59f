package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/config"
	"github.com/jfoltran/pgclone/internal/follow"
	"github.com/jfoltran/pgclone/internal/inspect"
	"github.com/jfoltran/pgclone/internal/stream"
	"github.com/jfoltran/pgclone/internal/workdir"
)

// session bundles what almost every command needs: the working directory,
// its lock, and the open source catalog.
type session struct {
	dir     workdir.Dir
	cat     *catalog.Catalog
	release func()
}

// openSession validates the configuration, prepares the working directory,
// takes its lock and opens the catalog. --restart clears the directory
// before anything else touches it.
func openSession(allowRestart bool) (*session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir := workdir.New(cfg.Run.Dir, cfg.Source.DBName)
	if cfg.Run.Dir == "" {
		dir = workdir.Default(cfg.Source.DBName)
	}
	if allowRestart && cfg.Run.Restart {
		if err := dir.Clear(); err != nil {
			return nil, err
		}
		logger.Info().Str("dir", dir.Root).Msg("working directory cleared")
	}
	if err := dir.Create(); err != nil {
		return nil, err
	}

	release, err := dir.AcquireLock()
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(dir.SourceCatalog(), dir.FilterCatalog(), dir.TargetCatalog())
	if err != nil {
		release()
		return nil, err
	}

	setup, err := currentSetup()
	if err != nil {
		cat.Close()
		release()
		return nil, err
	}
	if err := cat.CheckSetup(setup); err != nil {
		cat.Close()
		release()
		return nil, fmt.Errorf("%w (use --restart to start over)", err)
	}

	return &session{
		dir: dir,
		cat: cat,
		release: func() {
			cat.Close()
			release()
		},
	}, nil
}

func currentSetup() (catalog.Setup, error) {
	filter, err := inspect.LoadFilter(cfg.Run.FiltersFile)
	if err != nil {
		return catalog.Setup{}, err
	}
	return catalog.Setup{
		SourceEndpoint: cfg.Source.Endpoint(),
		TargetEndpoint: cfg.Target.Endpoint(),
		SnapshotID:     cfg.Run.SnapshotID,
		Plugin:         cfg.Replication.Plugin,
		SlotName:       cfg.Replication.SlotName,
		SplitThreshold: cfg.Split.TablesLargerThan,
		SplitMaxParts:  cfg.Split.MaxParts,
		FilterHash:     filter.Hash(),
	}, nil
}

func newLeader(sess *session) *follow.Leader {
	return &follow.Leader{
		Dir:             sess.dir,
		Cat:             sess.cat,
		ReplicationDSN:  cfg.Source.ReplicationDSN(),
		TargetDSN:       cfg.Target.DSN(),
		Slot:            cfg.Replication.SlotName,
		Plugin:          cfg.Replication.Plugin,
		Publication:     cfg.Replication.Publication,
		Origin:          cfg.Replication.Origin,
		NumericAsString: cfg.Replication.NumericAsString,
		Logger:          logger,
	}
}

func newStreamDecoder() (stream.Decoder, error) {
	return stream.NewDecoder(cfg.Replication.Plugin, stream.DecoderOptions{
		Publication:     cfg.Replication.Publication,
		NumericAsString: cfg.Replication.NumericAsString,
	})
}

func connectPool(ctx context.Context, db config.DatabaseConfig, maxConns int) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(db.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", db.Endpoint(), err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", db.Endpoint(), err)
	}
	return pool, nil
}
