package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrConfigMismatch is returned when the catalog's setup row disagrees with
// the requested run. Resolve with --restart, or rerun with the same options.
var ErrConfigMismatch = errors.New("setup does not match the working directory")

// Setup describes the run a working directory belongs to. Written once at
// plan time; read back at every start to detect a mismatched rerun.
type Setup struct {
	SourceEndpoint string
	TargetEndpoint string
	SnapshotID     string
	Plugin         string
	SlotName       string
	SplitThreshold int64
	SplitMaxParts  int
	FilterHash     string
	CreatedAt      time.Time
}

// WriteSetup stores the setup row and the filter fingerprint. The
// fingerprint lives in the filter catalog and, like every field but the
// snapshot, is never overwritten; the mismatch check compares against the
// first run's values.
func (c *Catalog) WriteSetup(s Setup) error {
	_, err := c.conn.Exec(`
		INSERT INTO setup (id, source_endpoint, target_endpoint, snapshot_id, plugin,
		                   slot_name, split_threshold, split_max_parts)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot_id = excluded.snapshot_id`,
		s.SourceEndpoint, s.TargetEndpoint, s.SnapshotID, s.Plugin,
		s.SlotName, s.SplitThreshold, s.SplitMaxParts)
	if err != nil {
		return fmt.Errorf("write setup: %w", err)
	}
	_, err = c.conn.Exec(`
		INSERT INTO filters.filters (id, hash) VALUES (1, ?)
		ON CONFLICT(id) DO NOTHING`, s.FilterHash)
	if err != nil {
		return fmt.Errorf("write filter state: %w", err)
	}
	return nil
}

// ReadSetup returns the setup row, with found=false when none exists yet.
func (c *Catalog) ReadSetup() (Setup, bool, error) {
	var s Setup
	err := c.conn.QueryRow(`
		SELECT s.source_endpoint, s.target_endpoint, s.snapshot_id, s.plugin,
		       s.slot_name, s.split_threshold, s.split_max_parts,
		       COALESCE(f.hash, ''), s.created_at
		FROM setup s LEFT JOIN filters.filters f ON f.id = 1
		WHERE s.id = 1`).Scan(
		&s.SourceEndpoint, &s.TargetEndpoint, &s.SnapshotID, &s.Plugin,
		&s.SlotName, &s.SplitThreshold, &s.SplitMaxParts, &s.FilterHash, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Setup{}, false, nil
	}
	if err != nil {
		return Setup{}, false, fmt.Errorf("read setup: %w", err)
	}
	return s, true, nil
}

// CheckSetup compares an existing setup row against the requested run.
// A missing row is not a mismatch. The snapshot id is not compared: resumed
// runs with --not-consistent legitimately use a fresh snapshot.
func (c *Catalog) CheckSetup(want Setup) error {
	have, found, err := c.ReadSetup()
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	switch {
	case have.SourceEndpoint != want.SourceEndpoint:
		return fmt.Errorf("%w: source was %s, now %s", ErrConfigMismatch, have.SourceEndpoint, want.SourceEndpoint)
	case have.TargetEndpoint != want.TargetEndpoint:
		return fmt.Errorf("%w: target was %s, now %s", ErrConfigMismatch, have.TargetEndpoint, want.TargetEndpoint)
	case have.Plugin != want.Plugin:
		return fmt.Errorf("%w: plugin was %s, now %s", ErrConfigMismatch, have.Plugin, want.Plugin)
	case have.SlotName != want.SlotName:
		return fmt.Errorf("%w: slot was %s, now %s", ErrConfigMismatch, have.SlotName, want.SlotName)
	case have.SplitThreshold != want.SplitThreshold:
		return fmt.Errorf("%w: split threshold was %d, now %d", ErrConfigMismatch, have.SplitThreshold, want.SplitThreshold)
	case have.FilterHash != want.FilterHash:
		return fmt.Errorf("%w: filters changed", ErrConfigMismatch)
	}
	return nil
}
