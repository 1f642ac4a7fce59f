package catalog

import (
	"fmt"

	"github.com/jackc/pglogrepl"
)

// Sentinel is the single-row remote control for the CDC pipeline. The CLI
// writes the control fields; the receiver and applier keep the LSNs current.
type Sentinel struct {
	Startpos  pglogrepl.LSN
	Endpos    pglogrepl.LSN
	Apply     bool // false = prefetch, true = apply
	WriteLSN  pglogrepl.LSN
	FlushLSN  pglogrepl.LSN
	ReplayLSN pglogrepl.LSN
}

// InitSentinel creates the sentinel row if it does not exist yet.
func (c *Catalog) InitSentinel(startpos, endpos pglogrepl.LSN) error {
	_, err := c.conn.Exec(`
		INSERT INTO target.sentinel (id, startpos, endpos) VALUES (1, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		int64(startpos), int64(endpos))
	if err != nil {
		return fmt.Errorf("init sentinel: %w", err)
	}
	return nil
}

// GetSentinel reads the sentinel row.
func (c *Catalog) GetSentinel() (Sentinel, error) {
	var s Sentinel
	var startpos, endpos, write, flush, replay int64
	err := c.conn.QueryRow(`
		SELECT startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn
		FROM target.sentinel WHERE id = 1`).Scan(&startpos, &endpos, &s.Apply, &write, &flush, &replay)
	if err != nil {
		return Sentinel{}, fmt.Errorf("get sentinel: %w", err)
	}
	s.Startpos = pglogrepl.LSN(startpos)
	s.Endpos = pglogrepl.LSN(endpos)
	s.WriteLSN = pglogrepl.LSN(write)
	s.FlushLSN = pglogrepl.LSN(flush)
	s.ReplayLSN = pglogrepl.LSN(replay)
	return s, nil
}

// SetStartpos updates the control startpos.
func (c *Catalog) SetStartpos(l pglogrepl.LSN) error {
	return c.updateSentinel(`UPDATE target.sentinel SET startpos = ? WHERE id = 1`, int64(l))
}

// SetEndpos updates the control endpos.
func (c *Catalog) SetEndpos(l pglogrepl.LSN) error {
	return c.updateSentinel(`UPDATE target.sentinel SET endpos = ? WHERE id = 1`, int64(l))
}

// SetApplyMode flips the sentinel between prefetch (false) and apply (true).
func (c *Catalog) SetApplyMode(apply bool) error {
	return c.updateSentinel(`UPDATE target.sentinel SET apply = ? WHERE id = 1`, apply)
}

// UpdateReceivePositions records the receiver's write and flush positions.
// LSNs never move backward.
func (c *Catalog) UpdateReceivePositions(write, flush pglogrepl.LSN) error {
	_, err := c.conn.Exec(`
		UPDATE target.sentinel SET
			write_lsn = MAX(write_lsn, ?),
			flush_lsn = MAX(flush_lsn, ?)
		WHERE id = 1`,
		int64(write), int64(flush))
	if err != nil {
		return fmt.Errorf("update receive positions: %w", err)
	}
	return nil
}

// UpdateReplayPosition records the applier's replay position.
func (c *Catalog) UpdateReplayPosition(replay pglogrepl.LSN) error {
	_, err := c.conn.Exec(`
		UPDATE target.sentinel SET replay_lsn = MAX(replay_lsn, ?) WHERE id = 1`, int64(replay))
	if err != nil {
		return fmt.Errorf("update replay position: %w", err)
	}
	return nil
}

func (c *Catalog) updateSentinel(query string, arg any) error {
	tag, err := c.conn.Exec(query, arg)
	if err != nil {
		return fmt.Errorf("update sentinel: %w", err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return fmt.Errorf("update sentinel: no sentinel row (run stream setup first)")
	}
	return nil
}
