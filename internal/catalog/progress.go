package catalog

import (
	"fmt"
	"time"
)

// WorkState is the lifecycle state of one work item.
type WorkState string

const (
	StateQueued  WorkState = "queued"
	StateRunning WorkState = "running"
	StateDone    WorkState = "done"
	StateFailed  WorkState = "failed"
)

// Work item kinds tracked in the progress table.
const (
	KindTablePart   = "table_part"
	KindIndex       = "index"
	KindConstraint  = "constraint"
	KindVacuum      = "vacuum"
	KindSequence    = "sequence"
	KindLargeObject = "large_object"
)

// ProgressRow is one work item's persisted progress.
type ProgressRow struct {
	Kind       string
	ItemID     string
	State      WorkState
	Bytes      int64
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Duration returns the elapsed run time when both timestamps are present.
func (p ProgressRow) Duration() time.Duration {
	if p.StartedAt == nil || p.FinishedAt == nil {
		return 0
	}
	return p.FinishedAt.Sub(*p.StartedAt)
}

// EnqueueItem records a work item as queued. Already-recorded items keep
// their state, which is what makes --resume skip finished work.
func (c *Catalog) EnqueueItem(kind, itemID string) error {
	_, err := c.conn.Exec(`
		INSERT INTO target.progress (kind, item_id, state) VALUES (?, ?, 'queued')
		ON CONFLICT(kind, item_id) DO NOTHING`, kind, itemID)
	if err != nil {
		return fmt.Errorf("enqueue %s %s: %w", kind, itemID, err)
	}
	return nil
}

// StartItem transitions a work item to running.
func (c *Catalog) StartItem(kind, itemID string) error {
	_, err := c.conn.Exec(`
		UPDATE target.progress SET state = 'running', started_at = CURRENT_TIMESTAMP, error = ''
		WHERE kind = ? AND item_id = ?`, kind, itemID)
	if err != nil {
		return fmt.Errorf("start %s %s: %w", kind, itemID, err)
	}
	return nil
}

// FinishItem transitions a work item to done and records transferred bytes.
func (c *Catalog) FinishItem(kind, itemID string, bytes int64) error {
	_, err := c.conn.Exec(`
		UPDATE target.progress SET state = 'done', bytes = ?, finished_at = CURRENT_TIMESTAMP
		WHERE kind = ? AND item_id = ?`, bytes, kind, itemID)
	if err != nil {
		return fmt.Errorf("finish %s %s: %w", kind, itemID, err)
	}
	return nil
}

// FailItem transitions a work item to failed with the error text.
func (c *Catalog) FailItem(kind, itemID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := c.conn.Exec(`
		UPDATE target.progress SET state = 'failed', error = ?, finished_at = CURRENT_TIMESTAMP
		WHERE kind = ? AND item_id = ?`, msg, kind, itemID)
	if err != nil {
		return fmt.Errorf("fail %s %s: %w", kind, itemID, err)
	}
	return nil
}

// ItemState returns the recorded state of one work item.
func (c *Catalog) ItemState(kind, itemID string) (WorkState, error) {
	var s WorkState
	err := c.conn.QueryRow(`SELECT state FROM target.progress WHERE kind = ? AND item_id = ?`,
		kind, itemID).Scan(&s)
	if err != nil {
		return "", fmt.Errorf("item state %s %s: %w", kind, itemID, err)
	}
	return s, nil
}

// ListProgress returns every progress row, failures first then by kind.
func (c *Catalog) ListProgress() ([]ProgressRow, error) {
	rows, err := c.conn.Query(`
		SELECT kind, item_id, state, bytes, error, started_at, finished_at
		FROM target.progress ORDER BY state = 'failed' DESC, kind, item_id`)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var list []ProgressRow
	for rows.Next() {
		var p ProgressRow
		if err := rows.Scan(&p.Kind, &p.ItemID, &p.State, &p.Bytes, &p.Error,
			&p.StartedAt, &p.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// CountFailed returns the number of failed work items.
func (c *Catalog) CountFailed() (int, error) {
	var n int
	err := c.conn.QueryRow(`SELECT COUNT(*) FROM target.progress WHERE state = 'failed'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return n, nil
}
