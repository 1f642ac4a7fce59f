// Package stream receives logical replication traffic, decodes it into a
// plugin-independent change format, and persists it as one JSON file per
// WAL segment.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// Actions carried by a change message. One letter each so the JSON files
// stay compact at high change rates.
const (
	ActionBegin    = "B"
	ActionCommit   = "C"
	ActionInsert   = "I"
	ActionUpdate   = "U"
	ActionDelete   = "D"
	ActionTruncate = "T"
	ActionMessage  = "M" // logical decoding message, kept for auditing
	ActionKeepaliv = "K" // server keepalive, carries the WAL end position
	ActionSwitch   = "X" // WAL segment boundary crossed
	ActionEndpos   = "E" // endpos reached, stream stops after this line
)

// Column is one column of a change tuple. Value is nil for SQL NULL and for
// unchanged TOAST columns (flagged separately).
type Column struct {
	Name      string  `json:"name"`
	Type      string  `json:"type,omitempty"`
	Value     *string `json:"value"`
	Unchanged bool    `json:"unchanged,omitempty"`
}

// Message is one line of a CDC segment file. The same shape is used for all
// actions; absent fields are omitted.
type Message struct {
	Action    string        `json:"action"`
	XID       uint32        `json:"xid,omitempty"`
	LSN       pglogrepl.LSN `json:"lsn"`
	NextLSN   pglogrepl.LSN `json:"nextlsn,omitempty"`
	Timestamp string        `json:"timestamp,omitempty"`
	Schema    string        `json:"schema,omitempty"`
	Table     string        `json:"table,omitempty"`
	Columns   []Column      `json:"columns,omitempty"`
	Identity  []Column      `json:"identity,omitempty"`
	Tables    []string      `json:"tables,omitempty"`  // truncate targets
	Prefix    string        `json:"prefix,omitempty"`  // logical decoding message prefix
	Content   string        `json:"content,omitempty"` // logical decoding message payload
}

// MarshalLine renders the message as one newline-terminated JSON line.
func (m Message) MarshalLine() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", m.Action, err)
	}
	return append(b, '\n'), nil
}

// ParseLine decodes one segment-file line.
func ParseLine(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("parse change line: %w", err)
	}
	if m.Action == "" {
		return Message{}, fmt.Errorf("change line has no action: %.80s", line)
	}
	return m, nil
}

// IsTransactionBoundary reports whether the message opens or closes a
// transaction.
func (m Message) IsTransactionBoundary() bool {
	return m.Action == ActionBegin || m.Action == ActionCommit
}

// IsDML reports whether the message mutates table data.
func (m Message) IsDML() bool {
	switch m.Action {
	case ActionInsert, ActionUpdate, ActionDelete, ActionTruncate:
		return true
	}
	return false
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05.999999-07")
}
