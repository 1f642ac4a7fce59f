package catalog

import "fmt"

// Index is one index scheduled for creation on the target. When it backs a
// constraint, ConstraintSQL is the ALTER TABLE promotion statement.
type Index struct {
	OID             uint32
	TableOID        uint32
	Name            string
	Definition      string
	BacksConstraint bool
	ConstraintName  string
	ConstraintSQL   string
}

// Sequence is one sequence and its position at inspection time.
type Sequence struct {
	OID       uint32
	Schema    string
	Name      string
	LastValue int64
	IsCalled  bool
}

// QualifiedName returns schema.sequence.
func (s Sequence) QualifiedName() string {
	if s.Schema == "" || s.Schema == "public" {
		return s.Name
	}
	return s.Schema + "." + s.Name
}

// LargeObject is one large object scheduled for copy.
type LargeObject struct {
	OID  uint32
	Done bool
}

// AddIndex inserts one index row.
func (c *Catalog) AddIndex(i Index) error {
	_, err := c.conn.Exec(`
		INSERT INTO indexes (oid, table_oid, index_name, definition, backs_constraint, constraint_name, constraint_sql)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(oid) DO NOTHING`,
		i.OID, i.TableOID, i.Name, i.Definition, i.BacksConstraint, i.ConstraintName, i.ConstraintSQL)
	if err != nil {
		return fmt.Errorf("add index %s: %w", i.Name, err)
	}
	return nil
}

// ListIndexes returns the indexes of one table.
func (c *Catalog) ListIndexes(tableOID uint32) ([]Index, error) {
	rows, err := c.conn.Query(`
		SELECT oid, table_oid, index_name, definition, backs_constraint, constraint_name, constraint_sql
		FROM indexes WHERE table_oid = ? ORDER BY oid`, tableOID)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	defer rows.Close()

	var list []Index
	for rows.Next() {
		var i Index
		if err := rows.Scan(&i.OID, &i.TableOID, &i.Name, &i.Definition,
			&i.BacksConstraint, &i.ConstraintName, &i.ConstraintSQL); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		list = append(list, i)
	}
	return list, rows.Err()
}

// ListAllIndexes returns every index in the catalog.
func (c *Catalog) ListAllIndexes() ([]Index, error) {
	rows, err := c.conn.Query(`
		SELECT oid, table_oid, index_name, definition, backs_constraint, constraint_name, constraint_sql
		FROM indexes ORDER BY table_oid, oid`)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	defer rows.Close()

	var list []Index
	for rows.Next() {
		var i Index
		if err := rows.Scan(&i.OID, &i.TableOID, &i.Name, &i.Definition,
			&i.BacksConstraint, &i.ConstraintName, &i.ConstraintSQL); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		list = append(list, i)
	}
	return list, rows.Err()
}

// AddSequence inserts one sequence row.
func (c *Catalog) AddSequence(s Sequence) error {
	_, err := c.conn.Exec(`
		INSERT INTO sequences (oid, schema_name, sequence_name, last_value, is_called)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(oid) DO UPDATE SET last_value = excluded.last_value, is_called = excluded.is_called`,
		s.OID, s.Schema, s.Name, s.LastValue, s.IsCalled)
	if err != nil {
		return fmt.Errorf("add sequence %s: %w", s.QualifiedName(), err)
	}
	return nil
}

// ListSequences returns all sequences.
func (c *Catalog) ListSequences() ([]Sequence, error) {
	rows, err := c.conn.Query(`
		SELECT oid, schema_name, sequence_name, last_value, is_called
		FROM sequences ORDER BY schema_name, sequence_name`)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	var list []Sequence
	for rows.Next() {
		var s Sequence
		if err := rows.Scan(&s.OID, &s.Schema, &s.Name, &s.LastValue, &s.IsCalled); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// AddLargeObjects inserts large object rows.
func (c *Catalog) AddLargeObjects(oids []uint32) error {
	tx, err := c.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin add large objects: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT INTO large_objects (oid, done) VALUES (?, 0) ON CONFLICT(oid) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare add large objects: %w", err)
	}
	defer stmt.Close()

	for _, oid := range oids {
		if _, err := stmt.Exec(oid); err != nil {
			return fmt.Errorf("add large object %d: %w", oid, err)
		}
	}
	return tx.Commit()
}

// PendingLargeObjects returns the oids not yet copied.
func (c *Catalog) PendingLargeObjects() ([]uint32, error) {
	rows, err := c.conn.Query(`SELECT oid FROM large_objects WHERE done = 0 ORDER BY oid`)
	if err != nil {
		return nil, fmt.Errorf("list large objects: %w", err)
	}
	defer rows.Close()

	var oids []uint32
	for rows.Next() {
		var oid uint32
		if err := rows.Scan(&oid); err != nil {
			return nil, fmt.Errorf("scan large object: %w", err)
		}
		oids = append(oids, oid)
	}
	return oids, rows.Err()
}

// MarkLargeObjectDone persists completion of one large object.
func (c *Catalog) MarkLargeObjectDone(oid uint32) error {
	_, err := c.conn.Exec(`UPDATE large_objects SET done = 1 WHERE oid = ?`, oid)
	if err != nil {
		return fmt.Errorf("mark large object %d done: %w", oid, err)
	}
	return nil
}
