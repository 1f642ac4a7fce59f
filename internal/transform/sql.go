package transform

import (
	"fmt"
	"strings"

	"github.com/jfoltran/pgclone/internal/stream"
)

// QuoteIdent double-quotes one SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedIdent quotes schema.name.
func QualifiedIdent(schema, name string) string {
	if schema == "" {
		return QuoteIdent(name)
	}
	return QuoteIdent(schema) + "." + QuoteIdent(name)
}

// QuoteLiteral renders one text value as a SQL string literal, NULL for nil.
func QuoteLiteral(v *string) string {
	if v == nil {
		return "NULL"
	}
	s := strings.ReplaceAll(*v, "'", "''")
	if strings.ContainsRune(s, '\\') {
		// Escape-string form keeps backslashes literal regardless of the
		// server's standard_conforming_strings setting.
		return "E'" + strings.ReplaceAll(s, `\`, `\\`) + "'"
	}
	return "'" + s + "'"
}

// UpdateSQL renders one UPDATE from new-tuple columns and identity columns.
// Unchanged TOAST columns are left out of the SET list.
func UpdateSQL(m stream.Message) (string, error) {
	if len(m.Identity) == 0 {
		return "", fmt.Errorf("update on %s.%s at %s has no identity columns (check REPLICA IDENTITY)",
			m.Schema, m.Table, m.LSN)
	}

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(QualifiedIdent(m.Schema, m.Table))
	sb.WriteString(" SET ")
	wrote := 0
	for _, c := range m.Columns {
		if c.Unchanged {
			continue
		}
		if wrote > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(QuoteIdent(c.Name))
		sb.WriteString(" = ")
		sb.WriteString(QuoteLiteral(c.Value))
		wrote++
	}
	if wrote == 0 {
		return "", fmt.Errorf("update on %s.%s at %s has no assignable columns", m.Schema, m.Table, m.LSN)
	}
	sb.WriteString(whereClause(m.Identity))
	sb.WriteString(";")
	return sb.String(), nil
}

// DeleteSQL renders one DELETE from the identity columns.
func DeleteSQL(m stream.Message) (string, error) {
	if len(m.Identity) == 0 {
		return "", fmt.Errorf("delete on %s.%s at %s has no identity columns (check REPLICA IDENTITY)",
			m.Schema, m.Table, m.LSN)
	}
	return "DELETE FROM " + QualifiedIdent(m.Schema, m.Table) + whereClause(m.Identity) + ";", nil
}

// TruncateSQL renders one TRUNCATE covering every table of the message.
func TruncateSQL(m stream.Message) string {
	parts := make([]string, len(m.Tables))
	for i, qual := range m.Tables {
		schema, name, ok := strings.Cut(qual, ".")
		if !ok {
			parts[i] = QuoteIdent(qual)
			continue
		}
		parts[i] = QualifiedIdent(schema, name)
	}
	return "TRUNCATE ONLY " + strings.Join(parts, ", ") + ";"
}

func whereClause(identity []stream.Column) string {
	var sb strings.Builder
	sb.WriteString(" WHERE ")
	for i, c := range identity {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(QuoteIdent(c.Name))
		if c.Value == nil {
			sb.WriteString(" IS NULL")
		} else {
			sb.WriteString(" = ")
			sb.WriteString(QuoteLiteral(c.Value))
		}
	}
	return sb.String()
}
