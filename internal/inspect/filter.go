package inspect

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Filter is a table exclusion list. The file holds one qualified name per
// line ("schema.table", or "schema.*" for a whole schema); blank lines and
// #-comments are skipped. Matched tables are planned as excluded: their
// schema is still restored but no data, indexes or vacuum run for them.
type Filter struct {
	exact   map[string]struct{}
	schemas map[string]struct{}
	hash    string
}

// LoadFilter reads a filter file. An empty path yields a filter that
// matches nothing and hashes to the empty string.
func LoadFilter(path string) (*Filter, error) {
	f := &Filter{
		exact:   make(map[string]struct{}),
		schemas: make(map[string]struct{}),
	}
	if path == "" {
		return f, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter file: %w", err)
	}
	sum := sha256.Sum256(data)
	f.hash = hex.EncodeToString(sum[:])

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if schema, ok := strings.CutSuffix(line, ".*"); ok {
			f.schemas[schema] = struct{}{}
			continue
		}
		f.exact[line] = struct{}{}
	}
	return f, nil
}

// Match reports whether the table is excluded by the filter.
func (f *Filter) Match(schema, table string) bool {
	if _, ok := f.schemas[schema]; ok {
		return true
	}
	_, ok := f.exact[schema+"."+table]
	return ok
}

// Hash fingerprints the filter file content for the setup row.
func (f *Filter) Hash() string { return f.hash }
