package follow

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jfoltran/pgclone/internal/workdir"
)

// pendingSQL lists transformed batch files in WAL order. Segment names are
// fixed-width hex, so lexical order is WAL order.
func pendingSQL(dir workdir.Dir) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir.CDCDir(), "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("list batch files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// pendingTransform lists segment JSON files that have no SQL twin yet. The
// newest file is normally still being written by the receiver and is held
// back until includeNewest is set (endpos reached, stream closed).
func pendingTransform(dir workdir.Dir, includeNewest bool) ([]string, error) {
	jsons, err := filepath.Glob(filepath.Join(dir.CDCDir(), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list segment files: %w", err)
	}
	sort.Strings(jsons)
	if !includeNewest && len(jsons) > 0 {
		jsons = jsons[:len(jsons)-1]
	}

	var out []string
	for _, j := range jsons {
		sql := strings.TrimSuffix(j, ".json") + ".sql"
		if matches, _ := filepath.Glob(sql); len(matches) == 0 {
			out = append(out, j)
		}
	}
	return out, nil
}

// sqlTwin maps a segment JSON path to its batch file path.
func sqlTwin(jsonPath string) string {
	return strings.TrimSuffix(jsonPath, ".json") + ".sql"
}
