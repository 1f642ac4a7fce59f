package copydb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jfoltran/pgclone/internal/catalog"
)

// TableSummary aggregates the progress rows of one table.
type TableSummary struct {
	Table    string
	Parts    int
	Bytes    int64
	Duration time.Duration
	Failed   int
}

// Summary is the end-of-run report of the base copy.
type Summary struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Tables     []TableSummary
	Indexes    int
	Sequences  int
	LargeBytes int64
	Failed     int
}

// BuildSummary folds the catalog's progress table into a per-table report.
func BuildSummary(cat *catalog.Catalog, started, finished time.Time) (*Summary, error) {
	rows, err := cat.ListProgress()
	if err != nil {
		return nil, err
	}
	tables, err := cat.ListTables()
	if err != nil {
		return nil, err
	}

	names := make(map[uint32]string, len(tables))
	for _, t := range tables {
		names[t.OID] = t.QualifiedName()
	}

	byTable := make(map[string]*TableSummary)
	sum := &Summary{StartedAt: started, FinishedAt: finished}
	for _, r := range rows {
		if r.State == catalog.StateFailed {
			sum.Failed++
		}
		switch r.Kind {
		case catalog.KindTablePart:
			oidStr, _, ok := strings.Cut(r.ItemID, ".")
			if !ok {
				continue
			}
			oid, err := strconv.ParseUint(oidStr, 10, 32)
			if err != nil {
				continue
			}
			name := names[uint32(oid)]
			ts := byTable[name]
			if ts == nil {
				ts = &TableSummary{Table: name}
				byTable[name] = ts
			}
			ts.Parts++
			ts.Bytes += r.Bytes
			if d := r.Duration(); d > ts.Duration {
				ts.Duration = d
			}
			if r.State == catalog.StateFailed {
				ts.Failed++
			}
		case catalog.KindIndex:
			if r.State == catalog.StateDone {
				sum.Indexes++
			}
		case catalog.KindSequence:
			if r.State == catalog.StateDone {
				sum.Sequences++
			}
		case catalog.KindLargeObject:
			sum.LargeBytes += r.Bytes
		}
	}

	for _, ts := range byTable {
		sum.Tables = append(sum.Tables, *ts)
	}
	sort.Slice(sum.Tables, func(i, j int) bool { return sum.Tables[i].Bytes > sum.Tables[j].Bytes })
	return sum, nil
}

// Render formats the summary as an aligned text table.
func (s *Summary) Render() string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 8, 2, ' ', 0)

	fmt.Fprintln(w, "TABLE\tPARTS\tBYTES\tTIME\tSTATUS")
	var totalBytes int64
	for _, t := range s.Tables {
		status := "done"
		if t.Failed > 0 {
			status = fmt.Sprintf("%d failed", t.Failed)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			t.Table, t.Parts, humanize.Bytes(uint64(t.Bytes)), t.Duration.Round(time.Millisecond), status)
		totalBytes += t.Bytes
	}
	w.Flush()

	fmt.Fprintf(&b, "\n%d tables, %s", len(s.Tables), humanize.Bytes(uint64(totalBytes)))
	if s.Indexes > 0 {
		fmt.Fprintf(&b, ", %d indexes", s.Indexes)
	}
	if s.Sequences > 0 {
		fmt.Fprintf(&b, ", %d sequences", s.Sequences)
	}
	if s.LargeBytes > 0 {
		fmt.Fprintf(&b, ", %s of large objects", humanize.Bytes(uint64(s.LargeBytes)))
	}
	fmt.Fprintf(&b, " in %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	if s.Failed > 0 {
		fmt.Fprintf(&b, "%d work items FAILED\n", s.Failed)
	}
	return b.String()
}
