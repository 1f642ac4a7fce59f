// Package schema moves DDL between clusters by driving pg_dump and
// pg_restore. Data never flows through here; the pre-data section creates
// tables before the copy, the post-data section carries what the index
// builder does not create itself.
package schema

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Sections of a custom-format archive.
const (
	SectionPreData  = "pre-data"
	SectionPostData = "post-data"
)

// Tool wraps the PostgreSQL client binaries.
type Tool struct {
	NoOwner bool
	logger  zerolog.Logger
}

// New creates a Tool.
func New(noOwner bool, logger zerolog.Logger) *Tool {
	return &Tool{
		NoOwner: noOwner,
		logger:  logger.With().Str("component", "schema").Logger(),
	}
}

// Dump writes one section of the source schema to a custom-format archive.
func (t *Tool) Dump(ctx context.Context, dsn, section, outPath string) error {
	args := []string{
		"--format", "custom",
		"--schema-only",
		"--section", section,
		"--no-privileges",
		"--file", outPath,
	}
	if t.NoOwner {
		args = append(args, "--no-owner")
	}
	args = append(args, dsn)

	cmd := exec.CommandContext(ctx, "pg_dump", args...)
	if out, err := cmd.Output(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("pg_dump %s failed: %s", section, string(exitErr.Stderr))
		}
		return fmt.Errorf("pg_dump %s: %w", section, err)
	} else if len(out) > 0 {
		t.logger.Debug().Str("section", section).Msg(strings.TrimSpace(string(out)))
	}
	t.logger.Info().Str("section", section).Str("file", outPath).Msg("schema section dumped")
	return nil
}

// Restore replays one archive onto the target, restricted to the entries in
// listPath when non-empty.
func (t *Tool) Restore(ctx context.Context, dsn, dumpPath, listPath string, jobs int, dropIfExists bool) error {
	args := []string{
		"--dbname", dsn,
		"--no-privileges",
		"--exit-on-error",
	}
	if t.NoOwner {
		args = append(args, "--no-owner")
	}
	if jobs > 1 {
		args = append(args, "--jobs", strconv.Itoa(jobs))
	}
	if dropIfExists {
		args = append(args, "--clean", "--if-exists")
	}
	if listPath != "" {
		args = append(args, "--use-list", listPath)
	}
	args = append(args, dumpPath)

	cmd := exec.CommandContext(ctx, "pg_restore", args...)
	if _, err := cmd.Output(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("pg_restore failed: %s", string(exitErr.Stderr))
		}
		return fmt.Errorf("pg_restore: %w", err)
	}
	t.logger.Info().Str("file", dumpPath).Msg("schema restored")
	return nil
}

// ArchiveEntry is one line of a pg_restore table of contents.
type ArchiveEntry struct {
	DumpID int
	Desc   string // INDEX, CONSTRAINT, TABLE, ...
	Line   string // verbatim, for the filtered list file
}

// ListContents reads the archive's table of contents.
func (t *Tool) ListContents(ctx context.Context, dumpPath string) ([]ArchiveEntry, error) {
	cmd := exec.CommandContext(ctx, "pg_restore", "--list", dumpPath)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("pg_restore --list failed: %s", string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("pg_restore --list: %w", err)
	}
	return ParseArchiveList(string(out))
}

// ParseArchiveList parses pg_restore --list output. Comment and blank lines
// are dropped.
func ParseArchiveList(listing string) ([]ArchiveEntry, error) {
	var entries []ArchiveEntry
	scanner := bufio.NewScanner(strings.NewReader(listing))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		entry, ok, err := parseArchiveLine(line)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries, scanner.Err()
}

// parseArchiveLine parses "dumpId; catalogOid objectOid DESC schema name owner".
func parseArchiveLine(line string) (ArchiveEntry, bool, error) {
	id, rest, ok := strings.Cut(line, ";")
	if !ok {
		return ArchiveEntry{}, false, nil
	}
	dumpID, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil {
		return ArchiveEntry{}, false, fmt.Errorf("archive list line %q: %w", line, err)
	}
	fields := strings.Fields(rest)
	if len(fields) < 3 {
		return ArchiveEntry{}, false, nil
	}
	// fields[0] and fields[1] are catalog and object oids. The description
	// spans the following all-uppercase tokens ("TABLE", "FK CONSTRAINT",
	// "SEQUENCE OWNED BY"); the schema or object name ends the run.
	var desc []string
	for _, f := range fields[2:] {
		if f != strings.ToUpper(f) || !strings.ContainsFunc(f, isUpperLetter) {
			break
		}
		desc = append(desc, f)
	}
	if len(desc) == 0 {
		return ArchiveEntry{}, false, nil
	}
	return ArchiveEntry{DumpID: dumpID, Desc: strings.Join(desc, " "), Line: line}, true, nil
}

func isUpperLetter(r rune) bool { return r >= 'A' && r <= 'Z' }

// WriteFilteredList writes a pg_restore list file keeping only entries whose
// description is not in skip. Used for the post-data restore, where indexes
// and the constraints they back were already built by the index workers.
func WriteFilteredList(path string, entries []ArchiveEntry, skip map[string]bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create list file %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		if skip[e.Desc] {
			continue
		}
		if _, err := w.WriteString(e.Line + "\n"); err != nil {
			return fmt.Errorf("write list file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush list file: %w", err)
	}
	return nil
}

// PostDataSkip is the default skip set of the post-data restore.
func PostDataSkip() map[string]bool {
	return map[string]bool{
		"INDEX":      true,
		"CONSTRAINT": true,
	}
}
