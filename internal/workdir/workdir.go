// Package workdir manages the on-disk working directory shared by all
// workers of a run: catalogs, CDC segments, run files, and the pid lock.
package workdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PidFileName is the advisory lock file at the root of the working directory.
const PidFileName = "pgclone.pid"

// Dir is the root of a pgclone working directory.
type Dir struct {
	Root string
}

// Default returns the working directory for the given target database name,
// under XDG_DATA_HOME when set, else the system temp directory.
func Default(dbname string) Dir {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		base = filepath.Join(os.TempDir(), "pgclone")
	} else {
		base = filepath.Join(base, "pgclone")
	}
	return Dir{Root: filepath.Join(base, dbname)}
}

// New returns a Dir rooted at the given path, or the default when empty.
func New(root, dbname string) Dir {
	if root == "" {
		return Default(dbname)
	}
	return Dir{Root: root}
}

func (d Dir) SchemaDir() string { return filepath.Join(d.Root, "schema") }
func (d Dir) CDCDir() string    { return filepath.Join(d.Root, "cdc") }
func (d Dir) RunDir() string    { return filepath.Join(d.Root, "run") }

// SourceCatalog, FilterCatalog and TargetCatalog are the three catalog files.
func (d Dir) SourceCatalog() string { return filepath.Join(d.SchemaDir(), "source.db") }
func (d Dir) FilterCatalog() string { return filepath.Join(d.SchemaDir(), "filters.db") }
func (d Dir) TargetCatalog() string { return filepath.Join(d.SchemaDir(), "target.db") }

// PreDump and PostDump are the external pg_dump artifacts.
func (d Dir) PreDump() string  { return filepath.Join(d.SchemaDir(), "pre.dump") }
func (d Dir) PostDump() string { return filepath.Join(d.SchemaDir(), "post.dump") }

// SegmentJSON returns the JSON segment path for a WAL file name.
func (d Dir) SegmentJSON(walSegment string) string {
	return filepath.Join(d.CDCDir(), walSegment+".json")
}

// SegmentSQL returns the SQL batch path paired with a WAL file name.
func (d Dir) SegmentSQL(walSegment string) string {
	return filepath.Join(d.CDCDir(), walSegment+".sql")
}

// PidFile returns the path of the advisory pid lock.
func (d Dir) PidFile() string { return filepath.Join(d.Root, PidFileName) }

// Create makes the directory tree.
func (d Dir) Create() error {
	for _, p := range []string{d.Root, d.SchemaDir(), d.CDCDir(), d.RunDir()} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
	}
	return nil
}

// Clear removes catalogs, CDC segments and run files, keeping the root.
// Used by --restart.
func (d Dir) Clear() error {
	for _, p := range []string{d.SchemaDir(), d.CDCDir(), d.RunDir()} {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("clear %s: %w", p, err)
		}
	}
	return d.Create()
}

// ErrLocked is returned when another live process holds the working directory.
var ErrLocked = errors.New("working directory is locked by another process")

// AcquireLock writes the pid file, detecting and replacing stale locks.
// The returned release function removes the file.
func (d Dir) AcquireLock() (release func(), err error) {
	path := d.PidFile()
	if data, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid > 0 && processAlive(pid) {
			return nil, fmt.Errorf("%w: pid %d (%s)", ErrLocked, pid, path)
		}
		// Stale pid file: the owner is gone, take over.
		_ = os.Remove(path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return func() { _ = os.Remove(path) }, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
