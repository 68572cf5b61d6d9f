// Package db implements Crystal's Project Store: the durable on-disk
// format for a `.crystalproj` directory (§4.1, §6). It owns the
// relational metadata database and the revision body tree, and is the only
// package permitted to write either (§3.3).
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// CurrentMajorVersion is the latest storage-format version this build
// supports (§3.2, §6.3).
const CurrentMajorVersion = 2

// Mode describes how a project was opened (§4.1).
type Mode int

const (
	ModeWritable Mode = iota
	ModeReadOnly
	ModeMigrating
)

// Store wraps the metadata database connection and revision body tree for
// one open `.crystalproj` directory.
type Store struct {
	dir            string
	db             *sql.DB
	queries        *Queries
	mode           Mode
	forcedReadOnly bool
	lock           *fileLock
}

// Open opens or initializes a project directory at dir. writable requests
// write access; the actual mode may be forced to read-only regardless of
// the request, per §4.1: a directory the process cannot write to (e.g. a
// read-only mount), or one already locked by another writable Store in
// another process, downgrades silently instead of failing the open.
// Callers that need to react to a forced downgrade should check
// Store.ForcedReadOnly after Open returns.
func Open(dir string, writable bool) (*Store, error) {
	if err := validateProjectDir(dir); err != nil {
		return nil, err
	}

	var lock *fileLock
	forcedReadOnly := false
	if writable {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create project directory: %w", err)
		}
		if !canWriteDir(dir) {
			writable, forcedReadOnly = false, true
		} else {
			l, ok, err := tryLockWritable(dir)
			if err != nil {
				return nil, fmt.Errorf("acquire project lock: %w", err)
			}
			if !ok {
				writable, forcedReadOnly = false, true
			} else {
				lock = l
			}
		}
	}

	dbPath := filepath.Join(dir, "database.sqlite")
	sdb, err := openDB(dbPath, writable)
	if err != nil {
		lock.release()
		return nil, fmt.Errorf("open database: %w", err)
	}

	mode := ModeReadOnly
	if writable {
		mode = ModeWritable
	}

	s := &Store{
		dir:            dir,
		db:             sdb,
		queries:        New(sdb),
		mode:           mode,
		forcedReadOnly: forcedReadOnly,
		lock:           lock,
	}

	if writable {
		if err := s.ensureLayout(); err != nil {
			sdb.Close()
			lock.release()
			return nil, err
		}
	}

	return s, nil
}

// ForcedReadOnly reports whether a writable open was downgraded to
// read-only by a filesystem-permission or lock conflict rather than by an
// explicit request (§4.1).
func (s *Store) ForcedReadOnly() bool {
	return s.forcedReadOnly
}

// validateProjectDir rejects directories that look non-empty but do not
// already contain a database file (§4.1 step 1).
func validateProjectDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil // created fresh below
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if e.Name() == "database.sqlite" {
			return nil
		}
	}
	return fmt.Errorf("directory %q is non-empty and is not a crystalproj", dir)
}

func openDB(dbPath string, writable bool) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create project directory: %w", err)
	}

	escapedPath := strings.ReplaceAll(dbPath, " ", "%20")
	connStr := "file:" + escapedPath
	if !writable {
		connStr += "?mode=ro"
	}

	sdb, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if writable {
		if _, err := sdb.Exec("PRAGMA journal_mode=WAL"); err != nil {
			sdb.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := sdb.Exec("PRAGMA foreign_keys=ON"); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if writable {
		if _, err := sdb.Exec(schemaSQL); err != nil {
			sdb.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	}

	return sdb, nil
}

// ensureLayout (re)creates the discoverable marker files and the revisions
// and tmp trees expected of a `.crystalproj` (§6.1), and clears tmp/ on
// every writable open (§4.1 step 6).
func (s *Store) ensureLayout() error {
	for _, sub := range []string{"revisions", "tmp"} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0755); err != nil {
			return err
		}
	}

	tmpDir := filepath.Join(s.dir, "tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(tmpDir, e.Name())); err != nil {
			return err
		}
	}

	opener := filepath.Join(s.dir, "OPEN ME.crystalopen")
	if _, err := os.Stat(opener); os.IsNotExist(err) {
		if err := os.WriteFile(opener, []byte("CrOp"), 0644); err != nil {
			return err
		}
	}

	readme := filepath.Join(s.dir, "README.txt")
	if _, err := os.Stat(readme); os.IsNotExist(err) {
		const note = "This directory is a Crystal archive project. Open it with Crystal.\n"
		if err := os.WriteFile(readme, []byte(note), 0644); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) Dir() string  { return s.dir }
func (s *Store) Mode() Mode   { return s.mode }
func (s *Store) DB() *sql.DB  { return s.db }
func (s *Store) Queries() *Queries { return s.queries }

func (s *Store) Close() error {
	s.lock.release()
	return s.db.Close()
}

// WithTx executes fn within a single transaction, matching the
// single-row-write-per-transaction discipline of §4.1.
func (s *Store) WithTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(s.queries.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit()
}
