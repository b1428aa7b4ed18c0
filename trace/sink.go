// Package trace records engine execution events in a SQLite database.
package trace

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/cask/vm"
)

// DefaultBatch is how many events are buffered before they are written.
const DefaultBatch = 512

const schema = `
CREATE TABLE IF NOT EXISTS method_entries (
	thread TEXT NOT NULL,
	method TEXT NOT NULL,
	depth  INTEGER NOT NULL,
	at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS faults (
	thread  TEXT NOT NULL,
	method  TEXT NOT NULL,
	pc      INTEGER NOT NULL,
	class   TEXT NOT NULL,
	message TEXT NOT NULL,
	caught  INTEGER NOT NULL,
	at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS units (
	name       TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	method     TEXT NOT NULL,
	descriptor TEXT NOT NULL,
	labels     INTEGER NOT NULL,
	fail_paths INTEGER NOT NULL,
	at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS method_entries_method ON method_entries(method);
`

type entry struct {
	thread string
	method string
	depth  int
	at     int64
}

type fault struct {
	thread  string
	method  string
	pc      int
	class   string
	message string
	caught  bool
	at      int64
}

type unit struct {
	name, owner, method, desc string
	labels, failPaths         int
	at                        int64
}

// Sink implements vm.Tracer. Events are buffered in memory and written in
// a single transaction once Batch events are pending, on Flush, and on
// Close. A write error is kept and reported by Err, Flush and Close.
type Sink struct {
	db    *sql.DB
	path  string
	Batch int

	mu      sync.Mutex
	entries []entry
	faults  []fault
	units   []unit
	err     error

	log commonlog.Logger
}

var _ vm.Tracer = (*Sink)(nil)

// Open creates or opens the trace database at path.
func Open(path string) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}
	return &Sink{
		db:    db,
		path:  path,
		Batch: DefaultBatch,
		log:   commonlog.GetLogger("cask.trace"),
	}, nil
}

// Path returns the database location.
func (s *Sink) Path() string { return s.path }

// MethodEntered implements vm.Tracer.
func (s *Sink) MethodEntered(thread uuid.UUID, m *vm.Method, depth int) {
	s.mu.Lock()
	s.entries = append(s.entries, entry{thread.String(), m.Key(), depth, time.Now().UnixNano()})
	s.maybeFlushLocked()
	s.mu.Unlock()
}

// FaultRaised implements vm.Tracer.
func (s *Sink) FaultRaised(thread uuid.UUID, m *vm.Method, pc int, exc *vm.Exception, caught bool) {
	class := exc.Kind.ClassName()
	if exc.Oop != nil {
		class = exc.Oop.Class().Name
	}
	s.mu.Lock()
	s.faults = append(s.faults, fault{thread.String(), m.Key(), pc, class, exc.Message, caught, time.Now().UnixNano()})
	s.maybeFlushLocked()
	s.mu.Unlock()
}

// UnitInstalled implements vm.Tracer.
func (s *Sink) UnitInstalled(u *vm.CompiledUnit) {
	s.mu.Lock()
	s.units = append(s.units, unit{u.Name, u.Owner, u.Method, u.Desc, len(u.Labels), u.FailPaths, time.Now().UnixNano()})
	s.maybeFlushLocked()
	s.mu.Unlock()
}

func (s *Sink) pendingLocked() int { return len(s.entries) + len(s.faults) + len(s.units) }

func (s *Sink) maybeFlushLocked() {
	if s.Batch > 0 && s.pendingLocked() < s.Batch {
		return
	}
	if err := s.flushLocked(); err != nil && s.err == nil {
		s.err = err
		s.log.Errorf("trace write failed: %s", err)
	}
}

// Flush writes all pending events.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(); err != nil {
		return err
	}
	return s.err
}

// Err returns the first write error seen, if any.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sink) flushLocked() error {
	if s.pendingLocked() == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := s.writeLocked(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing trace: %w", err)
	}
	s.log.Debugf("flushed %d entries, %d faults, %d units", len(s.entries), len(s.faults), len(s.units))
	s.entries = s.entries[:0]
	s.faults = s.faults[:0]
	s.units = s.units[:0]
	return nil
}

func (s *Sink) writeLocked(tx *sql.Tx) error {
	if len(s.entries) > 0 {
		stmt, err := tx.Prepare("INSERT INTO method_entries (thread, method, depth, at) VALUES (?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("preparing entry insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range s.entries {
			if _, err := stmt.Exec(e.thread, e.method, e.depth, e.at); err != nil {
				return fmt.Errorf("saving method entry: %w", err)
			}
		}
	}
	for _, f := range s.faults {
		_, err := tx.Exec(
			"INSERT INTO faults (thread, method, pc, class, message, caught, at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			f.thread, f.method, f.pc, f.class, f.message, f.caught, f.at,
		)
		if err != nil {
			return fmt.Errorf("saving fault: %w", err)
		}
	}
	for _, u := range s.units {
		_, err := tx.Exec(
			"INSERT OR REPLACE INTO units (name, owner, method, descriptor, labels, fail_paths, at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			u.name, u.owner, u.method, u.desc, u.labels, u.failPaths, u.at,
		)
		if err != nil {
			return fmt.Errorf("saving unit: %w", err)
		}
	}
	return nil
}

// Close flushes pending events and closes the database.
func (s *Sink) Close() error {
	flushErr := s.Flush()
	if err := s.db.Close(); err != nil {
		return err
	}
	return flushErr
}
