// Package durable implements the shared store's durable tabular side:
// schema-declared tables over a single embedded bbolt database, with
// two levels of mutual exclusion — an in-process mutex per connection
// handle, and a cross-process advisory file lock acquired before each
// statement and released after commit. Every statement is one implicit
// transaction; there is no ambient autocommit.
//
// No SQL driver is used here; the "tabular" layer is built directly on
// bbolt buckets (one bucket per declared Table), the same embedded
// key-value approach used elsewhere for an ingest cache. See DESIGN.md
// for the full justification.
package durable

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	"github.com/flowsentinel/sentryflow/internal/slog"
)

// Table declares a schema: a name (bucket) and the column set rows are
// expected to carry. Columns are not strictly enforced (bbolt has no
// native notion of a schema) but Insert/Update validate row keys against
// them so a typo in a caller's column name fails loudly instead of
// silently writing a stray field.
type Table struct {
	Name    string
	Columns []string
}

func (t Table) hasColumn(c string) bool {
	for _, col := range t.Columns {
		if col == c {
			return true
		}
	}
	return false
}

// Row is a single record: column name -> value. Values are JSON-encoded
// on disk so callers can store heterogeneous evidence/profile rows
// without a rigid column typing system.
type Row map[string]interface{}

const (
	retryBackoff = 5 * time.Second
	maxAttempts  = 5
)

var (
	ErrLockTimeout  = errors.New("durable: database is locked, retries exhausted")
	ErrUnknownTable = errors.New("durable: unknown table")
	ErrUnknownColumn = errors.New("durable: unknown column")
	ErrRowNotFound  = errors.New("durable: row not found")
)

// DB is the facade threaded into every worker that needs durable
// storage (evidence log, profile snapshots, module bookkeeping). One DB
// wraps exactly one bbolt handle and one advisory file lock; one
// connection is opened per worker.
type DB struct {
	path string
	mtx  sync.Mutex // in-process: guards the single bbolt cursor/handle
	bdb  *bolt.DB
	flk  *flock.Flock // cross-process: advisory lock named from the DB path
	lg   *slog.Logger
}

// Open opens (creating if necessary) the bbolt file at path, and
// prepares — but does not yet hold — the advisory file lock, which is
// named per logical database (path + ".lock") so unrelated databases
// never contend with each other.
func Open(path string, lg *slog.Logger, tables ...Table) (*DB, error) {
	bdb, err := bolt.Open(path, 0640, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, t := range tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(t.Name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		bdb.Close()
		return nil, err
	}
	if lg == nil {
		lg = slog.NewDiscard()
	}
	return &DB{
		path: path,
		bdb:  bdb,
		flk:  flock.New(path + ".lock"),
		lg:   lg,
	}, nil
}

func (db *DB) Close() error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return db.bdb.Close()
}

// withLock acquires the in-process mutex, then the cross-process file
// lock, runs fn inside one bbolt transaction, and releases both in
// reverse order — implementing the two-level exclusion and the
// 5s/5-attempt retry-then-drop policy for lock contention.
func (db *DB) withLock(write bool, fn func(tx *bolt.Tx) error) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	var locked bool
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		locked, err = db.flk.TryLock()
		if err != nil {
			return fmt.Errorf("durable: file lock error: %w", err)
		}
		if locked {
			break
		}
		if attempt == maxAttempts {
			db.lg.Warn("database is locked, discarding statement",
				slog.KV("path", db.path), slog.KV("attempts", attempt))
			return ErrLockTimeout
		}
		time.Sleep(retryBackoff)
	}
	defer db.flk.Unlock()

	if write {
		return db.bdb.Update(fn)
	}
	return db.bdb.View(fn)
}

func encodeRow(r Row) ([]byte, error) { return json.Marshal(r) }
func decodeRow(b []byte) (Row, error) {
	var r Row
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return r, nil
}

func (db *DB) validate(t Table, r Row) error {
	for k := range r {
		if !t.hasColumn(k) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.Name, k)
		}
	}
	return nil
}

// Insert writes row under key within table, inside one transaction.
func (db *DB) Insert(t Table, key string, row Row) error {
	if err := db.validate(t, row); err != nil {
		return err
	}
	buf, err := encodeRow(row)
	if err != nil {
		return err
	}
	return db.withLock(true, func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(t.Name))
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrUnknownTable, t.Name)
		}
		return bkt.Put([]byte(key), buf)
	})
}

// Update merges fields into the existing row at key (creating it if
// absent), inside one transaction.
func (db *DB) Update(t Table, key string, fields Row) error {
	if err := db.validate(t, fields); err != nil {
		return err
	}
	return db.withLock(true, func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(t.Name))
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrUnknownTable, t.Name)
		}
		existing := Row{}
		if b := bkt.Get([]byte(key)); b != nil {
			r, err := decodeRow(b)
			if err != nil {
				return err
			}
			existing = r
		}
		for k, v := range fields {
			existing[k] = v
		}
		buf, err := encodeRow(existing)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), buf)
	})
}

// Delete removes the row at key within table.
func (db *DB) Delete(t Table, key string) error {
	return db.withLock(true, func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(t.Name))
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrUnknownTable, t.Name)
		}
		return bkt.Delete([]byte(key))
	})
}

// Predicate filters rows during Select; nil matches everything.
type Predicate func(key string, row Row) bool

// Select returns every row in table matching pred, keyed by row key;
// the result is a map, so it carries no order. pred may be nil to
// select everything.
func (db *DB) Select(t Table, pred Predicate) (map[string]Row, error) {
	out := make(map[string]Row)
	err := db.withLock(false, func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(t.Name))
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrUnknownTable, t.Name)
		}
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			row, err := decodeRow(v)
			if err != nil {
				return err
			}
			if pred == nil || pred(string(k), row) {
				out[string(bytes.Clone(k))] = row
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches exactly one row by key.
func (db *DB) Get(t Table, key string) (Row, error) {
	var row Row
	err := db.withLock(false, func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(t.Name))
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrUnknownTable, t.Name)
		}
		b := bkt.Get([]byte(key))
		if b == nil {
			return ErrRowNotFound
		}
		r, err := decodeRow(b)
		if err != nil {
			return err
		}
		row = r
		return nil
	})
	return row, err
}
