package kv

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	kerrors "github.com/keelmcp/keel/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key      TEXT PRIMARY KEY,
	value    BLOB NOT NULL,
	revision INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS queue (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	payload    BLOB NOT NULL,
	deliver_at INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_queue_deliver_at ON queue(deliver_at);
`

// Entry is a point-in-time view of one key.
//
// Revision 0 means the key does not exist; committing a mutation checked
// against revision 0 is an insert-if-absent.
type Entry struct {
	Key      string
	Value    []byte
	Revision int64
}

// Exists reports whether the entry was present when it was read.
func (e Entry) Exists() bool { return e.Revision > 0 }

// Check names a key and the revision the caller read it at. A commit carrying
// the check fails with ErrCommitConflict if the key has moved since.
type Check struct {
	Key      string
	Revision int64
}

// Mutation is one write applied by a commit.
type Mutation struct {
	Key    string
	Value  []byte
	Delete bool
}

// TxOp is a multi-key conditional commit: all checks verified and all
// mutations applied in one transaction, or nothing.
type TxOp struct {
	Checks    []Check
	Mutations []Mutation
}

// Page is one page of a prefix scan. Cursor is empty when the scan is done;
// otherwise it resumes the scan after the last entry of this page.
type Page struct {
	Entries []Entry
	Cursor  string
}

// Store is a transactional key-value store over a single SQLite database.
type Store struct {
	log  *slog.Logger
	db   *sql.DB
	path string

	mu      sync.Mutex
	closed  bool
	nextID  int
	watches map[string]map[int]chan Entry

	queuePoll time.Duration
}

// Option configures a Store during Open.
type Option func(*Store)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log.With("component", "kv")
		}
	}
}

// WithQueuePollInterval overrides how often the queue listener checks for
// due messages. Intended for tests.
func WithQueuePollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.queuePoll = d
		}
	}
}

const defaultQueuePoll = 20 * time.Millisecond

// Open opens (creating if necessary) the database at path and prepares the
// schema. The returned store serializes writes on a single connection.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: conditional commits queue up instead of failing busy.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("prepare schema: %w", err)
	}

	s := &Store{
		log:       slog.Default().With("component", "kv"),
		db:        db,
		path:      path,
		watches:   make(map[string]map[int]chan Entry, 8),
		queuePoll: defaultQueuePoll,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Path returns the database path the store was opened at.
func (s *Store) Path() string { return s.path }

// Close releases the database handle. Pending watches stop receiving
// notifications; their channels are closed.
func (s *Store) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true

	for key, chans := range s.watches {
		for id, ch := range chans {
			close(ch)
			delete(chans, id)
		}

		delete(s.watches, key)
	}

	s.mu.Unlock()

	return s.db.Close()
}

// Get reads one key with its revision token. A missing key is not an error:
// the returned entry has Revision 0.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	if err := s.guardOpen(); err != nil {
		return Entry{}, err
	}

	return s.getEntry(ctx, key)
}

// getEntry is Get without the open guard, for callers already holding s.mu.
func (s *Store) getEntry(ctx context.Context, key string) (Entry, error) {
	entry := Entry{Key: key}

	row := s.db.QueryRowContext(ctx, `SELECT value, revision FROM kv WHERE key = ?`, key)

	err := row.Scan(&entry.Value, &entry.Revision)
	if err == sql.ErrNoRows {
		return entry, nil
	}

	if err != nil {
		return Entry{}, fmt.Errorf("get %q: %w", key, err)
	}

	return entry, nil
}

// Commit applies a multi-key conditional commit. Every check is verified
// against the current revision inside the transaction; any mismatch aborts
// the whole commit with ErrCommitConflict and no mutation is applied.
func (s *Store) Commit(ctx context.Context, op TxOp) error {
	if err := s.guardOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}

	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	for _, check := range op.Checks {
		var revision int64

		err := tx.QueryRowContext(ctx, `SELECT revision FROM kv WHERE key = ?`, check.Key).Scan(&revision)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check %q: %w", check.Key, err)
		}

		if revision != check.Revision {
			return fmt.Errorf("check %q at revision %d, found %d: %w",
				check.Key, check.Revision, revision, kerrors.ErrCommitConflict)
		}
	}

	// Applied entries are collected so watchers observe committed state only.
	applied := make([]Entry, 0, len(op.Mutations))

	for _, m := range op.Mutations {
		if m.Delete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, m.Key); err != nil {
				return fmt.Errorf("delete %q: %w", m.Key, err)
			}

			applied = append(applied, Entry{Key: m.Key})

			continue
		}

		var revision int64

		err := tx.QueryRowContext(ctx, `SELECT revision FROM kv WHERE key = ?`, m.Key).Scan(&revision)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read revision %q: %w", m.Key, err)
		}

		next := revision + 1

		_, err = tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, revision) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, revision = excluded.revision`,
			m.Key, m.Value, next)
		if err != nil {
			return fmt.Errorf("set %q: %w", m.Key, err)
		}

		applied = append(applied, Entry{Key: m.Key, Value: m.Value, Revision: next})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for _, entry := range applied {
		s.notify(entry)
	}

	return nil
}

// List scans entries under prefix in ascending key order, returning at most
// limit entries and a cursor for the next page. An unusable cursor surfaces
// as *InvalidCursorError.
func (s *Store) List(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	if err := s.guardOpen(); err != nil {
		return Page{}, err
	}

	if limit <= 0 {
		limit = 100
	}

	after := prefix
	inclusive := true

	if cursor != "" {
		lastKey, err := s.resolveCursor(ctx, prefix, cursor)
		if err != nil {
			return Page{}, err
		}

		after = lastKey
		inclusive = false
	}

	cmp := ">"
	if inclusive {
		cmp = ">="
	}

	// limit+1 probes for a further page without a second round trip.
	query := fmt.Sprintf(
		`SELECT key, value, revision FROM kv WHERE key %s ? AND key < ? ORDER BY key ASC LIMIT ?`, cmp)

	rows, err := s.db.QueryContext(ctx, query, after, prefixEnd(prefix), limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("list %q: %w", prefix, err)
	}

	defer rows.Close()

	entries := make([]Entry, 0, limit)

	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Revision); err != nil {
			return Page{}, fmt.Errorf("scan entry: %w", err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("list %q: %w", prefix, err)
	}

	page := Page{Entries: entries}

	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.Cursor = encodeCursor(page.Entries[limit-1].Key)
	}

	return page, nil
}

// resolveCursor decodes a cursor and verifies it names a real continuation
// point under prefix.
func (s *Store) resolveCursor(ctx context.Context, prefix, cursor string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", &kerrors.InvalidCursorError{Cursor: cursor, Err: err}
	}

	lastKey := string(raw)
	if !strings.HasPrefix(lastKey, prefix) {
		return "", &kerrors.InvalidCursorError{Cursor: cursor, Err: fmt.Errorf("cursor outside prefix %q", prefix)}
	}

	var one int

	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM kv WHERE key = ?`, lastKey).Scan(&one)
	if err == sql.ErrNoRows {
		return "", &kerrors.InvalidCursorError{Cursor: cursor, Err: kerrors.ErrNotFound}
	}

	if err != nil {
		return "", fmt.Errorf("resolve cursor: %w", err)
	}

	return lastKey, nil
}

func encodeCursor(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// prefixEnd returns the smallest key strictly greater than every key that
// carries prefix.
func prefixEnd(prefix string) string {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++

			return string(end[:i+1])
		}
	}

	// All 0xff: no upper bound, scan to the end of the keyspace.
	return "\xff\xff\xff\xff"
}

func (s *Store) guardOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kerrors.ErrStoreClosed
	}

	return nil
}
