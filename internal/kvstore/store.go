package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"tether/pkg/logging"
)

const (
	// cleanupInterval is how often the background sweep removes expired rows.
	cleanupInterval = 1 * time.Minute
)

// Entry is one record returned by prefix scans.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a transactional ordered key-value store backed by SQLite.
// Keys are string tuples ordered lexicographically element-by-element;
// prefix scans return the prefix key itself plus everything below it.
// Point reads resolve through the primary key. All methods are safe for
// concurrent use.
type Store struct {
	db          *sql.DB
	stopCleanup chan struct{}
	now         func() time.Time
}

// Open opens (creating if necessary) the store at the given filesystem
// path and applies pending schema migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &StorageUnavailableError{Op: "open", Err: err}
	}
	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		url.PathEscape(path),
	)
	return openDSN(ctx, dsn)
}

// memdbSeq distinguishes in-memory databases; cache=shared scopes the
// database to its name, so every OpenInMemory call needs a fresh one.
var memdbSeq atomic.Int64

// OpenInMemory opens a private in-memory store, for tests and ephemeral
// runs.
func OpenInMemory(ctx context.Context) (*Store, error) {
	dsn := fmt.Sprintf("file:tether-memdb-%d?mode=memory&cache=shared&_txlock=immediate", memdbSeq.Add(1))
	return openDSN(ctx, dsn)
}

func openDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StorageUnavailableError{Op: "open", Err: err}
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent commits and keeps transactions strictly ordered.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, &StorageUnavailableError{Op: "migrate", Err: err}
	}

	s := &Store{
		db:          db,
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}
	go s.cleanupLoop()
	return s, nil
}

// Close stops the background sweep and closes the database.
func (s *Store) Close() error {
	select {
	case <-s.stopCleanup:
		// already closed
	default:
		close(s.stopCleanup)
	}
	if err := s.db.Close(); err != nil {
		return &StorageUnavailableError{Op: "close", Err: err}
	}
	return nil
}

// SetOption configures a Set or OpSet operation.
type SetOption func(*setOptions)

type setOptions struct {
	ttl time.Duration
}

// WithTTL makes the record expire after d. Expired records read as absent
// and are removed by the background sweep.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

func (s *Store) expiryFor(opts []SetOption) sql.NullInt64 {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.now().Add(o.ttl).UnixMilli(), Valid: true}
}

// Get returns the value stored at key. The second return is false when the
// key is absent or expired.
func (s *Store) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT v, expires_at FROM kv WHERE k = ?`, key.Encode(),
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageUnavailableError{Op: "get", Err: err}
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.now().UnixMilli() {
		return nil, false, nil
	}
	return value, true, nil
}

// Set writes the value at key, replacing any existing record.
func (s *Store) Set(ctx context.Context, key Key, value []byte, opts ...SetOption) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (k, v, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at`,
		key.Encode(), value, s.expiryFor(opts),
	)
	if err != nil {
		return &StorageUnavailableError{Op: "set", Err: err}
	}
	return nil
}

// Delete removes the record at key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key.Encode()); err != nil {
		return &StorageUnavailableError{Op: "delete", Err: err}
	}
	return nil
}

// ListByPrefix returns every live entry whose key equals the prefix or
// extends it, ordered ascending by key.
func (s *Store) ListByPrefix(ctx context.Context, prefix Key) ([]Entry, error) {
	if err := prefix.Validate(); err != nil {
		return nil, err
	}
	lo, hi := prefixRange(prefix)
	rows, err := s.db.QueryContext(ctx,
		`SELECT k, v, expires_at FROM kv WHERE k >= ? AND k < ? ORDER BY k ASC`, lo, hi,
	)
	if err != nil {
		return nil, &StorageUnavailableError{Op: "list", Err: err}
	}
	defer func() { _ = rows.Close() }()

	nowMs := s.now().UnixMilli()
	var entries []Entry
	for rows.Next() {
		var (
			k         []byte
			v         []byte
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&k, &v, &expiresAt); err != nil {
			return nil, &StorageUnavailableError{Op: "list", Err: err}
		}
		if expiresAt.Valid && expiresAt.Int64 <= nowMs {
			continue
		}
		entries = append(entries, Entry{Key: decodeKey(k), Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageUnavailableError{Op: "list", Err: err}
	}
	return entries, nil
}

// CountPrefix reports how many live entries exist at or below the prefix.
func (s *Store) CountPrefix(ctx context.Context, prefix Key) (int, error) {
	if err := prefix.Validate(); err != nil {
		return 0, err
	}
	lo, hi := prefixRange(prefix)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv WHERE k >= ? AND k < ? AND (expires_at IS NULL OR expires_at > ?)`,
		lo, hi, s.now().UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, &StorageUnavailableError{Op: "count", Err: err}
	}
	return n, nil
}

type opKind int

const (
	opSet opKind = iota
	opDelete
	opDeleteRange
	opExpectExists
	opExpectAbsent
)

// Op is one operation inside an AtomicCommit batch.
type Op struct {
	kind    opKind
	key     Key
	value   []byte
	expires sql.NullInt64
	hasTTL  bool
	ttl     time.Duration
}

// OpSet writes value at key as part of an atomic batch.
func OpSet(key Key, value []byte, opts ...SetOption) Op {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return Op{kind: opSet, key: key, value: value, hasTTL: o.ttl > 0, ttl: o.ttl}
}

// OpDelete removes key as part of an atomic batch.
func OpDelete(key Key) Op {
	return Op{kind: opDelete, key: key}
}

// OpDeleteRange removes every key at or below prefix as part of an atomic
// batch.
func OpDeleteRange(prefix Key) Op {
	return Op{kind: opDeleteRange, key: prefix}
}

// OpExpectExists aborts the batch with ConflictError unless key holds a
// live record at commit time.
func OpExpectExists(key Key) Op {
	return Op{kind: opExpectExists, key: key}
}

// OpExpectAbsent aborts the batch with ConflictError if key holds a live
// record at commit time.
func OpExpectAbsent(key Key) Op {
	return Op{kind: opExpectAbsent, key: key}
}

// AtomicCommit applies all operations in one transaction. Guard operations
// (OpExpectExists, OpExpectAbsent) are checked in order; the first failed
// guard aborts with ConflictError and nothing mutates. Any other failure
// also rolls back completely.
func (s *Store) AtomicCommit(ctx context.Context, ops []Op) error {
	for _, op := range ops {
		if err := op.key.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageUnavailableError{Op: "atomic_commit", Err: err}
	}
	defer rollback(tx)

	nowMs := s.now().UnixMilli()
	for _, op := range ops {
		switch op.kind {
		case opExpectExists, opExpectAbsent:
			var one int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM kv WHERE k = ? AND (expires_at IS NULL OR expires_at > ?)`,
				op.key.Encode(), nowMs,
			).Scan(&one)
			exists := true
			if errors.Is(err, sql.ErrNoRows) {
				exists = false
			} else if err != nil {
				return &StorageUnavailableError{Op: "atomic_commit", Err: err}
			}
			if op.kind == opExpectExists && !exists {
				return &ConflictError{Key: op.key, Reason: "expected key to exist"}
			}
			if op.kind == opExpectAbsent && exists {
				return &ConflictError{Key: op.key, Reason: "expected key to be absent"}
			}
		case opSet:
			expires := sql.NullInt64{}
			if op.hasTTL {
				expires = sql.NullInt64{Int64: s.now().Add(op.ttl).UnixMilli(), Valid: true}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO kv (k, v, expires_at) VALUES (?, ?, ?)
				 ON CONFLICT (k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at`,
				op.key.Encode(), op.value, expires,
			); err != nil {
				return &StorageUnavailableError{Op: "atomic_commit", Err: err}
			}
		case opDelete:
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM kv WHERE k = ?`, op.key.Encode(),
			); err != nil {
				return &StorageUnavailableError{Op: "atomic_commit", Err: err}
			}
		case opDeleteRange:
			lo, hi := prefixRange(op.key)
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM kv WHERE k >= ? AND k < ?`, lo, hi,
			); err != nil {
				return &StorageUnavailableError{Op: "atomic_commit", Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageUnavailableError{Op: "atomic_commit", Err: err}
	}
	return nil
}

// CleanupExpired removes every expired record and reports how many were
// deleted. The store runs this on a timer; it is exported for tests and
// manual compaction.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.now().UnixMilli(),
	)
	if err != nil {
		return 0, &StorageUnavailableError{Op: "cleanup", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StorageUnavailableError{Op: "cleanup", Err: err}
	}
	return int(n), nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := s.CleanupExpired(ctx)
			cancel()
			if err != nil {
				logging.Error("kvstore", err, "Expired record sweep failed")
			} else if n > 0 {
				logging.Debug("kvstore", "Swept %d expired records", n)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
