// Package kvstore implements the transactional ordered key-value store
// that backs every persistent subsystem: OAuth clients, tokens, upstream
// credentials, transport sessions, and the event log.
//
// # Data Model
//
// Keys are ordered tuples of strings (Key). On disk a tuple is encoded as
// its elements joined by the 0x1F unit separator, which preserves tuple
// ordering under SQLite's byte-wise BLOB comparison. Because of that,
// prefix scans are plain range queries and need no decoding on the way in.
// Key elements must not contain 0x1F; writes reject such keys.
//
// Values are opaque byte slices; callers bring their own serialization.
// Records may carry a TTL, after which they read as absent and are removed
// by a background sweep.
//
// # Atomicity
//
// AtomicCommit applies a batch of writes, deletes, and guard checks
// (OpExpectExists / OpExpectAbsent) in one SQLite transaction. A failed
// guard aborts the whole batch with ConflictError and mutates nothing.
// This is the primitive that makes authorization codes single-use and
// keeps secondary indexes consistent with their primary records.
//
// # Backend
//
// The backend is modernc.org/sqlite (pure Go, no cgo) in WAL mode with a
// single connection, which serializes writers and keeps point reads at
// primary-key-lookup cost. Schema changes ship as embedded goose
// migrations and run at Open.
package kvstore
