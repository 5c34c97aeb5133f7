// Package stores provides the transactional record store shared by every
// coordination role.
//
// The store is SQLite (modernc.org/sqlite, WAL mode) with a schema managed by
// golang-migrate. It does not lock records while a transaction is open.
// Instead every record and partition row carries a version; a transaction
// remembers the version of everything it mutates or links and Commit
// re-checks those versions inside a single immediate SQLite transaction.
// A mismatch yields ErrConflict, which callers recover from with the retry
// protocol in package txn.
//
// # Data model
//
//	records(seq, id, type, version, props, created_at)  typed records, JSON props
//	links(from_id, relation, to_id)                     member / previous / detail
//	partitions(id, state, kind, registrant, ...)        storage partition directory
//
// Reads inside a transaction see committed state only; a transaction does
// not observe its own buffered writes.
package stores
