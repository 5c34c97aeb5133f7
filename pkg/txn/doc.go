// Package txn implements the begin-mutate-commit-retry protocol used by every
// mutation against the shared store.
//
// A mutation is a function of a fresh transaction. On an optimistic conflict
// the transaction is rolled back and, in Strict mode, the whole function runs
// again against a new transaction after a fixed delay, so records are always
// re-read rather than reused from a stale attempt. The number of retries is
// bounded; exceeding it returns ErrRetriesExhausted, which callers treat as
// fatal.
//
// Tolerant mode makes a single attempt and reports a conflict as ok=false
// instead of an error. It is meant for best-effort updates such as aggregate
// recomputation where losing one write is acceptable.
package txn
