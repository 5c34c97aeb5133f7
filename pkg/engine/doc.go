// Package engine provides the shared domain model of a quanta node.
//
// # Overview
//
// A node runs a set of independent roles against one transactional store:
//
//  1. Ingestion - writes payload records and per-type task markers
//  2. Frame ticks - batch each source type's markers into a frame group per quantum
//  3. Fuse - combines a quantum's frame groups into a lineage-linked main frame
//  4. Assignment - balances pending task items across registered workers
//  5. Aggregate - keeps the global scalar captured in every main frame
//
// Slow follow-up work such as indexing main frames runs on the execution
// queue, and storage partitions are leased from the standalone registrar.
//
// # Core Domain Types
//
//   - RecordType: the closed enumeration of record kinds
//   - TaskState: pending, processing, completed, moving forward only
//   - MainFrame, TaskDetail: decoded views of stored records
//   - WorkerConfig, CoordinatorConfig: declarations sent to the registrar
//
// # Error Handling
//
// Errors are classified with EngineError:
//
//   - conflict: optimistic commit conflict, retried by package txn
//   - not_found: a referenced record vanished
//   - invariant: an input outside a closed set, fatal for the role
//   - exhausted: a bounded pool is empty
//   - connectivity: transport failure, fatal for the caller
//
// # Roles
//
// Supervisor starts each Role on its own goroutine with its own Halt flag.
// A role that returns an error or panics is logged and marked failed; its
// siblings keep running. Shared scalars live on RuntimeContext.
package engine
