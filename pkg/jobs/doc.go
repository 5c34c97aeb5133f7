// Package jobs is the job center: per-category task queues, the worker
// registry and the periodic assignment pass that balances pending task
// items across registered workers.
//
// Quotas for one category with T pending items and W workers are all
// T/W or T/W+1, sum to T, and the extra units land on uniformly random
// workers. Each unit is assigned in its own transaction: the item leaves the
// queue, a processing marker is created and an entry is written into the
// worker's storage partition. Workers read the first entry of their
// partition with Next and acknowledge it with Complete.
package jobs
