// Package execqueue runs slow follow-up work, such as indexing main frames,
// on a single background runner so that the fuse pipeline never blocks.
//
// The queue is an unbounded FIFO. Before each dequeue the runner sheds load:
// when more than HighWater items are waiting, up to DropLimit of the oldest
// are discarded. Shed items are lost; the drop is logged and counted.
package execqueue
