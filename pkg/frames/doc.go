// Package frames implements the frame synchronization and fuse pipeline.
//
// Time is cut into quanta of fixed length. For every source type a tick role
// drains that type's pending task markers once per quantum into a frame
// group and announces the group. A single fuse role waits until two thirds
// of the quantum have elapsed, then combines every announced group into one
// main frame and appends it to the lineage:
//
//	genesis <-previous- M1 <-previous- M2 <-previous- ... <- Mn <- pointer
//
// Member linking and lineage linking are two separate transactions. The
// previous pointer is only replaced in the second one, so a retried first
// transaction can never leave the pointer half updated. Main frames created
// before a crash but never linked are repaired on the next fuse start.
package frames
