// Package registrar hands out and reclaims reusable storage partitions.
//
// The registrar is a standalone TCP service. Each connection carries exactly
// one length-prefixed request:
//
//	add1<json worker config>       -> "<partition id>"
//	add2<json coordinator config>  -> "<partition id>"
//	remove<partition id>           -> (no body)
//	halt                           -> (no body)
//
// Partition ids have the form W00000. Fresh ids come from a counter bounded by
// a ceiling; removed ids go to a recycle set and are handed out again before
// the counter advances. When both are exhausted the connection is closed with
// no body.
//
// Before an id is returned, its directory row is marked registered and every
// partition entry left behind by a previous occupant is deleted, all in one
// strict transaction. Counter and recycle set are snapshotted to a YAML state
// file on an interval and at shutdown; on restart they are reconciled with the
// directory so an id is never issued twice.
//
// The accept loop is single threaded. It accepts with a deadline and takes
// snapshots between requests.
package registrar
