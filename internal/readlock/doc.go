// Package readlock implements reference-counted deletion of chunked objects
// stored in shared stores.
//
// An object is a metadata record plus chunks. Readers take a read lock before
// touching the chunks; deleting an object only drops the reference held by its
// existence, and the chunks are removed by whoever drops the last reference.
// This lets one node delete an object that readers on other nodes still have
// open.
//
// DistributedLocker runs the protocol against the shared locks store.
// LocalLockMerger sits in front of it on each node so that many local readers
// of one object share a single remote reference. Directory puts the pieces
// together into a small object store.
//
//	locks store:    lock/<group>/<name>                  → int64 count
//	metadata store: meta/<group>/<name>                  → Metadata
//	chunks store:   chunk/<group>/<name>/<generation>/<i> → bytes
package readlock
