// Package eventstore defines the append-only, multi-tenant event store model.
//
// Events belong to a stream (one aggregate instance) inside a tenant. Every
// stream carries a contiguous sequence number starting at 1 that the store
// checks against an ExpectedVersion on append; every event also receives a
// store-wide global sequence id that grows in commit order. Tracking tokens
// are positions in that global order, so a processor that stores its token
// can resume a replay exactly where it stopped.
//
// Concrete stores live in the sqlstore, postgres and sqlite sub-packages.
package eventstore
