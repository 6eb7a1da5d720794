// Package corebus is a message-driven application core for building
// systems of independently-owned, event-sourced entities that
// communicate through commands and events.
//
// # Architecture
//
// The core is organized leaf-first:
//
//   - envelope: the immutable message wrapper, classification and origin
//     chaining. Everything else depends on it.
//   - dispatch: the typed handler registry, routing table, bus
//     orchestration, scheduling and the system event watcher.
//   - sharding: deterministic shard assignment and the sharded delivery
//     layer guaranteeing per-target ordering with cross-target
//     parallelism.
//   - aggregate: generic event-sourced entities with replay,
//     idempotency guarding and snapshotting.
//   - eventstore: the storage boundary, with in-memory and NATS
//     JetStream implementations.
//   - tenant: the isolation boundary every operation is partitioned by.
//
// An envelope enters the bus, is classified and routed to its owning
// entity, hashed onto a shard whose single worker serializes delivery,
// handled by the matched method, and every message it produces is
// wrapped into a new envelope chained to its origin and fed back
// through the bus.
package corebus
