// Package sharding partitions dispatch targets across a fixed number of
// shards. Each shard owns a single worker, so all envelopes addressed to
// targets on the same shard are delivered in strict submission order while
// different shards proceed in parallel.
package sharding

import (
	"fmt"
	"hash/fnv"

	"github.com/c360/corebus/errors"
)

// ShardIndex identifies one partition out of a fixed total. It is a value
// type: two indices are equal only when both the index and the total match.
// Identical indices under different shard counts denote different partitions
// and must never compare equal.
type ShardIndex struct {
	// Index is the zero-based shard number, 0..OfTotal-1.
	Index int
	// OfTotal is the shard count the index was computed against.
	OfTotal int
}

// String returns a "index/total" representation, e.g. "2/8".
func (s ShardIndex) String() string {
	return fmt.Sprintf("%d/%d", s.Index, s.OfTotal)
}

// Validate checks the index invariants.
func (s ShardIndex) Validate() error {
	if s.OfTotal <= 0 {
		return errors.ErrInvalidShardCount
	}
	if s.Index < 0 || s.Index >= s.OfTotal {
		return errors.WrapConfiguration(
			fmt.Errorf("index %d out of range for %d shards", s.Index, s.OfTotal),
			"ShardIndex", "Validate", "range check")
	}
	return nil
}

// Strategy deterministically assigns a target ID to a shard. The same ID
// always maps to the same shard for a fixed shard count; changing the count
// is a reconfiguration event, not something a running strategy supports.
type Strategy interface {
	// IndexFor returns the shard owning the given target ID.
	IndexFor(targetID string) ShardIndex
	// ShardCount returns the fixed number of shards.
	ShardCount() int
}

// uniform distributes targets uniformly across all shards by stable hash.
type uniform struct {
	total int
}

// ForNumber creates a uniform distribution strategy for the given shard
// count. Fails with ErrInvalidShardCount for counts of zero or less.
func ForNumber(totalShards int) (Strategy, error) {
	if totalShards <= 0 {
		return nil, errors.WrapConfiguration(errors.ErrInvalidShardCount,
			"sharding", "ForNumber", fmt.Sprintf("shard count %d", totalShards))
	}
	return &uniform{total: totalShards}, nil
}

// IndexFor hashes the target ID with FNV-1a and takes it modulo the shard
// count. FNV-1a is stable across processes and Go versions, which the
// same-ID-same-shard guarantee depends on.
func (u *uniform) IndexFor(targetID string) ShardIndex {
	if u.total == 1 {
		return ShardIndex{Index: 0, OfTotal: 1}
	}
	h := fnv.New64a()
	h.Write([]byte(targetID))
	idx := int(h.Sum64() % uint64(u.total))
	return ShardIndex{Index: idx, OfTotal: u.total}
}

// ShardCount returns the configured number of shards.
func (u *uniform) ShardCount() int {
	return u.total
}
