// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package model holds the persisted entities of the sharded consensus
// layer: blocks, quorum certificates, commands, transaction pool records,
// pledges, and the bookkeeping singletons that guarantee safety across
// restarts.
package model

import (
	"fmt"

	"github.com/luxfi/ids"
)

// ShardID identifies a single partition of the substate address space.
type ShardID uint32

// ShardGroup is the contiguous range of shards a committee owns in an
// epoch: [Start, End).
type ShardGroup struct {
	Start ShardID
	End   ShardID
}

// Contains reports whether s falls inside the group.
func (g ShardGroup) Contains(s ShardID) bool {
	return s >= g.Start && s < g.End
}

// String renders the group as "[start,end)".
func (g ShardGroup) String() string {
	return fmt.Sprintf("[%d,%d)", g.Start, g.End)
}

// Equal reports whether two shard groups are identical.
func (g ShardGroup) Equal(o ShardGroup) bool {
	return g.Start == o.Start && g.End == o.End
}

// MarshalText implements encoding.TextMarshaler so a ShardGroup can be
// used as a JSON object key, required for Evidence's map[ShardGroup]...
// shape (spec §3 "Evidence").
func (g ShardGroup) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%d:%d", g.Start, g.End)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, the inverse of
// MarshalText.
func (g *ShardGroup) UnmarshalText(text []byte) error {
	_, err := fmt.Sscanf(string(text), "%d:%d", &g.Start, &g.End)
	return err
}

// ShardOf deterministically routes a substate address to the single
// shard id within group that owns it (spec §4.1: the composite root
// hashes one tree per shard a committee's group spans, so every create
// or destroy must land on exactly one of them). The routing is a plain
// modular split of the address bytes across the group's span, stable
// across replicas and across calls since it depends only on addr and
// group, never on local state.
func ShardOf(addr SubstateAddress, group ShardGroup) ShardID {
	span := uint64(group.End) - uint64(group.Start)
	if span == 0 {
		return group.Start
	}
	id := ids.ID(addr)
	var sum uint64
	for _, b := range id {
		sum = sum*31 + uint64(b)
	}
	return group.Start + ShardID(sum%span)
}
