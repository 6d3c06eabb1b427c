// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package model

import "github.com/luxfi/ids"

// HighQc is the highest-height quorum certificate this replica has seen.
// Height is strictly monotone non-decreasing (spec §8 property 2).
type HighQc struct {
	Epoch   uint64
	BlockID ids.ID
	Height  uint64
	QcID    ids.ID
}

// LockedBlock is the block this replica has committed not to fork away
// from, derived from the 2-chain rule: the grandparent of the new high-QC
// when it forms a contiguous chain.
type LockedBlock struct {
	Epoch   uint64
	BlockID ids.ID
	Height  uint64
}

// LeafBlock is the latest block this replica has extended.
type LeafBlock struct {
	Epoch   uint64
	BlockID ids.ID
	Height  uint64
}

// LastVoted is the highest (height) block this replica has voted for in an
// epoch; guards against double voting (spec §8 property 3).
type LastVoted struct {
	Epoch   uint64
	BlockID ids.ID
	Height  uint64
}

// LastProposed is the highest block this replica has proposed as leader in
// an epoch; guards against double proposing (spec §8 property 4).
type LastProposed struct {
	Epoch   uint64
	BlockID ids.ID
	Height  uint64
}

// LastSentVote records the full vote this replica sent for LastVoted, so a
// restart can resend it idempotently instead of casting a second vote.
type LastSentVote struct {
	Epoch     uint64
	BlockID   ids.ID
	Height    uint64
	Decision  QcDecision
	Signature []byte
}

// LastExecuted is the highest block this replica has flushed execution
// effects for. Tracked separately from LockedBlock because a block can
// lock before its execution commit has been durably flushed (original_source
// dan_layer/storage/src/consensus_models — see SPEC_FULL.md "Supplemented
// features").
type LastExecuted struct {
	Epoch   uint64
	BlockID ids.ID
	Height  uint64
}

// StateUpdateKind distinguishes substate creation from destruction.
type StateUpdateKind uint8

const (
	StateCreate StateUpdateKind = iota
	StateDestroy
)

// StateTransition is a single substate mutation assigned a dense,
// gap-free sequence id per shard, proven by the QC of the block that
// finalized it.
type StateTransition struct {
	ID        uint64
	Shard     ShardID
	Kind      StateUpdateKind
	SubstateID VersionedSubstateID
	Proof     QcRef
}

// ForeignCounterKey names a directed shard-pair counter (spec §6.3
// foreign_send_counters / foreign_receive_counters, SPEC_FULL.md
// "Supplemented features").
type ForeignCounterKey struct {
	Epoch uint64
	From  ShardGroup
	To    ShardGroup
}
