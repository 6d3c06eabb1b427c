// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package statetree computes the composite Merkle state root a block
// commits to (spec §4.1). Each shard owns an independent versioned root
// (grounded on original_source/dan_layer/storage's per-shard tree
// design), a hash chained over every diff applied to it; no tree nodes
// are kept and no inclusion proofs are produced. The composite root
// hashes shard roots in shard-id order so
// identical substate changes always produce the same block-level root
// regardless of which replica computed it (spec §8 property 8).
package statetree

import (
	"errors"
	"sort"

	"github.com/luxfi/ids"
	"golang.org/x/crypto/blake2b"

	"github.com/luxfi/shardbft/model"
	"github.com/luxfi/shardbft/store"
)

// ErrMissingParentVersion is returned when a diff's FromVersion does not
// match the shard's current version.
var ErrMissingParentVersion = errors.New("statetree: diff does not extend current version")

// ErrDuplicateVersion is returned when a diff's ToVersion has already been
// applied to the shard.
var ErrDuplicateVersion = errors.New("statetree: duplicate diff version")

// ShardTree is one committee shard's state commitment: a version counter
// plus a root hash chained over every applied diff. Applying a diff out of version
// order is fatal for the block that produced it (spec §4.1 "Failure").
type ShardTree struct {
	Shard   model.ShardID
	Version uint64
	Root    ids.ID
}

// Apply advances the tree by one versioned diff, recomputing Root as
// H(current root || sorted creates || sorted destroys). It does not
// mutate t; it returns the new tree, leaving t as the last-committed
// state so callers can keep applying uncommitted diffs against a pending
// copy (spec §9 "State tree diff pending across uncommitted blocks").
func (t ShardTree) Apply(diff store.StateDiff) (ShardTree, error) {
	if diff.FromVersion != t.Version {
		return ShardTree{}, ErrMissingParentVersion
	}
	if diff.ToVersion <= diff.FromVersion {
		return ShardTree{}, ErrDuplicateVersion
	}
	h, _ := blake2b.New256(nil)
	h.Write(t.Root[:])
	for _, c := range sortedVersioned(diff.Creates) {
		h.Write([]byte{'c'})
		addr := c.Address
		h.Write(ids.ID(addr)[:])
	}
	for _, d := range sortedVersioned(diff.Destroys) {
		h.Write([]byte{'d'})
		addr := d.Address
		h.Write(ids.ID(addr)[:])
	}
	var root ids.ID
	copy(root[:], h.Sum(nil))
	return ShardTree{Shard: t.Shard, Version: diff.ToVersion, Root: root}, nil
}

func sortedVersioned(in []model.VersionedSubstateID) []model.VersionedSubstateID {
	out := append([]model.VersionedSubstateID(nil), in...)
	sort.Slice(out, func(i, j int) bool {
		ai, aj := ids.ID(out[i].Address), ids.ID(out[j].Address)
		for k := range ai {
			if ai[k] != aj[k] {
				return ai[k] < aj[k]
			}
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// CompositeRoot hashes shard roots in shard-id order into a single root
// hash a block attaches as MerkleRoot (spec §4.1).
func CompositeRoot(shardRoots map[model.ShardID]ids.ID) ids.ID {
	ids2 := make([]model.ShardID, 0, len(shardRoots))
	for sid := range shardRoots {
		ids2 = append(ids2, sid)
	}
	sort.Slice(ids2, func(i, j int) bool { return ids2[i] < ids2[j] })

	h, _ := blake2b.New256(nil)
	for _, sid := range ids2 {
		root := shardRoots[sid]
		h.Write(root[:])
	}
	var out ids.ID
	copy(out[:], h.Sum(nil))
	return out
}

// PendingForest tracks each shard's last-committed tree plus the
// uncommitted diffs layered on top of it for blocks not yet finalized,
// keyed by shard id. Validating a candidate block replays its commands
// against PendingForest without mutating the committed trees; Finalize
// flushes the diffs belonging to a newly committed block, and Abandon
// drops the diffs belonging to a fork that will never commit.
type PendingForest struct {
	committed map[model.ShardID]ShardTree
	pending   map[model.ShardID][]store.StateDiff
}

// NewPendingForest seeds a forest from each shard's last-committed tree.
func NewPendingForest(committed map[model.ShardID]ShardTree) *PendingForest {
	return &PendingForest{
		committed: committed,
		pending:   make(map[model.ShardID][]store.StateDiff),
	}
}

// Head returns the tree state a new diff for shard would extend: the
// committed tree advanced by every pending diff recorded for it so far.
func (f *PendingForest) Head(shard model.ShardID) (ShardTree, error) {
	head, ok := f.committed[shard]
	if !ok {
		head = ShardTree{Shard: shard}
	}
	var err error
	for _, d := range f.pending[shard] {
		head, err = head.Apply(d)
		if err != nil {
			return ShardTree{}, err
		}
	}
	return head, nil
}

// Stage validates diff against the current head and records it as
// pending, returning the resulting root. It does not touch the committed
// trees, so a failed or abandoned block leaves them untouched (spec §4.1
// "Failure": a diff inconsistency is fatal for the block being validated,
// not for the pool entry).
func (f *PendingForest) Stage(diff store.StateDiff) (ids.ID, error) {
	head, err := f.Head(diff.Shard)
	if err != nil {
		return ids.ID{}, err
	}
	next, err := head.Apply(diff)
	if err != nil {
		return ids.ID{}, err
	}
	f.pending[diff.Shard] = append(f.pending[diff.Shard], diff)
	return next.Root, nil
}

// Finalize commits every pending diff for shard up to and including
// upToVersion into the shard's committed tree.
func (f *PendingForest) Finalize(shard model.ShardID, upToVersion uint64) error {
	diffs := f.pending[shard]
	head, ok := f.committed[shard]
	if !ok {
		head = ShardTree{Shard: shard}
	}
	i := 0
	for ; i < len(diffs) && diffs[i].ToVersion <= upToVersion; i++ {
		var err error
		head, err = head.Apply(diffs[i])
		if err != nil {
			return err
		}
	}
	f.committed[shard] = head
	f.pending[shard] = diffs[i:]
	return nil
}

// Abandon drops every pending diff for shard produced for blockID,
// leaving the committed tree and any other pending diffs untouched.
func (f *PendingForest) Abandon(shard model.ShardID, blockID ids.ID) {
	diffs := f.pending[shard]
	out := diffs[:0]
	for _, d := range diffs {
		if d.BlockID != blockID {
			out = append(out, d)
		}
	}
	f.pending[shard] = out
}
