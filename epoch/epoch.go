// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package epoch tracks committee membership per shard group and resolves
// the leader for a given block height (spec §2 "committee", §4.5
// "leader selection"). It is grounded on a validators-package shape: a
// Manager keyed by a domain id (there a subnet id, here a shard group)
// holding a weighted set of validator node ids, with the bls public key
// attached for vote verification.
package epoch

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	luxbls "github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"golang.org/x/crypto/blake2b"

	"github.com/luxfi/shardbft/model"
)

// Member is one validator's standing in a committee: its signing key
// and voting weight.
type Member struct {
	NodeID    ids.NodeID
	PublicKey *luxbls.PublicKey
	Weight    uint64
}

// Committee is the weighted validator set responsible for a shard group
// during one epoch. It is immutable once returned by a Manager; the
// quorum threshold (model.QuorumThreshold) is computed over len(Members),
// not Weight, since every validator carries equal voting power in this
// design (spec §2: "one vote per committee seat").
type Committee struct {
	Shard   model.ShardGroup
	EpochNo uint64
	Members []Member
}

// NodeIDs returns the committee's member ids sorted for deterministic
// iteration, the order the quorum certificate assembler relies on.
func (c Committee) NodeIDs() []ids.NodeID {
	out := make([]ids.NodeID, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.NodeID
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Has reports whether nodeID holds a seat on the committee.
func (c Committee) Has(nodeID ids.NodeID) bool {
	for _, m := range c.Members {
		if m.NodeID == nodeID {
			return true
		}
	}
	return false
}

// PublicKey returns the signing key registered for nodeID.
func (c Committee) PublicKey(nodeID ids.NodeID) (*luxbls.PublicKey, bool) {
	for _, m := range c.Members {
		if m.NodeID == nodeID {
			return m.PublicKey, true
		}
	}
	return nil, false
}

// ErrUnknownShard is returned when no committee has been registered for
// a shard group.
var ErrUnknownShard = fmt.Errorf("epoch: no committee registered for shard group")

// Manager resolves the committee responsible for a shard group at a
// given epoch, and the leader within that committee for a given height.
// Loading committees from a staking contract or governance feed is out
// of scope (spec §1 Non-goals); callers register committees directly.
type Manager interface {
	// CurrentEpoch returns the epoch number presently in force.
	CurrentEpoch() uint64
	CommitteeForEpoch(shard model.ShardGroup, epochNo uint64) (Committee, error)
	LeaderForHeight(committee Committee, height uint64) (ids.NodeID, error)
	// IsValidator reports whether nodeID holds a committee seat for any
	// shard group during epochNo.
	IsValidator(epochNo uint64, nodeID ids.NodeID) bool
}

// StaticManager holds a fixed committee per (shard group, epoch) pair,
// registered ahead of time. It is the production Manager for networks
// whose committee rotation is driven externally and pushed in, mirroring
// an in-memory manager keyed by domain id rather than a live staking
// query.
type StaticManager struct {
	mu         sync.RWMutex
	committees map[shardEpochKey]Committee
	epochNo    uint64
}

type shardEpochKey struct {
	shard   model.ShardGroup
	epochNo uint64
}

// NewStaticManager returns an empty StaticManager.
func NewStaticManager() *StaticManager {
	return &StaticManager{committees: make(map[shardEpochKey]Committee)}
}

// SetCommittee registers the committee responsible for shard during
// epochNo, replacing any committee previously registered for that pair.
func (m *StaticManager) SetCommittee(shard model.ShardGroup, epochNo uint64, members []Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Member, len(members))
	copy(cp, members)
	m.committees[shardEpochKey{shard, epochNo}] = Committee{Shard: shard, EpochNo: epochNo, Members: cp}
	if epochNo > m.epochNo {
		m.epochNo = epochNo
	}
}

// CurrentEpoch returns the highest epoch number that has had a
// committee registered.
func (m *StaticManager) CurrentEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epochNo
}

// IsValidator reports whether nodeID sits on any shard's committee
// during epochNo.
func (m *StaticManager) IsValidator(epochNo uint64, nodeID ids.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, c := range m.committees {
		if key.epochNo == epochNo && c.Has(nodeID) {
			return true
		}
	}
	return false
}

// CommitteeForEpoch returns the registered committee for shard at
// epochNo.
func (m *StaticManager) CommitteeForEpoch(shard model.ShardGroup, epochNo uint64) (Committee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.committees[shardEpochKey{shard, epochNo}]
	if !ok {
		return Committee{}, ErrUnknownShard
	}
	return c, nil
}

// LeaderForHeight resolves height's leader within committee by
// round-robin over hash(epoch || height) mod |committee| (spec §4.5).
// Hashing the height rather than striding sequentially means a leader
// that is skipped by a timeout does not bias which validator leads the
// next height once the view catches back up.
func (m *StaticManager) LeaderForHeight(committee Committee, height uint64) (ids.NodeID, error) {
	nodeIDs := committee.NodeIDs()
	if len(nodeIDs) == 0 {
		return ids.NodeID{}, fmt.Errorf("epoch: committee for shard %s epoch %d has no members", committee.Shard, committee.EpochNo)
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], committee.EpochNo)
	binary.BigEndian.PutUint64(buf[8:16], height)
	sum := blake2b.Sum256(buf[:])
	idx := binary.BigEndian.Uint64(sum[:8]) % uint64(len(nodeIDs))
	return nodeIDs[idx], nil
}
