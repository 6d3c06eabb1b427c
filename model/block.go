// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package model

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/luxfi/ids"
	"golang.org/x/crypto/blake2b"
)

// Block is a proposal in the chained BFT pipeline: it extends a parent
// via a QuorumCertificate over that parent, carries a batch of ordered
// commands, and commits to the resulting substate via MerkleRoot.
//
// Block.ID is always H(all other fields) — see ComputeID. A genesis block
// has a zero ParentID and Height == 0. A dummy block (IsDummy == true) has
// an empty command list and is synthesized by every replica identically
// from the leader schedule (see the blockvalidator package), so it never
// needs a Signature.
type Block struct {
	ID         ids.ID
	ParentID   ids.ID
	Justify    *QuorumCertificate
	Height     uint64
	Epoch      uint64
	ShardGroup ShardGroup
	ProposedBy ids.NodeID
	MerkleRoot ids.ID
	Commands   []Command
	TotalLeaderFee uint64
	IsDummy    bool
	Signature  []byte
	Timestamp  time.Time

	BaseLayerHeight uint64
	BaseLayerHash   ids.ID

	// ForeignIndexes records, per foreign shard group this block's
	// commands reference, the highest foreign-block index already known
	// locally for that shard pair (spec §4.3 check 7, §9 foreign send/
	// receive counters).
	ForeignIndexes map[ShardGroup]uint64
}

// ComputeID returns H(all fields except ID and Signature): the block's
// content hash, used both to populate Block.ID and to verify it on
// receipt (spec §3, §8 property 7).
func (b *Block) ComputeID() ids.ID {
	h, _ := blake2b.New256(nil)
	h.Write(b.ParentID[:])
	if b.Justify != nil {
		h.Write(b.Justify.ID[:])
	}
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], b.Height)
	h.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], b.Epoch)
	h.Write(u64[:])
	binary.BigEndian.PutUint32(u64[:4], uint32(b.ShardGroup.Start))
	h.Write(u64[:4])
	binary.BigEndian.PutUint32(u64[:4], uint32(b.ShardGroup.End))
	h.Write(u64[:4])
	h.Write(b.ProposedBy[:])
	h.Write(b.MerkleRoot[:])
	for _, cmd := range b.Commands {
		h.Write([]byte{byte(cmd.Variant)})
		key := cmd.sortKey()
		h.Write(key[:])
	}
	binary.BigEndian.PutUint64(u64[:], b.TotalLeaderFee)
	h.Write(u64[:])
	if b.IsDummy {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	tsBytes, _ := b.Timestamp.UTC().MarshalBinary()
	h.Write(tsBytes)
	binary.BigEndian.PutUint64(u64[:], b.BaseLayerHeight)
	h.Write(u64[:])
	h.Write(b.BaseLayerHash[:])
	sgs := make([]ShardGroup, 0, len(b.ForeignIndexes))
	for sg := range b.ForeignIndexes {
		sgs = append(sgs, sg)
	}
	sort.Slice(sgs, func(i, j int) bool {
		return sgs[i].Start < sgs[j].Start || (sgs[i].Start == sgs[j].Start && sgs[i].End < sgs[j].End)
	})
	for _, sg := range sgs {
		binary.BigEndian.PutUint32(u64[:4], uint32(sg.Start))
		h.Write(u64[:4])
		binary.BigEndian.PutUint32(u64[:4], uint32(sg.End))
		h.Write(u64[:4])
		binary.BigEndian.PutUint64(u64[:], b.ForeignIndexes[sg])
		h.Write(u64[:])
	}

	var out ids.ID
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyID reports whether b.ID equals ComputeID() (spec §8 property 7).
func (b *Block) VerifyID() bool {
	return b.ID == b.ComputeID()
}

// IsGenesis reports whether b is the chain's genesis block.
func (b *Block) IsGenesis() bool {
	return b.Height == 0 && b.ParentID == (ids.ID{})
}

// LocalOnly reports whether every shard a command's evidence touches
// equals the block's own shard group, i.e. the transaction never needs
// foreign pledges (spec §4.5 step 3).
func LocalOnly(ev Evidence, local ShardGroup) bool {
	for sg := range ev {
		if !sg.Equal(local) {
			return false
		}
	}
	return true
}

// DummyBlock synthesizes the implied dummy block for a view whose leader
// failed: empty commands, parent's merkle root and timestamp carried
// forward, attributed to the leader of its own view (spec §4.3 "Dummy
// blocks", §4.6 design notes, §8 property 9).
func DummyBlock(parent *Block, height uint64, leader ids.NodeID, justify *QuorumCertificate) *Block {
	b := &Block{
		ParentID:       parent.ID,
		Justify:        justify,
		Height:         height,
		Epoch:          parent.Epoch,
		ShardGroup:     parent.ShardGroup,
		ProposedBy:     leader,
		MerkleRoot:     parent.MerkleRoot,
		Commands:       nil,
		IsDummy:        true,
		Timestamp:      parent.Timestamp,
		BaseLayerHeight: parent.BaseLayerHeight,
		BaseLayerHash:   parent.BaseLayerHash,
	}
	b.ID = b.ComputeID()
	return b
}
