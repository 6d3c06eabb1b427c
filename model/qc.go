// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package model

import (
	"encoding/binary"

	"github.com/luxfi/ids"
)

// QcDecision is the outcome a quorum certificate attests to.
type QcDecision uint8

const (
	QcAccept QcDecision = 0
	QcReject QcDecision = 1
)

// VoteDomainTag is prepended to every signed vote payload (spec §6.4).
const VoteDomainTag = "consensus-vote"

// ValidatorSignature pairs a committee member's node id with its
// signature over a vote payload.
type ValidatorSignature struct {
	Signer    ids.NodeID
	Signature []byte
}

// QuorumCertificate aggregates >= quorum signatures attesting that a
// committee voted Accept or Reject on a block at a given height/epoch.
type QuorumCertificate struct {
	ID         ids.ID
	BlockID    ids.ID
	BlockHeight uint64
	Epoch      uint64
	ShardGroup ShardGroup
	Decision   QcDecision
	Signatures []ValidatorSignature
	LeafHash   ids.ID
}

// VotePayload returns the exact byte sequence a validator signs for a
// vote on this (block id, height, epoch, decision) tuple, per the
// wire-level contract in spec §6.4: domain tag, block id (32B), height
// (u64 BE), epoch (u64 BE), decision (1B).
func VotePayload(blockID ids.ID, height, epoch uint64, decision QcDecision) []byte {
	buf := make([]byte, 0, len(VoteDomainTag)+32+8+8+1)
	buf = append(buf, VoteDomainTag...)
	buf = append(buf, blockID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, height)
	buf = binary.BigEndian.AppendUint64(buf, epoch)
	buf = append(buf, byte(decision))
	return buf
}

// MeetsQuorum reports whether n signatures out of a committee of size
// committeeSize reach the BFT threshold floor(2n/3)+1.
func MeetsQuorum(signatureCount, committeeSize int) bool {
	return signatureCount >= QuorumThreshold(committeeSize)
}

// QuorumThreshold returns floor(2*committeeSize/3) + 1.
func QuorumThreshold(committeeSize int) int {
	return 2*committeeSize/3 + 1
}
