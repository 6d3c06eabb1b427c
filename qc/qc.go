// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package qc assembles and verifies quorum certificates: the aggregated
// proof that a committee's vote on a block reached the BFT threshold
// (spec §3 "QuorumCertificate", §6.4). It is grounded on the Simplex
// BFT vote/notarization vocabulary (github.com/luxfi/bft: Vote,
// Notarization, Finalization all wrap a QC over a BlockHeader) applied
// to this system's own Block and ShardGroup types rather than Simplex's
// wire format, since the sharded, evidence-carrying block shape here has
// no Simplex counterpart.
package qc

import (
	"errors"
	"fmt"

	luxbls "github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"

	"github.com/luxfi/shardbft/crypto/bls"
	"github.com/luxfi/shardbft/epoch"
	"github.com/luxfi/shardbft/model"
)

// ErrNoQuorum is returned when an Assembler is asked to finish before
// enough votes have been collected.
var ErrNoQuorum = errors.New("qc: not enough votes to reach quorum")

// ErrDuplicateVote is returned when the same validator votes twice for
// the same block at the same height (spec §4.7, §8 property 4).
var ErrDuplicateVote = errors.New("qc: validator already voted for this block")

// ErrUnknownSigner is returned when a vote is signed by a node id absent
// from the committee.
var ErrUnknownSigner = errors.New("qc: signer is not a committee member")

// ErrBadSignature is returned when a vote's signature does not verify
// against the signer's registered public key.
var ErrBadSignature = errors.New("qc: signature does not verify")

// Assembler collects votes for a single (block, height, epoch, decision)
// tuple and produces a QuorumCertificate once enough have arrived.
// One Assembler is used per in-flight block; callers discard it once
// Finish succeeds or the block is abandoned.
type Assembler struct {
	committee epoch.Committee
	blockID   ids.ID
	height    uint64
	epochNo   uint64
	decision  model.QcDecision

	votes map[ids.NodeID]model.ValidatorSignature
}

// NewAssembler starts collecting votes for blockID at height/epochNo.
func NewAssembler(committee epoch.Committee, blockID ids.ID, height, epochNo uint64, decision model.QcDecision) *Assembler {
	return &Assembler{
		committee: committee,
		blockID:   blockID,
		height:    height,
		epochNo:   epochNo,
		decision:  decision,
		votes:     make(map[ids.NodeID]model.ValidatorSignature),
	}
}

// AddVote verifies and records a single validator's vote. It rejects a
// second vote from a signer already recorded (spec §8 property 4).
func (a *Assembler) AddVote(signer ids.NodeID, sig []byte) error {
	if _, ok := a.votes[signer]; ok {
		return ErrDuplicateVote
	}
	pk, ok := a.committee.PublicKey(signer)
	if !ok {
		return ErrUnknownSigner
	}
	blsSig, err := luxbls.SignatureFromBytes(sig)
	if err != nil {
		return fmt.Errorf("qc: decode signature: %w", err)
	}
	payload := model.VotePayload(a.blockID, a.height, a.epochNo, a.decision)
	if !bls.Verify(pk, payload, blsSig) {
		return ErrBadSignature
	}
	a.votes[signer] = model.ValidatorSignature{Signer: signer, Signature: sig}
	return nil
}

// Count returns the number of distinct validators that have voted so far.
func (a *Assembler) Count() int { return len(a.votes) }

// Ready reports whether enough votes have been collected to meet quorum.
func (a *Assembler) Ready() bool {
	return model.MeetsQuorum(len(a.votes), len(a.committee.Members))
}

// Finish aggregates the collected votes into a QuorumCertificate. It
// fails if quorum has not yet been reached.
func (a *Assembler) Finish() (model.QuorumCertificate, error) {
	if !a.Ready() {
		return model.QuorumCertificate{}, ErrNoQuorum
	}
	sigs := make([]model.ValidatorSignature, 0, len(a.votes))
	for _, v := range a.votes {
		sigs = append(sigs, v)
	}
	return model.QuorumCertificate{
		BlockID:     a.blockID,
		BlockHeight: a.height,
		Epoch:       a.epochNo,
		ShardGroup:  a.committee.Shard,
		Decision:    a.decision,
		Signatures:  sigs,
	}, nil
}

// Verify checks that a quorum certificate's signatures meet the
// committee's quorum threshold and each one verifies against the
// signer's registered public key, the check a replica runs before
// trusting a QC carried in an incoming proposal (spec §4.3).
func Verify(committee epoch.Committee, certificate model.QuorumCertificate) error {
	if !model.MeetsQuorum(len(certificate.Signatures), len(committee.Members)) {
		return ErrNoQuorum
	}
	payload := model.VotePayload(certificate.BlockID, certificate.BlockHeight, certificate.Epoch, certificate.Decision)
	seen := make(map[ids.NodeID]bool, len(certificate.Signatures))
	for _, sig := range certificate.Signatures {
		if seen[sig.Signer] {
			return ErrDuplicateVote
		}
		seen[sig.Signer] = true
		pk, ok := committee.PublicKey(sig.Signer)
		if !ok {
			return ErrUnknownSigner
		}
		blsSig, err := luxbls.SignatureFromBytes(sig.Signature)
		if err != nil {
			return fmt.Errorf("qc: decode signature for %s: %w", sig.Signer, err)
		}
		if !bls.Verify(pk, payload, blsSig) {
			return fmt.Errorf("%w: signer %s", ErrBadSignature, sig.Signer)
		}
	}
	return nil
}
