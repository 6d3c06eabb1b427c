// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire defines the messages exchanged between replicas and the
// events a worker emits to its host application (spec §6.2). Message
// framing and transport are handled by net.Sender; this package only
// shapes the payloads, the way engine/bft's messages.go shapes
// Notarization/Finalization/Vote requests independently of the comm
// layer that carries them.
package wire

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/shardbft/model"
)

// Proposal carries a leader's candidate block plus the justifying
// quorum certificate and any foreign evidence gathered so far.
type Proposal struct {
	Sender   ids.NodeID
	Block    model.Block
	Justify  model.QuorumCertificate
	Evidence model.Evidence
}

// TransactionPledges groups one transaction's pledge set within a
// ForeignProposal, so a receiver can store each under the right
// transaction id (spec §4.8 step 3) instead of an undifferentiated pool.
type TransactionPledges struct {
	TransactionID ids.ID
	Pledges       []model.SubstatePledge
}

// ForeignProposal carries a shard's vote evidence for every transaction
// in one block that also touches another shard, exchanged directly
// between the shards holding pledges on the same transactions (spec
// §4.8). Justify is the quorum certificate the sender's own committee
// already produced for BlockID's parent: the receiver verifies it
// against the sender's committee before trusting any pledge in this
// message, since the pledges themselves carry no signature of their
// own (spec §4.8 step 1, "validate the block's provenance exactly as
// in §4.3" applied to the one piece of that provenance a pledge-only
// message can carry).
type ForeignProposal struct {
	Sender     ids.NodeID
	ShardGroup model.ShardGroup
	BlockID    ids.ID
	Height     uint64
	Justify    model.QuorumCertificate
	Pledges    []TransactionPledges
}

// Vote carries one committee member's signed decision on a block.
type Vote struct {
	Signer      ids.NodeID
	BlockID     ids.ID
	BlockHeight uint64
	Epoch       uint64
	ShardGroup  model.ShardGroup
	Decision    model.QcDecision
	Signature   []byte
}

// MissingTransactionsRequest asks a peer for the full bodies of
// transaction ids referenced by a block the requester cannot yet
// validate (spec §4.3 "Failure": fetch retried with bounded backoff).
type MissingTransactionsRequest struct {
	Requester ids.NodeID
	BlockID   ids.ID
	TxIDs     []ids.ID
}

// MissingTransactionsResponse answers a MissingTransactionsRequest.
// Transactions is empty when the responder also lacks the data.
type MissingTransactionsResponse struct {
	Responder    ids.NodeID
	BlockID      ids.ID
	Transactions []model.TransactionAtom
}

// SyncRequest asks a peer for every committed block after FromHeight.
type SyncRequest struct {
	Requester  ids.NodeID
	FromHeight uint64
}

// SyncResponse answers a SyncRequest with the committed chain segment
// and the quorum certificate justifying each block.
type SyncResponse struct {
	Responder ids.NodeID
	Blocks    []model.Block
	Qcs       []model.QuorumCertificate
}

// BlockCommitted is emitted once a block's 3-chain commit rule resolves
// (spec §4.9).
type BlockCommitted struct {
	BlockID ids.ID
	Height  uint64
}

// TransactionFinalized is emitted once a transaction pool entry reaches
// a terminal stage.
type TransactionFinalized struct {
	TransactionID ids.ID
	Decision      model.TxDecision
}

// LeaderTimedOut is emitted when the pacemaker's leader timeout fires
// without a proposal at height.
type LeaderTimedOut struct {
	Height uint64
}

// NeedsSync is emitted when a replica observes it has fallen behind: its
// local height trails a remote height advertised in an incoming message.
type NeedsSync struct {
	Local  uint64
	Remote uint64
}
