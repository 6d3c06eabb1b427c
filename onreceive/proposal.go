// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package onreceive implements the two inbound pipelines every replica
// drives off the network: receiving a proposal (spec §4.6) and receiving
// a vote (spec §4.7). Both pipelines commit their effects through a
// single store.WriteTx per call, rolled back by the caller on any
// returned error, mirroring how beam.Engine handlers fold every
// bookkeeping mutation of one inbound message into one pebble batch.
package onreceive

import (
	"context"
	"fmt"

	luxbls "github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	luxlog "github.com/luxfi/log"

	"github.com/luxfi/shardbft/blockvalidator"
	"github.com/luxfi/shardbft/config"
	"github.com/luxfi/shardbft/crypto/bls"
	"github.com/luxfi/shardbft/epoch"
	shardlog "github.com/luxfi/shardbft/log"
	"github.com/luxfi/shardbft/metrics"
	"github.com/luxfi/shardbft/model"
	"github.com/luxfi/shardbft/net"
	"github.com/luxfi/shardbft/pacemaker"
	"github.com/luxfi/shardbft/pool"
	"github.com/luxfi/shardbft/statetree"
	"github.com/luxfi/shardbft/store"
	"github.com/luxfi/shardbft/wire"
)

// ProposalOutcome reports what ReceiveProposal did with an inbound
// block, so a caller can decide what follow-up network traffic (missing
// block/transaction fetches) to issue without inspecting store state.
type ProposalOutcome struct {
	// AlreadyKnown is true when the block was already stored; nothing
	// else in the outcome is populated.
	AlreadyKnown bool

	// Parked is true when the block could not be processed yet: either
	// its justify references an unknown ancestor, or its commands
	// reference transactions not yet held locally.
	Parked                bool
	MissingAncestor       *ids.ID
	MissingTransactionIDs []ids.ID

	// Rejected is true when the block failed spec §4.3 validation.
	Rejected     bool
	RejectReason error

	// Voted is true when this replica signed and sent a vote for the
	// block.
	Voted bool
	Vote  *wire.Vote

	// CommittedBlockIDs lists blocks the three-chain rule finalized as
	// a side effect of inserting this one (at most one, the block's
	// great-grandparent by justify chain).
	CommittedBlockIDs []ids.ID
}

// Receiver runs the on-receive-proposal pipeline for one replica within
// one shard's committee.
type Receiver struct {
	params   config.Parameters
	local    model.ShardGroup
	nodeID   ids.NodeID
	epochMgr epoch.Manager
	pool     *pool.Pool
	forest   *statetree.PendingForest
	pm       *pacemaker.Pacemaker
	signer   bls.Signer
	sender   net.Sender
	metrics  *metrics.Metrics
	log      luxlog.Logger

	onFinalized func(ids.ID, model.TxDecision)
}

// SetTransactionFinalizedHook registers fn to be called for every
// transaction a commit resolves to a terminal stage (spec §6.2
// "transaction_finalized"). Intended for the worker that owns emitting
// that event to its host application; nil by default.
func (r *Receiver) SetTransactionFinalizedHook(fn func(ids.ID, model.TxDecision)) {
	r.onFinalized = fn
}

// New builds a Receiver.
func New(
	params config.Parameters,
	local model.ShardGroup,
	nodeID ids.NodeID,
	epochMgr epoch.Manager,
	pl *pool.Pool,
	forest *statetree.PendingForest,
	pm *pacemaker.Pacemaker,
	signer bls.Signer,
	sender net.Sender,
	m *metrics.Metrics,
	logger luxlog.Logger,
) *Receiver {
	return &Receiver{
		params:   params,
		local:    local,
		nodeID:   nodeID,
		epochMgr: epochMgr,
		pool:     pl,
		forest:   forest,
		pm:       pm,
		signer:   signer,
		sender:   sender,
		metrics:  m,
		log:      logger,
	}
}

// ReceiveProposal runs the seven steps of spec §4.6 against an inbound
// block: dedup, park on an unknown ancestor or missing transactions,
// validate, update high_qc and apply the three-chain commit rule, record
// pending pool transitions, vote if this replica has not already voted
// at or past this height, and reset the pacemaker.
func (r *Receiver) ReceiveProposal(
	ctx context.Context,
	tx store.WriteTx,
	block *model.Block,
	committee epoch.Committee,
	knownForeignIndex blockvalidator.KnownForeignIndex,
	haveTransaction func(ids.ID) bool,
) (*ProposalOutcome, error) {
	if _, err := tx.GetBlock(block.ID); err == nil {
		return &ProposalOutcome{AlreadyKnown: true}, nil
	}

	if block.Justify != nil {
		if _, err := tx.GetBlock(block.Justify.BlockID); err != nil {
			if perr := tx.ParkBlock(store.ParkedBlock{Block: block, Reason: "unknown justify ancestor", MaxAttempts: r.params.MissingFetchRetries}); perr != nil {
				return nil, fmt.Errorf("onreceive: park block with unknown ancestor: %w", perr)
			}
			missing := block.Justify.BlockID
			return &ProposalOutcome{Parked: true, MissingAncestor: &missing}, nil
		}
	}

	if haveTransaction != nil {
		var missingTxs []ids.ID
		for _, cmd := range block.Commands {
			if cmd.Atom == nil {
				continue
			}
			if !haveTransaction(cmd.Atom.TransactionID) {
				missingTxs = append(missingTxs, cmd.Atom.TransactionID)
			}
		}
		if len(missingTxs) > 0 {
			if perr := tx.ParkBlock(store.ParkedBlock{Block: block, Reason: "missing transactions", MaxAttempts: r.params.MissingFetchRetries}); perr != nil {
				return nil, fmt.Errorf("onreceive: park block with missing transactions: %w", perr)
			}
			return &ProposalOutcome{Parked: true, MissingTransactionIDs: missingTxs}, nil
		}
	}

	leaf, err := tx.GetLeaf(block.Epoch)
	if err != nil {
		return nil, fmt.Errorf("onreceive: load leaf: %w", err)
	}
	locked, err := tx.GetLocked(block.Epoch)
	if err != nil {
		return nil, fmt.Errorf("onreceive: load locked block: %w", err)
	}
	var leafVal model.LeafBlock
	if leaf != nil {
		leafVal = *leaf
	}
	var lockedVal model.LockedBlock
	if locked != nil {
		lockedVal = *locked
	}

	safety := blockvalidator.Safety{
		Locked:        lockedVal,
		ExtendsLocked: func(parentID, lockedID ids.ID) bool { return extends(tx, parentID, lockedID) },
	}
	deps := blockvalidator.Deps{Epoch: r.epochMgr, Forest: r.forest}

	if verr := blockvalidator.Validate(block, leafVal, safety, committee, deps, knownForeignIndex); verr != nil {
		if r.metrics != nil {
			r.metrics.ValidationFailed(verr.Error())
		}
		shardlog.WithBlock(r.log, block.ID).Debug("rejected proposal", "reason", verr)
		return &ProposalOutcome{Rejected: true, RejectReason: verr}, nil
	}

	if err := tx.PutBlock(block); err != nil {
		return nil, fmt.Errorf("onreceive: persist block: %w", err)
	}

	if block.Justify != nil {
		hq, err := tx.GetHighQc(block.Epoch)
		if err != nil {
			return nil, fmt.Errorf("onreceive: load high qc: %w", err)
		}
		if hq == nil || block.Justify.BlockHeight > hq.Height {
			if err := tx.SetHighQc(model.HighQc{Epoch: block.Epoch, BlockID: block.Justify.BlockID, Height: block.Justify.BlockHeight, QcID: block.Justify.ID}); err != nil {
				return nil, fmt.Errorf("onreceive: advance high qc: %w", err)
			}
		}
	}

	committed, err := r.applyCommitRule(tx, block)
	if err != nil {
		return nil, err
	}

	for _, cmd := range block.Commands {
		if cmd.Atom == nil {
			continue
		}
		stage, ok := nextStageForCommand(cmd.Variant)
		if !ok {
			continue
		}
		txID := cmd.Atom.TransactionID
		if _, ok := r.pool.Get(txID); !ok {
			r.pool.InsertNew(txID, cmd.Atom.Decision, false)
		}
		ready := stage == model.StageAccepted || cmd.Variant == model.CommandLocalOnly
		if err := r.pool.AddPendingUpdate(txID, block.ID, block.Height, stage, ready); err != nil {
			return nil, fmt.Errorf("onreceive: record pending transition for %s: %w", txID, err)
		}
		if r.metrics != nil {
			r.metrics.PoolTransition(stage.String())
		}
	}

	outcome := &ProposalOutcome{CommittedBlockIDs: committed}

	lastVoted, err := tx.GetLastVoted(block.Epoch)
	if err != nil {
		return nil, fmt.Errorf("onreceive: load last voted: %w", err)
	}
	if lastVoted == nil || block.Height > lastVoted.Height {
		vote, err := r.castVote(ctx, tx, block, committee)
		if err != nil {
			return nil, err
		}
		outcome.Voted = true
		outcome.Vote = vote
	}

	if err := tx.SetLeaf(model.LeafBlock{Epoch: block.Epoch, BlockID: block.ID, Height: block.Height}); err != nil {
		return nil, fmt.Errorf("onreceive: advance leaf: %w", err)
	}

	highQcHeight := uint64(0)
	if hq, err := tx.GetHighQc(block.Epoch); err == nil && hq != nil {
		highQcHeight = hq.Height
	}
	if r.pm != nil {
		r.pm.Reset(block.Height, highQcHeight)
	}
	if r.metrics != nil {
		r.metrics.SetPoolDepth(r.pool.Len())
	}

	return outcome, nil
}

// castVote signs and sends this replica's vote for block to the leader
// of the next height, and persists LastVoted/LastSentVote so a restart
// resends rather than double-votes (spec §4.6 step 6, §8 property 3).
func (r *Receiver) castVote(ctx context.Context, tx store.WriteTx, block *model.Block, committee epoch.Committee) (*wire.Vote, error) {
	payload := model.VotePayload(block.ID, block.Height, block.Epoch, model.QcAccept)
	sig, err := r.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("onreceive: sign vote: %w", err)
	}
	sigBytes := luxbls.SignatureToBytes(sig)

	nextLeader, err := r.epochMgr.LeaderForHeight(committee, block.Height+1)
	if err != nil {
		return nil, fmt.Errorf("onreceive: resolve next leader: %w", err)
	}

	vote := wire.Vote{
		Signer:      r.nodeID,
		BlockID:     block.ID,
		BlockHeight: block.Height,
		Epoch:       block.Epoch,
		ShardGroup:  block.ShardGroup,
		Decision:    model.QcAccept,
		Signature:   sigBytes,
	}

	if err := tx.SetLastVoted(model.LastVoted{Epoch: block.Epoch, BlockID: block.ID, Height: block.Height}); err != nil {
		return nil, fmt.Errorf("onreceive: persist last voted: %w", err)
	}
	if err := tx.SetLastSentVote(model.LastSentVote{Epoch: block.Epoch, BlockID: block.ID, Height: block.Height, Decision: model.QcAccept, Signature: sigBytes}); err != nil {
		return nil, fmt.Errorf("onreceive: persist last sent vote: %w", err)
	}
	if r.sender != nil {
		if err := r.sender.Send(ctx, nextLeader, vote); err != nil {
			return nil, fmt.Errorf("onreceive: send vote: %w", err)
		}
	}
	return &vote, nil
}

// applyCommitRule tests the three-chain rule against block's justify
// chain b'' <- b' <- b (spec §4.6 step 4). b is the block justified
// directly by the incoming block, b' is justified by b, and b'' is
// justified by b'. A contiguous run of three heights locks b' and
// commits b''.
func (r *Receiver) applyCommitRule(tx store.WriteTx, block *model.Block) ([]ids.ID, error) {
	if block.Justify == nil {
		return nil, nil
	}
	b, err := tx.GetBlock(block.Justify.BlockID)
	if err != nil || b.Justify == nil {
		return nil, nil
	}
	bPrime, err := tx.GetBlock(b.Justify.BlockID)
	if err != nil || bPrime.Justify == nil {
		return nil, nil
	}
	bDouble, err := tx.GetBlock(bPrime.Justify.BlockID)
	if err != nil {
		return nil, nil
	}

	if bDouble.Height+1 != bPrime.Height || bPrime.Height != b.Height-1 {
		return nil, nil
	}

	if err := tx.SetLocked(model.LockedBlock{Epoch: bPrime.Epoch, BlockID: bPrime.ID, Height: bPrime.Height}); err != nil {
		return nil, fmt.Errorf("onreceive: advance locked block: %w", err)
	}
	if err := r.commitBlock(tx, bDouble); err != nil {
		return nil, err
	}
	return []ids.ID{bDouble.ID}, nil
}

// commitBlock finalizes bDouble: flushes every shard in its committee's
// range that carries a pending state-tree diff for this block into the
// committed tree, confirms every pool transition pending on it, and
// records it as the last executed block. A block only stages diffs for
// the shards its commands actually touched (spec §4.1), so most shards
// in the range are no-ops here. Releasing the pledges a committed
// transaction held is the foreign-evidence store's responsibility (spec
// §4.8), not this pipeline's.
func (r *Receiver) commitBlock(tx store.WriteTx, committed *model.Block) error {
	for shard := committed.ShardGroup.Start; shard < committed.ShardGroup.End; shard++ {
		diffs, err := tx.GetPendingDiffs(shard)
		if err != nil {
			return fmt.Errorf("onreceive: load pending diffs for shard %d: %w", shard, err)
		}
		for _, d := range diffs {
			if d.BlockID != committed.ID {
				continue
			}
			if err := r.forest.Finalize(shard, d.ToVersion); err != nil {
				return fmt.Errorf("onreceive: finalize state tree for shard %d: %w", shard, err)
			}
			if err := tx.FlushPendingDiffs(shard, d.ToVersion); err != nil {
				return fmt.Errorf("onreceive: flush pending diffs for shard %d: %w", shard, err)
			}
			break
		}
	}

	finalized := r.pool.ConfirmAllTransitions(committed.ID)
	if r.onFinalized != nil {
		for _, f := range finalized {
			r.onFinalized(f.TransactionID, f.Decision)
		}
	}

	if err := tx.SetLastExecuted(model.LastExecuted{Epoch: committed.Epoch, BlockID: committed.ID, Height: committed.Height}); err != nil {
		return fmt.Errorf("onreceive: advance last executed: %w", err)
	}
	if r.metrics != nil {
		r.metrics.BlockCommitted(committed.Height)
	}
	return nil
}

// nextStageForCommand maps a block command onto the pool stage it
// commits a transaction to once the block locks (the inverse of
// proposer.commandForRecord): Prepare->Prepared, LocalPrepared->
// LocalPrepared, Accept->Accepted, LocalOnly collapses straight to
// Accepted.
func nextStageForCommand(variant model.CommandVariant) (model.TxStage, bool) {
	switch variant {
	case model.CommandLocalOnly:
		return model.StageAccepted, true
	case model.CommandPrepare:
		return model.StagePrepared, true
	case model.CommandLocalPrepared:
		return model.StageLocalPrepared, true
	case model.CommandAccept:
		return model.StageAccepted, true
	default:
		return 0, false
	}
}

// extends reports whether the chain rooted at descendantID passes
// through ancestorID, walking parent links until it finds ancestorID,
// drops below its height, or reaches genesis (spec §4.3 check 5).
func extends(tx store.ReadTx, descendantID, ancestorID ids.ID) bool {
	if descendantID == ancestorID {
		return true
	}
	ancestor, err := tx.GetBlock(ancestorID)
	if err != nil {
		return false
	}
	cur := descendantID
	for {
		b, err := tx.GetBlock(cur)
		if err != nil {
			return false
		}
		if b.ID == ancestorID {
			return true
		}
		if b.Height <= ancestor.Height || b.IsGenesis() {
			return false
		}
		cur = b.ParentID
	}
}
