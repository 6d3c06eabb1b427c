// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package proposer implements the leader-side block assembly pipeline
// (spec §4.5): select a parent, drain the pool's ready iterator, collapse
// or advance each selected transaction's stage into a command, route the
// resulting creates/destroys to their owning shards, stage one diff per
// touched shard and composite their roots into the block's Merkle root,
// sign, persist, and broadcast.
// It is grounded on beam.Engine.Propose's shape (build header, sign with
// a bls.Signer, hand the block to a channel for broadcast), generalized
// from a single-chain header into this system's sharded, evidence-carrying
// Block.
package proposer

import (
	"context"
	"errors"
	"fmt"
	"time"

	luxbls "github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	luxlog "github.com/luxfi/log"

	"github.com/luxfi/shardbft/config"
	"github.com/luxfi/shardbft/crypto/bls"
	"github.com/luxfi/shardbft/epoch"
	"github.com/luxfi/shardbft/executor"
	"github.com/luxfi/shardbft/metrics"
	"github.com/luxfi/shardbft/model"
	"github.com/luxfi/shardbft/net"
	"github.com/luxfi/shardbft/pool"
	"github.com/luxfi/shardbft/statetree"
	"github.com/luxfi/shardbft/store"
	"github.com/luxfi/shardbft/wire"
)

// ErrNotLeader is returned when Propose is called by a replica that is
// not the resolved leader for the target height.
var ErrNotLeader = errors.New("proposer: this replica is not the leader for the target height")

// ErrAlreadyProposed is returned when LastProposed already covers the
// target height, guarding against double proposing (spec §8 property 4).
var ErrAlreadyProposed = errors.New("proposer: already proposed at or past this height")

// EvidenceSource resolves the evidence accumulated so far for a
// transaction: the lock intents and foreign QCs gathered by the foreign-
// proposal pipeline (spec §4.8), merged with this shard's own. The
// proposer only reads evidence; it never mutates it.
type EvidenceSource interface {
	Evidence(ctx context.Context, txID ids.ID) (model.Evidence, error)
}

// Proposer assembles and broadcasts this replica's block proposals when
// it is the resolved leader.
type Proposer struct {
	params   config.Parameters
	local    model.ShardGroup
	nodeID   ids.NodeID
	epochMgr epoch.Manager
	pool     *pool.Pool
	forest   *statetree.PendingForest
	exec     executor.Executor
	evidence EvidenceSource
	signer   bls.Signer
	sender   net.Sender
	metrics  *metrics.Metrics
	log      luxlog.Logger
}

// New builds a Proposer for one replica within one shard's committee.
func New(
	params config.Parameters,
	local model.ShardGroup,
	nodeID ids.NodeID,
	epochMgr epoch.Manager,
	pl *pool.Pool,
	forest *statetree.PendingForest,
	exec executor.Executor,
	evidence EvidenceSource,
	signer bls.Signer,
	sender net.Sender,
	m *metrics.Metrics,
	logger luxlog.Logger,
) *Proposer {
	return &Proposer{
		params:   params,
		local:    local,
		nodeID:   nodeID,
		epochMgr: epochMgr,
		pool:     pl,
		forest:   forest,
		exec:     exec,
		evidence: evidence,
		signer:   signer,
		sender:   sender,
		metrics:  m,
		log:      logger,
	}
}

// Propose runs the six-step leader pipeline (spec §4.5): resolve
// leadership and the double-propose guard, drain the pool's ready
// transactions bounded by MaxCommandsPerBlock, emit one command per
// selected transaction, stage the resulting diffs per shard against
// forest and composite their roots into the block, sign and persist the
// block as LastProposed, and broadcast it to the local committee plus
// any foreign committees whose evidence it advances. All persisted
// effects happen through tx; the caller commits or rolls it back.
func (p *Proposer) Propose(
	ctx context.Context,
	tx store.WriteTx,
	leaf model.LeafBlock,
	justify *model.QuorumCertificate,
	committee epoch.Committee,
	foreignCommittees map[model.ShardGroup]epoch.Committee,
	excluded map[ids.ID]bool,
) (*model.Block, error) {
	height := leaf.Height + 1

	leader, err := p.epochMgr.LeaderForHeight(committee, height)
	if err != nil {
		return nil, fmt.Errorf("proposer: resolve leader: %w", err)
	}
	if leader != p.nodeID {
		return nil, ErrNotLeader
	}

	lastProposed, err := tx.GetLastProposed(leaf.Epoch)
	if err != nil {
		return nil, fmt.Errorf("proposer: load last proposed: %w", err)
	}
	if lastProposed != nil && lastProposed.Height >= height {
		return nil, ErrAlreadyProposed
	}

	ready := p.pool.Ready(excluded)
	if len(ready) > p.params.MaxCommandsPerBlock {
		ready = ready[:p.params.MaxCommandsPerBlock]
	}

	var (
		commands       []model.Command
		totalLeaderFee uint64
		pending        []pendingEntry
	)
	createsByShard := make(map[model.ShardID][]model.VersionedSubstateID)
	destroysByShard := make(map[model.ShardID][]model.VersionedSubstateID)
	touchedForeign := make(map[model.ShardGroup][]wire.TransactionPledges)

	for _, rec := range ready {
		ev, err := p.evidence.Evidence(ctx, rec.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("proposer: load evidence for %s: %w", rec.TransactionID, err)
		}

		variant, nextStage, ok := commandForRecord(rec, p.local, ev)
		if !ok {
			continue
		}

		result, err := p.exec.Execute(ctx, rec.TransactionID, pledgesFromEvidence(ev, p.local))
		if err != nil {
			return nil, fmt.Errorf("proposer: execute %s: %w", rec.TransactionID, err)
		}
		for _, c := range result.ResultingOutputs {
			shard := model.ShardOf(c.Address, p.local)
			createsByShard[shard] = append(createsByShard[shard], c)
		}
		for _, d := range result.ResolvedInputs {
			shard := model.ShardOf(d.Address, p.local)
			destroysByShard[shard] = append(destroysByShard[shard], d)
		}

		atom := &model.TransactionAtom{
			TransactionID:  rec.TransactionID,
			Decision:       result.Decision,
			Evidence:       ev,
			TransactionFee: result.TransactionFee,
		}
		if variant == model.CommandLocalOnly || variant == model.CommandAccept {
			fee := result.LeaderFee
			atom.LeaderFee = &fee
			totalLeaderFee += fee
		}

		commands = append(commands, model.Command{Variant: variant, Atom: atom})
		pending = append(pending, pendingEntry{txID: rec.TransactionID, stage: nextStage, ready: nextStage == model.StageAccepted || variant == model.CommandLocalOnly})

		if variant == model.CommandLocalPrepared || variant == model.CommandAccept {
			for _, sg := range ev.RequiredShards() {
				if !sg.Equal(p.local) {
					touchedForeign[sg] = append(touchedForeign[sg], wire.TransactionPledges{
						TransactionID: rec.TransactionID,
						Pledges:       pledgesFromEvidence(ev, p.local),
					})
				}
			}
		}
	}

	model.SortCommands(commands)

	// Every shard p.local owns contributes a root to the block's
	// composite Merkle root (spec §4.1), not just p.local.Start: a shard
	// untouched by this block's commands still carries forward its
	// current head, and a touched shard gets its own diff staged and
	// persisted independently of its neighbors.
	stagedDiffs := make(map[model.ShardID]store.StateDiff)
	shardRoots := make(map[model.ShardID]ids.ID)
	for shard := p.local.Start; shard < p.local.End; shard++ {
		head, err := p.forest.Head(shard)
		if err != nil {
			return nil, fmt.Errorf("proposer: load shard %d head: %w", shard, err)
		}
		shardCreates, shardDestroys := createsByShard[shard], destroysByShard[shard]
		if len(shardCreates) == 0 && len(shardDestroys) == 0 {
			shardRoots[shard] = head.Root
			continue
		}
		diff := store.StateDiff{
			Shard:       shard,
			FromVersion: head.Version,
			ToVersion:   head.Version + 1,
			Creates:     shardCreates,
			Destroys:    shardDestroys,
		}
		root, err := p.forest.Stage(diff)
		if err != nil {
			return nil, fmt.Errorf("proposer: stage state diff for shard %d: %w", shard, err)
		}
		stagedDiffs[shard] = diff
		shardRoots[shard] = root
	}
	root := statetree.CompositeRoot(shardRoots)

	foreignIndexes := make(map[model.ShardGroup]uint64)
	for sg := range foreignCommittees {
		if sg.Equal(p.local) {
			continue
		}
		idx, err := tx.IncrementForeignCounter(model.ForeignCounterKey{Epoch: leaf.Epoch, From: p.local, To: sg})
		if err != nil {
			return nil, fmt.Errorf("proposer: increment foreign counter for %s: %w", sg, err)
		}
		foreignIndexes[sg] = idx
	}

	block := &model.Block{
		ParentID:       leaf.BlockID,
		Justify:        justify,
		Height:         height,
		Epoch:          leaf.Epoch,
		ShardGroup:     p.local,
		ProposedBy:     p.nodeID,
		MerkleRoot:     root,
		Commands:       commands,
		TotalLeaderFee: totalLeaderFee,
		Timestamp:      time.Now().UTC(),
		ForeignIndexes: foreignIndexes,
	}
	block.ID = block.ComputeID()

	sig, err := p.signer.Sign(block.ID[:])
	if err != nil {
		return nil, fmt.Errorf("proposer: sign block: %w", err)
	}
	block.Signature = luxbls.SignatureToBytes(sig)

	for shard, diff := range stagedDiffs {
		diff.BlockID = block.ID
		diff.RootAfter = shardRoots[shard]
		if err := tx.AppendPendingDiff(shard, diff); err != nil {
			return nil, fmt.Errorf("proposer: persist pending diff for shard %d: %w", shard, err)
		}
	}

	for _, pe := range pending {
		if err := p.pool.AddPendingUpdate(pe.txID, block.ID, height, pe.stage, pe.ready); err != nil {
			return nil, fmt.Errorf("proposer: record pending transition for %s: %w", pe.txID, err)
		}
	}

	if err := tx.PutBlock(block); err != nil {
		return nil, fmt.Errorf("proposer: persist block: %w", err)
	}
	if err := tx.SetLastProposed(model.LastProposed{Epoch: leaf.Epoch, BlockID: block.ID, Height: height}); err != nil {
		return nil, fmt.Errorf("proposer: persist last proposed: %w", err)
	}

	if p.metrics != nil {
		p.metrics.BlockProposed()
	}
	p.log.Debug("proposed block", "height", height, "epoch", leaf.Epoch, "commands", len(commands))

	if err := p.broadcast(ctx, block, committee, foreignCommittees, touchedForeign); err != nil {
		return nil, err
	}

	return block, nil
}

type pendingEntry struct {
	txID  ids.ID
	stage model.TxStage
	ready bool
}

// commandForRecord maps a ready pool record onto the command its
// current committed stage emits (spec §4.5 step 3, stage diagram in
// §4.2): New->Prepare, Prepared->LocalPrepared, AllPrepared->Accept.
// LocalPrepared itself is not proposed from here: the transition into
// AllPrepared happens off-chain, the moment every foreign shard's
// PreparedQC has arrived (handled by the foreign-proposal pipeline), so
// it never needs a leader command. A local-only transaction — every
// shard its evidence touches equals this committee's own shard group —
// never depends on foreign evidence at all, so it collapses directly
// from New to a single CommandLocalOnly command.
func commandForRecord(rec model.TransactionPoolRecord, local model.ShardGroup, ev model.Evidence) (model.CommandVariant, model.TxStage, bool) {
	if model.LocalOnly(ev, local) {
		return model.CommandLocalOnly, model.StageAccepted, true
	}
	switch rec.CommittedStage {
	case model.StageNew:
		return model.CommandPrepare, model.StagePrepared, true
	case model.StagePrepared:
		return model.CommandLocalPrepared, model.StageLocalPrepared, true
	case model.StageAllPrepared:
		return model.CommandAccept, model.StageAccepted, true
	default:
		return 0, 0, false
	}
}

// pledgesFromEvidence extracts this shard's own input/output locks as
// the pledge set handed to the executor: the local view of a
// transaction's substates, independent of whatever a foreign shard has
// pledged for it.
func pledgesFromEvidence(ev model.Evidence, local model.ShardGroup) []model.SubstatePledge {
	own, ok := ev[local]
	if !ok {
		return nil
	}
	out := make([]model.SubstatePledge, 0, len(own.InputLocks)+len(own.OutputLocks))
	for _, vsid := range own.InputLocks {
		out = append(out, model.SubstatePledge{SubstateID: vsid, Variant: model.PledgeInput})
	}
	for _, vsid := range own.OutputLocks {
		out = append(out, model.SubstatePledge{SubstateID: vsid, Variant: model.PledgeOutput})
	}
	return out
}

// broadcast sends the proposal to the local committee, then sends a
// foreign proposal to every non-local shard whose evidence this block's
// commands advance (spec §4.5 step 6: "for each non-local shard that
// receives a LocalPrepared or Accept command").
func (p *Proposer) broadcast(
	ctx context.Context,
	block *model.Block,
	committee epoch.Committee,
	foreignCommittees map[model.ShardGroup]epoch.Committee,
	touchedForeign map[model.ShardGroup][]wire.TransactionPledges,
) error {
	proposal := wire.Proposal{Sender: p.nodeID, Block: *block}
	if block.Justify != nil {
		proposal.Justify = *block.Justify
	}
	if err := p.sender.Broadcast(ctx, committee.NodeIDs(), proposal); err != nil {
		return fmt.Errorf("proposer: broadcast proposal: %w", err)
	}

	for sg, pledges := range touchedForeign {
		fc, ok := foreignCommittees[sg]
		if !ok {
			p.log.Warn("no committee registered for foreign shard", "shard", sg.String())
			continue
		}
		msg := wire.ForeignProposal{Sender: p.nodeID, ShardGroup: p.local, BlockID: block.ID, Height: block.Height, Justify: proposal.Justify, Pledges: pledges}
		if err := p.sender.Broadcast(ctx, fc.NodeIDs(), msg); err != nil {
			return fmt.Errorf("proposer: broadcast foreign proposal to %s: %w", sg, err)
		}
	}
	return nil
}
