// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package onreceive

import (
	"context"
	"sync"
	"testing"
	"time"

	luxbls "github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/shardbft/config"
	"github.com/luxfi/shardbft/crypto/bls"
	"github.com/luxfi/shardbft/epoch"
	nolog "github.com/luxfi/shardbft/log"
	"github.com/luxfi/shardbft/model"
	"github.com/luxfi/shardbft/pool"
	"github.com/luxfi/shardbft/statetree"
	"github.com/luxfi/shardbft/store"
)

func testCommittee(t *testing.T, shard model.ShardGroup, epochNo uint64, n int) (*epoch.StaticManager, epoch.Committee, []bls.Signer) {
	t.Helper()
	mgr := epoch.NewStaticManager()
	members := make([]epoch.Member, n)
	signers := make([]bls.Signer, n)
	for i := 0; i < n; i++ {
		s := bls.MustTestSigner()
		signers[i] = s
		var nodeID ids.NodeID
		nodeID[0] = byte(shard.Start + 1)
		nodeID[1] = byte(i + 1)
		members[i] = epoch.Member{NodeID: nodeID, PublicKey: s.PublicKey(), Weight: 1}
	}
	mgr.SetCommittee(shard, epochNo, members)
	committee, err := mgr.CommitteeForEpoch(shard, epochNo)
	require.NoError(t, err)
	return mgr, committee, signers
}

type recordedSend struct {
	peer ids.NodeID
	msg  any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []recordedSend
}

func (f *fakeSender) Send(_ context.Context, peer ids.NodeID, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedSend{peer: peer, msg: msg})
	return nil
}

func (f *fakeSender) Broadcast(context.Context, []ids.NodeID, any) error { return nil }
func (f *fakeSender) Gossip(context.Context, string, any) error         { return nil }

func (f *fakeSender) snapshot() []recordedSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedSend(nil), f.sent...)
}

func newHarness(t *testing.T, shard model.ShardGroup) (*pool.Pool, *statetree.PendingForest, *fakeSender, store.WriteTx) {
	t.Helper()
	pl := pool.New()
	forest := statetree.NewPendingForest(map[model.ShardID]statetree.ShardTree{shard.Start: {Shard: shard.Start}})
	sender := &fakeSender{}
	s := store.NewMemStore()
	tx, err := s.BeginWrite(context.Background())
	require.NoError(t, err)
	return pl, forest, sender, tx
}

// zeroCompositeRoot returns the composite root a freshly seeded forest
// (every shard in the range still at its zero ShardTree) recomputes for
// shard, the value a hand-built test block must carry as MerkleRoot to
// pass blockvalidator.Validate's state-root check.
func zeroCompositeRoot(shard model.ShardGroup) ids.ID {
	roots := make(map[model.ShardID]ids.ID, shard.End-shard.Start)
	for s := shard.Start; s < shard.End; s++ {
		roots[s] = ids.ID{}
	}
	return statetree.CompositeRoot(roots)
}

func indexOf(t *testing.T, committee epoch.Committee, nodeID ids.NodeID) int {
	t.Helper()
	for i, m := range committee.Members {
		if m.NodeID == nodeID {
			return i
		}
	}
	t.Fatalf("node %s not in committee", nodeID)
	return -1
}

func TestReceiveProposalValidatesPersistsAndVotes(t *testing.T) {
	shard := model.ShardGroup{Start: 0, End: 4}
	mgr, committee, signers := testCommittee(t, shard, 1, 3)
	pl, forest, sender, tx := newHarness(t, shard)
	defer tx.Rollback()

	genesis := &model.Block{Height: 0, Epoch: 1, ShardGroup: shard, Timestamp: time.Now().UTC()}
	genesis.ID = genesis.ComputeID()
	require.NoError(t, tx.PutBlock(genesis))
	require.NoError(t, tx.SetLeaf(model.LeafBlock{Epoch: 1, BlockID: genesis.ID, Height: 0}))
	require.NoError(t, tx.SetLocked(model.LockedBlock{Epoch: 1, BlockID: genesis.ID, Height: 0}))

	leader, err := mgr.LeaderForHeight(committee, 1)
	require.NoError(t, err)

	block := &model.Block{
		ParentID:   genesis.ID,
		Height:     1,
		Epoch:      1,
		ShardGroup: shard,
		ProposedBy: leader,
		MerkleRoot: zeroCompositeRoot(shard),
		Timestamp:  time.Now().UTC(),
	}
	block.ID = block.ComputeID()

	voterIdx := 0
	r := New(config.DefaultParameters, shard, committee.Members[voterIdx].NodeID, mgr, pl, forest, nil, signers[voterIdx], sender, nil, nolog.NoLog{})

	outcome, err := r.ReceiveProposal(context.Background(), tx, block, committee, nil, nil)
	require.NoError(t, err)
	require.False(t, outcome.Rejected)
	require.False(t, outcome.Parked)
	require.True(t, outcome.Voted)
	require.NotNil(t, outcome.Vote)
	require.Equal(t, block.ID, outcome.Vote.BlockID)

	stored, err := tx.GetBlock(block.ID)
	require.NoError(t, err)
	require.Equal(t, block.ID, stored.ID)

	lastVoted, err := tx.GetLastVoted(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), lastVoted.Height)

	leafAfter, err := tx.GetLeaf(1)
	require.NoError(t, err)
	require.Equal(t, block.ID, leafAfter.BlockID)

	sent := sender.snapshot()
	require.Len(t, sent, 1)
	nextLeader, err := mgr.LeaderForHeight(committee, 2)
	require.NoError(t, err)
	require.Equal(t, nextLeader, sent[0].peer)
}

func TestReceiveProposalParksOnUnknownJustify(t *testing.T) {
	shard := model.ShardGroup{Start: 0, End: 4}
	mgr, committee, signers := testCommittee(t, shard, 1, 3)
	pl, forest, sender, tx := newHarness(t, shard)
	defer tx.Rollback()

	var unknownBlockID ids.ID
	unknownBlockID[0] = 0xEE

	block := &model.Block{
		ParentID:   unknownBlockID,
		Justify:    &model.QuorumCertificate{BlockID: unknownBlockID, BlockHeight: 3, Epoch: 1, ShardGroup: shard},
		Height:     4,
		Epoch:      1,
		ShardGroup: shard,
		Timestamp:  time.Now().UTC(),
	}
	block.ID = block.ComputeID()

	r := New(config.DefaultParameters, shard, committee.Members[0].NodeID, mgr, pl, forest, nil, signers[0], sender, nil, nolog.NoLog{})

	outcome, err := r.ReceiveProposal(context.Background(), tx, block, committee, nil, nil)
	require.NoError(t, err)
	require.True(t, outcome.Parked)
	require.NotNil(t, outcome.MissingAncestor)
	require.Equal(t, unknownBlockID, *outcome.MissingAncestor)

	parked, err := tx.GetParked(block.ID)
	require.NoError(t, err)
	require.Equal(t, "unknown justify ancestor", parked.Reason)
}

func TestReceiveProposalAppliesThreeChainCommitRule(t *testing.T) {
	shard := model.ShardGroup{Start: 0, End: 4}
	mgr, committee, signers := testCommittee(t, shard, 1, 3)
	pl, forest, sender, tx := newHarness(t, shard)
	defer tx.Rollback()

	genesis := &model.Block{Height: 0, Epoch: 1, ShardGroup: shard, Timestamp: time.Now().UTC()}
	genesis.ID = genesis.ComputeID()
	require.NoError(t, tx.PutBlock(genesis))

	bDouble := &model.Block{ParentID: genesis.ID, Height: 1, Epoch: 1, ShardGroup: shard, Timestamp: time.Now().UTC()}
	bDouble.ID = bDouble.ComputeID()
	require.NoError(t, tx.PutBlock(bDouble))

	bPrime := &model.Block{
		ParentID:   bDouble.ID,
		Justify:    &model.QuorumCertificate{BlockID: bDouble.ID, BlockHeight: 1, Epoch: 1, ShardGroup: shard},
		Height:     2,
		Epoch:      1,
		ShardGroup: shard,
		Timestamp:  time.Now().UTC(),
	}
	bPrime.ID = bPrime.ComputeID()
	require.NoError(t, tx.PutBlock(bPrime))

	bBlock := &model.Block{
		ParentID:   bPrime.ID,
		Justify:    &model.QuorumCertificate{BlockID: bPrime.ID, BlockHeight: 2, Epoch: 1, ShardGroup: shard},
		Height:     3,
		Epoch:      1,
		ShardGroup: shard,
		Timestamp:  time.Now().UTC(),
	}
	bBlock.ID = bBlock.ComputeID()
	require.NoError(t, tx.PutBlock(bBlock))

	require.NoError(t, tx.SetLeaf(model.LeafBlock{Epoch: 1, BlockID: bBlock.ID, Height: 3}))
	require.NoError(t, tx.SetLocked(model.LockedBlock{Epoch: 1, BlockID: genesis.ID, Height: 0}))

	payload := model.VotePayload(bBlock.ID, 3, 1, model.QcAccept)
	sigs := make([]model.ValidatorSignature, len(signers))
	for i, s := range signers {
		sig, err := s.Sign(payload)
		require.NoError(t, err)
		sigs[i] = model.ValidatorSignature{Signer: committee.Members[i].NodeID, Signature: luxbls.SignatureToBytes(sig)}
	}

	leader, err := mgr.LeaderForHeight(committee, 4)
	require.NoError(t, err)

	finalBlock := &model.Block{
		ParentID:   bBlock.ID,
		Justify:    &model.QuorumCertificate{BlockID: bBlock.ID, BlockHeight: 3, Epoch: 1, ShardGroup: shard, Decision: model.QcAccept, Signatures: sigs},
		Height:     4,
		Epoch:      1,
		ShardGroup: shard,
		ProposedBy: leader,
		MerkleRoot: zeroCompositeRoot(shard),
		Timestamp:  time.Now().UTC(),
	}
	finalBlock.ID = finalBlock.ComputeID()

	voterIdx := indexOf(t, committee, leader)
	r := New(config.DefaultParameters, shard, committee.Members[voterIdx].NodeID, mgr, pl, forest, nil, signers[voterIdx], sender, nil, nolog.NoLog{})

	outcome, err := r.ReceiveProposal(context.Background(), tx, finalBlock, committee, nil, nil)
	require.NoError(t, err)
	require.False(t, outcome.Rejected)
	require.Equal(t, []ids.ID{bDouble.ID}, outcome.CommittedBlockIDs)

	locked, err := tx.GetLocked(1)
	require.NoError(t, err)
	require.Equal(t, bPrime.ID, locked.BlockID)

	lastExecuted, err := tx.GetLastExecuted(1)
	require.NoError(t, err)
	require.Equal(t, bDouble.ID, lastExecuted.BlockID)
}
