// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package proposer

import (
	"context"
	"sync"
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/shardbft/config"
	"github.com/luxfi/shardbft/crypto/bls"
	"github.com/luxfi/shardbft/epoch"
	"github.com/luxfi/shardbft/executor"
	nolog "github.com/luxfi/shardbft/log"
	"github.com/luxfi/shardbft/model"
	"github.com/luxfi/shardbft/pool"
	"github.com/luxfi/shardbft/statetree"
	"github.com/luxfi/shardbft/store"
	"github.com/luxfi/shardbft/wire"
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

type fakeEvidence struct {
	byTx map[ids.ID]model.Evidence
}

func (f *fakeEvidence) Evidence(_ context.Context, txID ids.ID) (model.Evidence, error) {
	if ev, ok := f.byTx[txID]; ok {
		return ev, nil
	}
	return model.Evidence{}, nil
}

type fakeExecutor struct{}

func (fakeExecutor) Execute(_ context.Context, _ ids.ID, _ []model.SubstatePledge) (executor.Result, error) {
	return executor.Result{Decision: model.DecisionCommit, TransactionFee: 10, LeaderFee: 1}, nil
}

type recordedSend struct {
	peers []ids.NodeID
	msg   any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []recordedSend
}

func (f *fakeSender) Send(context.Context, ids.NodeID, any) error { return nil }

func (f *fakeSender) Broadcast(_ context.Context, peers []ids.NodeID, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedSend{peers: peers, msg: msg})
	return nil
}

func (f *fakeSender) Gossip(context.Context, string, any) error { return nil }

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

func TestProposeAssemblesLocalOnlyBlockAndBroadcasts(t *testing.T) {
	shard := model.ShardGroup{Start: 0, End: 4}
	mgr, committee, signers := testCommittee(t, shard, 1, 3)
	leaf := model.LeafBlock{Epoch: 1, Height: 0}
	leader, err := mgr.LeaderForHeight(committee, leaf.Height+1)
	require.NoError(t, err)

	pl, forest, sender, tx := newHarness(t, shard)
	defer tx.Rollback()

	var txID ids.ID
	txID[0] = 5
	pl.InsertNew(txID, model.DecisionCommit, true)

	leaderIdx := 0
	for i, m := range committee.Members {
		if m.NodeID == leader {
			leaderIdx = i
		}
	}

	p := New(config.DefaultParameters, shard, leader, mgr, pl, forest, fakeExecutor{}, &fakeEvidence{}, signers[leaderIdx], sender, nil, nolog.NoLog{})

	block, err := p.Propose(context.Background(), tx, leaf, nil, committee, map[model.ShardGroup]epoch.Committee{shard: committee}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), block.Height)
	require.Len(t, block.Commands, 1)
	require.Equal(t, model.CommandLocalOnly, block.Commands[0].Variant)
	require.NotNil(t, block.Commands[0].Atom.LeaderFee)
	require.Equal(t, uint64(1), block.TotalLeaderFee)
	require.True(t, block.VerifyID())

	stored, err := tx.GetBlock(block.ID)
	require.NoError(t, err)
	require.Equal(t, block.ID, stored.ID)

	lastProposed, err := tx.GetLastProposed(leaf.Epoch)
	require.NoError(t, err)
	require.Equal(t, block.ID, lastProposed.BlockID)

	sent := sender.snapshot()
	require.Len(t, sent, 1)
	proposal, ok := sent[0].msg.(wire.Proposal)
	require.True(t, ok)
	require.Equal(t, block.ID, proposal.Block.ID)
}

func TestProposeRejectsNonLeader(t *testing.T) {
	shard := model.ShardGroup{Start: 0, End: 4}
	mgr, committee, signers := testCommittee(t, shard, 1, 3)
	leaf := model.LeafBlock{Epoch: 1, Height: 0}
	leader, err := mgr.LeaderForHeight(committee, leaf.Height+1)
	require.NoError(t, err)

	var notLeader ids.NodeID
	var notLeaderSigner bls.Signer
	for i, m := range committee.Members {
		if m.NodeID != leader {
			notLeader = m.NodeID
			notLeaderSigner = signers[i]
			break
		}
	}

	pl, forest, sender, tx := newHarness(t, shard)
	defer tx.Rollback()

	p := New(config.DefaultParameters, shard, notLeader, mgr, pl, forest, fakeExecutor{}, &fakeEvidence{}, notLeaderSigner, sender, nil, nolog.NoLog{})
	_, err = p.Propose(context.Background(), tx, leaf, nil, committee, nil, nil)
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestProposeGuardsAgainstDoubleProposal(t *testing.T) {
	shard := model.ShardGroup{Start: 0, End: 4}
	mgr, committee, signers := testCommittee(t, shard, 1, 3)
	leaf := model.LeafBlock{Epoch: 1, Height: 5}
	leader, err := mgr.LeaderForHeight(committee, leaf.Height+1)
	require.NoError(t, err)
	leaderIdx := 0
	for i, m := range committee.Members {
		if m.NodeID == leader {
			leaderIdx = i
		}
	}

	pl, forest, sender, tx := newHarness(t, shard)
	defer tx.Rollback()
	require.NoError(t, tx.SetLastProposed(model.LastProposed{Epoch: leaf.Epoch, Height: leaf.Height + 1}))

	p := New(config.DefaultParameters, shard, leader, mgr, pl, forest, fakeExecutor{}, &fakeEvidence{}, signers[leaderIdx], sender, nil, nolog.NoLog{})
	_, err = p.Propose(context.Background(), tx, leaf, nil, committee, nil, nil)
	require.ErrorIs(t, err, ErrAlreadyProposed)
}

func TestProposeBroadcastsForeignProposalForLocalPreparedCommand(t *testing.T) {
	local := model.ShardGroup{Start: 0, End: 4}
	foreign := model.ShardGroup{Start: 4, End: 8}
	mgr, committee, signers := testCommittee(t, local, 1, 3)
	_, foreignCommittee, _ := testCommittee(t, foreign, 1, 3)
	leaf := model.LeafBlock{Epoch: 1, Height: 0}
	leader, err := mgr.LeaderForHeight(committee, leaf.Height+1)
	require.NoError(t, err)
	leaderIdx := 0
	for i, m := range committee.Members {
		if m.NodeID == leader {
			leaderIdx = i
		}
	}

	pl, forest, sender, tx := newHarness(t, local)
	defer tx.Rollback()

	var txID ids.ID
	txID[0] = 9
	pl.InsertNew(txID, model.DecisionCommit, true)
	require.NoError(t, pl.SetNextStage(txID, model.StagePrepared, true))

	ev := model.Evidence{
		local:   model.ShardEvidence{OutputLocks: []model.VersionedSubstateID{{Address: model.SubstateAddress(ids.ID{1}), Version: 1}}},
		foreign: model.ShardEvidence{PreparedQC: &model.QcRef{Height: 1}},
	}

	p := New(config.DefaultParameters, local, leader, mgr, pl, forest, fakeExecutor{}, &fakeEvidence{byTx: map[ids.ID]model.Evidence{txID: ev}}, signers[leaderIdx], sender, nil, nolog.NoLog{})

	block, err := p.Propose(context.Background(), tx, leaf, nil, committee, map[model.ShardGroup]epoch.Committee{local: committee, foreign: foreignCommittee}, nil)
	require.NoError(t, err)
	require.Len(t, block.Commands, 1)
	require.Equal(t, model.CommandLocalPrepared, block.Commands[0].Variant)

	sent := sender.snapshot()
	require.Len(t, sent, 2)
	_, isProposal := sent[0].msg.(wire.Proposal)
	require.True(t, isProposal)
	foreignMsg, ok := sent[1].msg.(wire.ForeignProposal)
	require.True(t, ok)
	require.Equal(t, block.ID, foreignMsg.BlockID)
	require.Len(t, foreignMsg.Pledges, 1)
	require.Equal(t, txID, foreignMsg.Pledges[0].TransactionID)
	require.Len(t, foreignMsg.Pledges[0].Pledges, 1)
	require.Equal(t, model.PledgeOutput, foreignMsg.Pledges[0].Pledges[0].Variant)
}
