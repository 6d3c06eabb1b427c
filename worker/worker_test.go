// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/shardbft/config"
	"github.com/luxfi/shardbft/crypto/bls"
	"github.com/luxfi/shardbft/epoch"
	"github.com/luxfi/shardbft/executor"
	"github.com/luxfi/shardbft/foreign"
	nolog "github.com/luxfi/shardbft/log"
	"github.com/luxfi/shardbft/model"
	"github.com/luxfi/shardbft/onreceive"
	"github.com/luxfi/shardbft/pacemaker"
	"github.com/luxfi/shardbft/pool"
	"github.com/luxfi/shardbft/proposer"
	"github.com/luxfi/shardbft/statetree"
	"github.com/luxfi/shardbft/store"
	"github.com/luxfi/shardbft/wire"
)

func TestLifecycleTransitionTable(t *testing.T) {
	cases := []struct {
		from Event
		cur  State
		want State
		ok   bool
	}{
		{EvRegisteredForEpoch, StateIdle, StateCheckSync, true},
		{EvListenerMode, StateIdle, StateCheckSync, true},
		{EvNeedSync, StateCheckSync, StateSyncing, true},
		{EvReady, StateCheckSync, StateRunning, true},
		{EvSyncComplete, StateSyncing, StateRunning, true},
		{EvNeedSync, StateRunning, StateCheckSync, true},
		{EvNotRegisteredForEpoch, StateRunning, StateIdle, true},
		{EvResume, StateSleeping, StateIdle, true},
		{EvFailure, StateIdle, StateSleeping, true},
		{EvFailure, StateRunning, StateSleeping, true},
		{EvFailure, StateSyncing, StateSleeping, true},
		{EvShutdown, StateIdle, StateTerminal, true},
		{EvShutdown, StateRunning, StateTerminal, true},
		{EvShutdown, StateSleeping, StateTerminal, true},
		// irrelevant events are ignored, not errors
		{EvReady, StateIdle, StateIdle, false},
		{EvNeedSync, StateIdle, StateIdle, false},
		{EvResume, StateRunning, StateRunning, false},
	}
	for _, c := range cases {
		got, ok := nextState(c.cur, c.from)
		require.Equal(t, c.ok, ok, "event %d from %s", c.from, c.cur)
		if ok {
			require.Equal(t, c.want, got)
		}
	}
}

func TestNothingTransitionsOutOfTerminal(t *testing.T) {
	for ev := EvRegisteredForEpoch; ev <= EvShutdown; ev++ {
		_, ok := nextState(StateTerminal, ev)
		require.False(t, ok)
	}
}

type fakeSyncer struct {
	mu       sync.Mutex
	needSync bool
	remote   uint64
	checkErr error
	syncErr  error
}

func (f *fakeSyncer) CheckSync(context.Context) (bool, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.needSync, f.remote, f.checkErr
}

func (f *fakeSyncer) Sync(context.Context, uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncErr
}

func (f *fakeSyncer) setCheckErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkErr = err
}

type fakeEvidence struct{}

func (fakeEvidence) Evidence(context.Context, ids.ID) (model.Evidence, error) {
	return model.Evidence{}, nil
}

type fakeExecutor struct{}

func (fakeExecutor) Execute(context.Context, ids.ID, []model.SubstatePledge) (executor.Result, error) {
	return executor.Result{Decision: model.DecisionCommit}, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent int
}

func (f *fakeSender) Send(context.Context, ids.NodeID, any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return nil
}
func (f *fakeSender) Broadcast(context.Context, []ids.NodeID, any) error { return nil }
func (f *fakeSender) Gossip(context.Context, string, any) error          { return nil }

func testHarness(t *testing.T) (*Worker, *fakeSyncer) {
	t.Helper()
	shard := model.ShardGroup{Start: 0, End: 4}
	mgr := epoch.NewStaticManager()

	members := make([]epoch.Member, 3)
	var nodeID ids.NodeID
	for i := range members {
		s := bls.MustTestSigner()
		var id ids.NodeID
		id[0] = byte(i + 1)
		members[i] = epoch.Member{NodeID: id, PublicKey: s.PublicKey(), Weight: 1}
		if i == 0 {
			nodeID = id
		}
	}
	mgr.SetCommittee(shard, 1, members)

	params := config.DefaultParameters
	params.MissingFetchBackoff = 2 * time.Millisecond

	pl := pool.New()
	forest := statetree.NewPendingForest(map[model.ShardID]statetree.ShardTree{shard.Start: {Shard: shard.Start}})
	st := store.NewMemStore()
	sender := &fakeSender{}
	pm := pacemaker.New(params, nil, nolog.NoLog{})

	signer := bls.MustTestSigner()
	receiver := onreceive.New(params, shard, nodeID, mgr, pl, forest, pm, signer, sender, nil, nolog.NoLog{})
	prop := proposer.New(params, shard, nodeID, mgr, pl, forest, fakeExecutor{}, fakeEvidence{}, signer, sender, nil, nolog.NoLog{})
	foreignR := foreign.New(shard, mgr, pl, nil, nolog.NoLog{})
	voteAgg := onreceive.NewVoteAggregator(params)
	syncer := &fakeSyncer{}

	w := New(params, shard, nodeID, mgr, st, pl, receiver, prop, foreignR, voteAgg, pm, syncer, nil, nil, nolog.NoLog{})
	pm.SetEvents(w)
	w.SetSleepDuration(func() time.Duration { return 2 * time.Millisecond })

	return w, syncer
}

func waitForState(t *testing.T, w *Worker, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if w.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, currently %s", want, w.State())
}

func TestWorkerReachesRunningWhenAlreadySynced(t *testing.T) {
	w, _ := testHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.RegisterForEpoch()
	waitForState(t, w, StateRunning, time.Second)
}

func TestWorkerRoutesThroughSyncingWhenBehind(t *testing.T) {
	w, syncer := testHarness(t)
	syncer.mu.Lock()
	syncer.needSync = true
	syncer.remote = 10
	syncer.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.RegisterForEpoch()
	waitForState(t, w, StateSyncing, time.Second)
	waitForState(t, w, StateRunning, time.Second)
}

func TestWorkerFailureSleepsThenResumesToIdle(t *testing.T) {
	w, syncer := testHarness(t)
	syncer.setCheckErr(errors.New("boom"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.RegisterForEpoch()
	waitForState(t, w, StateSleeping, time.Second)
	waitForState(t, w, StateIdle, time.Second)
	require.Error(t, w.LastError())
}

func TestWorkerDeregisterReturnsToIdle(t *testing.T) {
	w, _ := testHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.RegisterForEpoch()
	waitForState(t, w, StateRunning, time.Second)

	w.Deregister()
	waitForState(t, w, StateIdle, time.Second)
}

func TestWorkerShutdownEndsRunLoop(t *testing.T) {
	w, _ := testHarness(t)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	w.Shutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	require.Equal(t, StateTerminal, w.State())
}

func TestHandleProposalIgnoredOutsideRunning(t *testing.T) {
	w, _ := testHarness(t)
	require.Equal(t, StateIdle, w.State())

	err := w.HandleProposal(context.Background(), ids.NodeID{}, wire.Proposal{Block: model.Block{}})
	require.NoError(t, err)
}
