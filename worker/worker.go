// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package worker drives one replica's lifecycle across registration,
// sync, and consensus participation (spec §4.9). It is grounded on a
// chain state machine shape (consensus/beam engine states bootstrap ->
// normal-ops -> state-syncing, driven by an event channel rather than a
// context switch per transition) adapted to this system's five-state
// cycle: Idle, CheckSync, Syncing, Running, Sleeping.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/ids"
	luxlog "github.com/luxfi/log"

	"github.com/luxfi/shardbft/blockvalidator"
	"github.com/luxfi/shardbft/config"
	"github.com/luxfi/shardbft/epoch"
	"github.com/luxfi/shardbft/foreign"
	"github.com/luxfi/shardbft/metrics"
	"github.com/luxfi/shardbft/model"
	"github.com/luxfi/shardbft/net"
	"github.com/luxfi/shardbft/onreceive"
	"github.com/luxfi/shardbft/pacemaker"
	"github.com/luxfi/shardbft/pool"
	"github.com/luxfi/shardbft/proposer"
	"github.com/luxfi/shardbft/store"
	"github.com/luxfi/shardbft/wire"
)

// State is one node of the lifecycle's state machine (spec §4.9).
type State uint8

const (
	StateIdle State = iota
	StateCheckSync
	StateSyncing
	StateRunning
	StateSleeping
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCheckSync:
		return "CheckSync"
	case StateSyncing:
		return "Syncing"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

// Event drives a lifecycle transition, posted either by the host
// application (RegisteredForEpoch, ListenerMode, Shutdown) or by the
// worker's own state actions (NeedSync, Ready, SyncComplete, Failure,
// Resume, NotRegisteredForEpoch).
type Event uint8

const (
	EvRegisteredForEpoch Event = iota
	EvListenerMode
	EvNeedSync
	EvReady
	EvSyncComplete
	EvNotRegisteredForEpoch
	EvFailure
	EvResume
	EvShutdown
)

// Mode distinguishes a validator replica (votes and, when leader,
// proposes) from a listener (observes the chain without participating
// in consensus), both of which follow the same lifecycle (spec §4.9
// "Idle + RegisteredForEpoch" / "Idle + ListenerMode").
type Mode uint8

const (
	ModeValidator Mode = iota
	ModeListener
)

// nextState implements the transition table of spec §4.9. Failure and
// Shutdown are accepted from every non-terminal state; every other
// event is only valid from the state the table lists it against, and an
// event that does not apply to the current state is ignored rather than
// treated as an error, mirroring the pacemaker's tolerance of a stale
// reset request.
func nextState(cur State, ev Event) (State, bool) {
	if cur == StateTerminal {
		return cur, false
	}
	switch ev {
	case EvShutdown:
		return StateTerminal, true
	case EvFailure:
		return StateSleeping, true
	}
	switch cur {
	case StateIdle:
		switch ev {
		case EvRegisteredForEpoch, EvListenerMode:
			return StateCheckSync, true
		}
	case StateCheckSync:
		switch ev {
		case EvNeedSync:
			return StateSyncing, true
		case EvReady:
			return StateRunning, true
		}
	case StateSyncing:
		if ev == EvSyncComplete {
			return StateRunning, true
		}
	case StateRunning:
		switch ev {
		case EvNeedSync:
			return StateCheckSync, true
		case EvNotRegisteredForEpoch:
			return StateIdle, true
		}
	case StateSleeping:
		if ev == EvResume {
			return StateIdle, true
		}
	}
	return cur, false
}

// Syncer catches a replica up to the rest of its committee (spec §4.9
// "Syncing"). A host application implements it against net.Sender and
// wire.SyncRequest/SyncResponse; the worker only calls it by interface,
// never assuming a transport.
type Syncer interface {
	// CheckSync reports whether this replica trails the network and, if
	// so, the height it should catch up to.
	CheckSync(ctx context.Context) (needSync bool, remoteHeight uint64, err error)
	// Sync fetches and applies every block up to remoteHeight.
	Sync(ctx context.Context, remoteHeight uint64) error
}

// EventSink receives the events a worker emits to its host application
// (spec §6.2): wire.BlockCommitted, wire.TransactionFinalized,
// wire.LeaderTimedOut, wire.NeedsSync.
type EventSink interface {
	Emit(event any)
}

// Worker owns one replica's lifecycle state machine plus the wiring
// between its pacemaker, proposer, and inbound message pipelines. A
// single Worker instance runs one shard's committee membership; a node
// sitting on multiple shards runs one Worker per shard.
type Worker struct {
	params   config.Parameters
	local    model.ShardGroup
	nodeID   ids.NodeID
	epochMgr epoch.Manager
	st       store.Store
	pool     *pool.Pool

	receiver *onreceive.Receiver
	propose  *proposer.Proposer
	foreignR *foreign.Receiver
	voteAgg  *onreceive.VoteAggregator
	pm       *pacemaker.Pacemaker

	syncer            Syncer
	sink              EventSink
	sender            net.Sender
	haveTransaction   func(ids.ID) bool
	knownForeignIndex blockvalidator.KnownForeignIndex
	foreignCommittees func() map[model.ShardGroup]epoch.Committee

	metrics *metrics.Metrics
	log     luxlog.Logger

	mu        sync.Mutex
	state     State
	mode      Mode
	committee epoch.Committee
	lastErr   error

	events       chan Event
	stageCancel  context.CancelFunc
	pendingSync  uint64
	sleepUntilFn func() time.Duration
}

// New builds a Worker in StateIdle. Run must be called to start its
// event loop.
//
// pm must already exist so onreceive.Receiver and proposer.Proposer can
// be constructed against it, but its Events target (this Worker) cannot
// exist until pm does: build pm with a nil Events, construct the
// receiver/proposer/worker against it, then call pm.SetEvents(worker)
// before Run starts either loop.
func New(
	params config.Parameters,
	local model.ShardGroup,
	nodeID ids.NodeID,
	epochMgr epoch.Manager,
	st store.Store,
	pl *pool.Pool,
	receiver *onreceive.Receiver,
	propose *proposer.Proposer,
	foreignR *foreign.Receiver,
	voteAgg *onreceive.VoteAggregator,
	pm *pacemaker.Pacemaker,
	syncer Syncer,
	sink EventSink,
	m *metrics.Metrics,
	logger luxlog.Logger,
) *Worker {
	return &Worker{
		params:            params,
		local:             local,
		nodeID:            nodeID,
		epochMgr:          epochMgr,
		st:                st,
		pool:              pl,
		receiver:          receiver,
		propose:           propose,
		foreignR:          foreignR,
		voteAgg:           voteAgg,
		pm:                pm,
		syncer:            syncer,
		sink:              sink,
		haveTransaction:   func(ids.ID) bool { return true },
		knownForeignIndex: func(model.ShardGroup, uint64) bool { return true },
		foreignCommittees: func() map[model.ShardGroup]epoch.Committee { return nil },
		metrics:           m,
		log:               logger,
		state:             StateIdle,
		events:            make(chan Event, 32),
		sleepUntilFn:      func() time.Duration { return params.MissingFetchBackoff },
	}
}

// SetHaveTransaction overrides the default "every transaction is known"
// predicate ReceiveProposal uses to decide whether to park a block.
func (w *Worker) SetHaveTransaction(fn func(ids.ID) bool) { w.haveTransaction = fn }

// SetKnownForeignIndex overrides the default "every foreign index is
// known" predicate blockvalidator.Validate uses for check 7.
func (w *Worker) SetKnownForeignIndex(fn blockvalidator.KnownForeignIndex) { w.knownForeignIndex = fn }

// SetForeignCommittees overrides the resolver the proposer consults for
// the committees of shards its commands touch.
func (w *Worker) SetForeignCommittees(fn func() map[model.ShardGroup]epoch.Committee) {
	w.foreignCommittees = fn
}

// SetSender wires outbound delivery for replies the worker issues
// outside the proposer/receiver pipelines, currently HandleSyncRequest's
// SyncResponse.
func (w *Worker) SetSender(sender net.Sender) { w.sender = sender }

// SetSleepDuration overrides how long the Sleeping stage waits before
// posting Resume. Defaults to params.MissingFetchBackoff; tests override
// it to avoid waiting out the real retry delay.
func (w *Worker) SetSleepDuration(fn func() time.Duration) { w.sleepUntilFn = fn }

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// RegisterForEpoch signals that this replica holds a committee seat and
// should progress from Idle into sync checking as a voting participant.
func (w *Worker) RegisterForEpoch() { w.Post(EvRegisteredForEpoch) }

// SetListenerMode signals that this replica should follow the chain
// without voting or proposing.
func (w *Worker) SetListenerMode() { w.Post(EvListenerMode) }

// Deregister signals that this replica no longer holds a seat, dropping
// a Running worker back to Idle.
func (w *Worker) Deregister() { w.Post(EvNotRegisteredForEpoch) }

// Shutdown requests a terminal transition; Run returns once it takes
// effect.
func (w *Worker) Shutdown() { w.Post(EvShutdown) }

// Post enqueues ev for the next Run loop iteration. Safe to call
// concurrently, including from within a Handle* callback.
func (w *Worker) Post(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.log.Warn("worker event queue full, dropping event", "event", ev)
	}
}

// LastError returns the error that most recently drove a transition
// into Sleeping, or nil.
func (w *Worker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Run executes the lifecycle loop until ctx is canceled or Shutdown
// takes effect. It must be called exactly once.
func (w *Worker) Run(ctx context.Context) {
	w.enter(ctx, StateIdle)
	for {
		select {
		case <-ctx.Done():
			w.cancelStage()
			return
		case ev := <-w.events:
			w.mu.Lock()
			cur := w.state
			w.mu.Unlock()
			next, ok := nextState(cur, ev)
			if !ok {
				w.log.Debug("ignored lifecycle event", "state", cur.String(), "event", ev)
				continue
			}
			w.mu.Lock()
			w.state = next
			if ev == EvRegisteredForEpoch {
				w.mode = ModeValidator
			} else if ev == EvListenerMode {
				w.mode = ModeListener
			}
			w.mu.Unlock()
			w.cancelStage()
			w.enter(ctx, next)
			if next == StateTerminal {
				return
			}
		}
	}
}

func (w *Worker) cancelStage() {
	w.mu.Lock()
	cancel := w.stageCancel
	w.stageCancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// enter starts the action associated with entering s, recording a
// cancel func for long-running stages (Running, Sleeping) so a later
// transition away can stop them (spec §4.9 "Suspension points").
func (w *Worker) enter(ctx context.Context, s State) {
	stageCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.stageCancel = cancel
	w.mu.Unlock()

	switch s {
	case StateIdle:
		cancel()
	case StateCheckSync:
		go w.runCheckSync(stageCtx)
	case StateSyncing:
		go w.runSyncing(stageCtx)
	case StateRunning:
		go w.runRunning(stageCtx)
	case StateSleeping:
		go w.runSleeping(stageCtx)
	case StateTerminal:
		cancel()
	}
}

func (w *Worker) runCheckSync(ctx context.Context) {
	if w.syncer == nil {
		w.Post(EvReady)
		return
	}
	needSync, remote, err := w.syncer.CheckSync(ctx)
	if err != nil {
		w.postFailure(err)
		return
	}
	if needSync {
		w.mu.Lock()
		w.pendingSync = remote
		w.mu.Unlock()
		w.Post(EvNeedSync)
		return
	}
	w.Post(EvReady)
}

func (w *Worker) runSyncing(ctx context.Context) {
	w.mu.Lock()
	target := w.pendingSync
	w.mu.Unlock()
	if err := w.syncer.Sync(ctx, target); err != nil {
		w.postFailure(err)
		return
	}
	w.Post(EvSyncComplete)
}

// runRunning resolves this replica's current committee and starts the
// pacemaker for as long as the stage remains active; a transition away
// from Running cancels ctx, stopping both.
func (w *Worker) runRunning(ctx context.Context) {
	epochNo := w.epochMgr.CurrentEpoch()
	committee, err := w.epochMgr.CommitteeForEpoch(w.local, epochNo)
	if err != nil {
		w.postFailure(err)
		return
	}
	w.mu.Lock()
	w.committee = committee
	w.mu.Unlock()

	if w.pm != nil {
		highQcHeight := uint64(0)
		leafHeight := uint64(0)
		if tx, err := w.st.BeginRead(ctx); err == nil {
			if hq, err := tx.GetHighQc(epochNo); err == nil && hq != nil {
				highQcHeight = hq.Height
			}
			if lf, err := tx.GetLeaf(epochNo); err == nil && lf != nil {
				leafHeight = lf.Height
			}
			tx.Close()
		}
		w.pm.Reset(leafHeight, highQcHeight)
		go w.pm.Run(ctx)
	}
	<-ctx.Done()
}

func (w *Worker) runSleeping(ctx context.Context) {
	delay := w.params.MissingFetchBackoff
	if w.sleepUntilFn != nil {
		delay = w.sleepUntilFn()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		w.Post(EvResume)
	}
}

func (w *Worker) postFailure(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	w.log.Error("worker stage failed", "error", err)
	w.Post(EvFailure)
}

func (w *Worker) emit(event any) {
	if w.sink != nil {
		w.sink.Emit(event)
	}
}

// --- pacemaker.Events ---

// OnLeaderTimeout emits LeaderTimedOut and, if this replica is a
// validator, runs tryPropose: a proposal on top of the current leaf,
// which is empty when the pool holds no ready commands (spec §4.4, §4.9).
func (w *Worker) OnLeaderTimeout(height uint64) {
	if w.metrics != nil {
		w.metrics.PacemakerTimeout()
	}
	w.emit(wire.LeaderTimedOut{Height: height})
	w.tryPropose()
}

// OnForceBeat attempts to propose an empty-block heartbeat when this
// replica is the resolved leader and the pool is otherwise idle (spec
// §4.4).
func (w *Worker) OnForceBeat() {
	w.tryPropose()
}

// tryPropose resolves this replica's leadership for the next height and,
// if it holds it, runs the proposer pipeline inside its own store
// transaction. Non-leaders and listeners are no-ops.
func (w *Worker) tryPropose() {
	w.mu.Lock()
	mode := w.mode
	committee := w.committee
	w.mu.Unlock()
	if mode != ModeValidator || w.propose == nil {
		return
	}

	ctx := context.Background()
	tx, err := w.st.BeginWrite(ctx)
	if err != nil {
		w.log.Error("worker: begin propose transaction", "error", err)
		return
	}
	defer tx.Rollback()

	leaf, err := tx.GetLeaf(w.epochMgr.CurrentEpoch())
	if err != nil {
		return
	}
	var leafVal model.LeafBlock
	if leaf != nil {
		leafVal = *leaf
	}
	var justify *model.QuorumCertificate
	if hq, err := tx.GetHighQc(w.epochMgr.CurrentEpoch()); err == nil && hq != nil {
		if cert, err := tx.GetQc(hq.QcID); err == nil {
			justify = cert
		}
	}

	block, err := w.propose.Propose(ctx, tx, leafVal, justify, committee, w.foreignCommittees(), nil)
	if err != nil {
		if err != proposer.ErrNotLeader && err != proposer.ErrAlreadyProposed {
			w.log.Debug("worker: propose failed", "error", err)
		}
		return
	}
	if err := tx.Commit(); err != nil {
		w.log.Error("worker: commit proposed block", "error", err)
		return
	}
	_ = block
}

// --- net.Handler ---

var _ net.Handler = (*Worker)(nil)
var _ pacemaker.Events = (*Worker)(nil)

// HandleProposal runs spec §4.6 against an inbound block while Running;
// it is ignored in every other lifecycle state, mirroring the pacemaker's
// tolerance of events that do not apply to the current suspension point.
func (w *Worker) HandleProposal(ctx context.Context, from ids.NodeID, msg wire.Proposal) error {
	if w.State() != StateRunning {
		return nil
	}
	w.mu.Lock()
	committee := w.committee
	w.mu.Unlock()

	tx, err := w.st.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	block := msg.Block
	outcome, err := w.receiver.ReceiveProposal(ctx, tx, &block, committee, w.knownForeignIndex, w.haveTransaction)
	if err != nil {
		w.postFailure(err)
		return err
	}

	if outcome.Parked && outcome.MissingAncestor != nil {
		local := uint64(0)
		if lf, lerr := tx.GetLeaf(block.Epoch); lerr == nil && lf != nil {
			local = lf.Height
		}
		w.emit(wire.NeedsSync{Local: local, Remote: block.Height})
		w.Post(EvNeedSync)
	}

	if err := tx.Commit(); err != nil {
		w.postFailure(err)
		return err
	}

	for _, id := range outcome.CommittedBlockIDs {
		w.announceCommit(ctx, id)
	}
	if outcome.Voted && w.voteAgg != nil {
		for _, replay := range w.voteAgg.TakeBuffered(block.ID) {
			_ = w.HandleVote(ctx, replay.Signer, replay)
		}
	}
	return nil
}

func (w *Worker) announceCommit(ctx context.Context, blockID ids.ID) {
	tx, err := w.st.BeginRead(ctx)
	if err != nil {
		return
	}
	defer tx.Close()
	b, err := tx.GetBlock(blockID)
	if err != nil {
		return
	}
	w.emit(wire.BlockCommitted{BlockID: blockID, Height: b.Height})
}

// HandleForeignProposal runs spec §4.8 against an inbound pledge
// exchange message while Running.
func (w *Worker) HandleForeignProposal(ctx context.Context, from ids.NodeID, msg wire.ForeignProposal) error {
	if w.State() != StateRunning || w.foreignR == nil {
		return nil
	}
	foreignCommittee, ok := w.foreignCommittees()[msg.ShardGroup]
	if !ok {
		var err error
		foreignCommittee, err = w.epochMgr.CommitteeForEpoch(msg.ShardGroup, w.epochMgr.CurrentEpoch())
		if err != nil {
			return err
		}
	}

	tx, err := w.st.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	outcome, err := w.foreignR.ReceiveForeignProposal(ctx, tx, msg, foreignCommittee)
	if err != nil {
		w.postFailure(err)
		return err
	}
	if err := tx.Commit(); err != nil {
		w.postFailure(err)
		return err
	}
	if len(outcome.PromotedTransactionIDs) > 0 {
		w.tryPropose()
	}
	return nil
}

// HandleVote runs spec §4.7 against an inbound vote while Running.
func (w *Worker) HandleVote(ctx context.Context, from ids.NodeID, msg wire.Vote) error {
	if w.State() != StateRunning || w.voteAgg == nil {
		return nil
	}
	w.mu.Lock()
	committee := w.committee
	w.mu.Unlock()

	tx, err := w.st.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cert, err := w.receiver.ReceiveVote(ctx, tx, w.voteAgg, msg, committee)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		w.postFailure(err)
		return err
	}
	if cert != nil {
		w.tryPropose()
	}
	return nil
}

// HandleMissingTransactionsRequest is answered by whichever component
// owns the transaction body cache; a worker with no such wiring declines
// silently rather than erroring the caller.
func (w *Worker) HandleMissingTransactionsRequest(ctx context.Context, from ids.NodeID, msg wire.MissingTransactionsRequest) error {
	return nil
}

// HandleMissingTransactionsResponse is a no-op placeholder for a host
// application that does not wire a transaction body cache into this
// worker.
func (w *Worker) HandleMissingTransactionsResponse(ctx context.Context, from ids.NodeID, msg wire.MissingTransactionsResponse) error {
	return nil
}

// HandleSyncRequest answers with every committed block after
// FromHeight, the network-facing half of the Syncer a peer drives
// against this replica.
func (w *Worker) HandleSyncRequest(ctx context.Context, from ids.NodeID, msg wire.SyncRequest) error {
	tx, err := w.st.BeginRead(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()

	epochNo := w.epochMgr.CurrentEpoch()
	last, err := tx.GetLastExecuted(epochNo)
	if err != nil || last == nil {
		return nil
	}

	var blocks []model.Block
	var qcs []model.QuorumCertificate
	for h := msg.FromHeight + 1; h <= last.Height; h++ {
		b, err := tx.GetBlockByHeight(epochNo, h)
		if err != nil {
			break
		}
		blocks = append(blocks, *b)
		if cert, err := tx.GetQcForBlock(b.ID); err == nil && cert != nil {
			qcs = append(qcs, *cert)
		}
	}

	if w.sender == nil {
		return nil
	}
	return w.sender.Send(ctx, from, wire.SyncResponse{Responder: w.nodeID, Blocks: blocks, Qcs: qcs})
}

// HandleSyncResponse is a no-op placeholder; an injected Syncer owns
// applying a sync response and signaling EvSyncComplete via Post.
func (w *Worker) HandleSyncResponse(ctx context.Context, from ids.NodeID, msg wire.SyncResponse) error {
	return nil
}
