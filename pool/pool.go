// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pool implements the transaction pool stage machine (spec
// §4.2): New -> Prepared -> LocalPrepared -> AllPrepared -> Accepted ->
// (Committed | Aborted), with a pending stage a not-yet-locked block may
// propose ahead of the committed stage. It is grounded on a mempool
// package structure (a single mutex-guarded map keyed by id, an ordered
// iterator exposed as a method rather than a channel) adapted to this
// system's richer per-transaction record.
package pool

import (
	"errors"
	"sort"
	"sync"

	"github.com/luxfi/ids"

	"github.com/luxfi/shardbft/model"
)

// ErrUnknownTransaction is returned when an operation references a
// transaction id the pool has no record for.
var ErrUnknownTransaction = errors.New("pool: unknown transaction")

// ErrInvalidTransition is returned when a stage change does not advance
// exactly one step (spec §4.2 "any other transition is an error").
var ErrInvalidTransition = errors.New("pool: invalid stage transition")

// Pool holds every non-terminal transaction's pool record.
type Pool struct {
	mu      sync.RWMutex
	records map[ids.ID]*model.TransactionPoolRecord
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{records: make(map[ids.ID]*model.TransactionPoolRecord)}
}

// InsertNew registers a transaction at stage New. It is idempotent: a
// second call for the same id is a no-op (spec §4.2).
func (p *Pool) InsertNew(txID ids.ID, decision model.TxDecision, isReady bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[txID]; ok {
		return
	}
	p.records[txID] = &model.TransactionPoolRecord{
		TransactionID:    txID,
		CommittedStage:   model.StageNew,
		OriginalDecision: decision,
		LocalDecision:    decision,
		IsReady:          isReady,
	}
}

// SetNextStage advances txID's committed stage by exactly one step
// (spec §4.2). Terminal stages (Committed/Aborted) remove the record
// from the pool.
func (p *Pool) SetNextStage(txID ids.ID, stage model.TxStage, isReady bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[txID]
	if !ok {
		return ErrUnknownTransaction
	}
	if !model.CanAdvance(rec.CommittedStage, stage) {
		return ErrInvalidTransition
	}
	if stage.IsTerminal() {
		delete(p.records, txID)
		return nil
	}
	rec.CommittedStage = stage
	rec.IsReady = isReady
	return nil
}

// MarkReady flips a transaction's readiness flag without changing its
// stage, the move a foreign-evidence arrival makes once it satisfies the
// requirement for the stage the transaction already sits at (spec §4.8
// step 4; §9 "foreign pledge ordering" readiness gate).
func (p *Pool) MarkReady(txID ids.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[txID]
	if !ok {
		return ErrUnknownTransaction
	}
	rec.IsReady = true
	return nil
}

// AddPendingUpdate records a stage change proposed by blockID/height
// that becomes committed only once ConfirmAllTransitions is called for
// a block that becomes locked (spec §4.2, §9).
func (p *Pool) AddPendingUpdate(txID, blockID ids.ID, height uint64, stage model.TxStage, isReady bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[txID]
	if !ok {
		return ErrUnknownTransaction
	}
	rec.Pending = &model.PendingTransition{BlockID: blockID, Height: height, Stage: stage, IsReady: isReady}
	return nil
}

// Finalized reports a transaction whose pending transition resolved to
// a terminal stage when a block locked.
type Finalized struct {
	TransactionID ids.ID
	Decision      model.TxDecision
}

// ConfirmAllTransitions promotes every pending transition belonging to
// lockedBlock into the committed stage, clearing the pending slot, and
// returns every transaction that transitioned into a terminal stage as a
// result (spec §6.2 "transaction_finalized"). Transactions whose pending
// update belongs to a different block (a fork that lost) keep their
// prior committed stage untouched.
func (p *Pool) ConfirmAllTransitions(lockedBlock ids.ID) []Finalized {
	p.mu.Lock()
	defer p.mu.Unlock()
	var finalized []Finalized
	for txID, rec := range p.records {
		if rec.Pending == nil || rec.Pending.BlockID != lockedBlock {
			continue
		}
		if rec.Pending.Stage.IsTerminal() {
			decision := model.DecisionCommit
			if rec.Pending.Stage == model.StageAborted {
				decision = model.DecisionAbort
			}
			finalized = append(finalized, Finalized{TransactionID: txID, Decision: decision})
			delete(p.records, txID)
			continue
		}
		rec.CommittedStage = rec.Pending.Stage
		rec.IsReady = rec.Pending.IsReady
		rec.Pending = nil
	}
	return finalized
}

// DiscardPending drops a pending transition that belonged to a block
// which will never become locked (an abandoned fork).
func (p *Pool) DiscardPending(abandonedBlock ids.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		if rec.Pending != nil && rec.Pending.BlockID == abandonedBlock {
			rec.Pending = nil
		}
	}
}

// GetForBlocks returns the record for txID with the committed stage at
// from and any pending stage applied by blocks on the path (from, to]
// (spec §4.2). Pool stages are tracked per transaction rather than per
// block path, so this returns the record as it would appear once height
// `to` is reached: the pending transition if its block height falls in
// (from, to], else the plain committed stage.
func (p *Pool) GetForBlocks(from, to uint64, txID ids.ID) (model.TransactionPoolRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[txID]
	if !ok {
		return model.TransactionPoolRecord{}, ErrUnknownTransaction
	}
	out := *rec
	if rec.Pending != nil {
		h := rec.Pending.Height
		if h <= from || h > to {
			out.Pending = nil
		}
	}
	return out, nil
}

// Get returns the current record for txID.
func (p *Pool) Get(txID ids.ID) (model.TransactionPoolRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[txID]
	if !ok {
		return model.TransactionPoolRecord{}, false
	}
	return *rec, true
}

// Len returns the number of non-terminal transactions tracked.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}

// Ready returns every ready transaction id not already included in
// excluded (an ancestor's command set), sorted by (stage descending,
// transaction id ascending) so every leader proposes the same order
// (spec §4.2).
func (p *Pool) Ready(excluded map[ids.ID]bool) []model.TransactionPoolRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]model.TransactionPoolRecord, 0, len(p.records))
	for txID, rec := range p.records {
		if excluded[txID] || !rec.IsReady {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].CommittedStage, out[j].CommittedStage
		if si != sj {
			return si > sj
		}
		return idLess(out[i].TransactionID, out[j].TransactionID)
	})
	return out
}

func idLess(a, b ids.ID) bool {
	ab, bb := a[:], b[:]
	for i := range ab {
		if ab[i] != bb[i] {
			return ab[i] < bb[i]
		}
	}
	return false
}
