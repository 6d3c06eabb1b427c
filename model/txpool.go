// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package model

import "github.com/luxfi/ids"

// TxStage is a transaction pool record's position in the BFT stage
// machine: New -> Prepared -> LocalPrepared -> AllPrepared -> Accepted ->
// (Committed | Aborted).
type TxStage uint8

const (
	StageNew TxStage = iota
	StagePrepared
	StageLocalPrepared
	StageAllPrepared
	StageAccepted
	StageCommitted
	StageAborted
)

func (s TxStage) String() string {
	switch s {
	case StageNew:
		return "New"
	case StagePrepared:
		return "Prepared"
	case StageLocalPrepared:
		return "LocalPrepared"
	case StageAllPrepared:
		return "AllPrepared"
	case StageAccepted:
		return "Accepted"
	case StageCommitted:
		return "Committed"
	case StageAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the stage removes the record from the pool.
func (s TxStage) IsTerminal() bool {
	return s == StageCommitted || s == StageAborted
}

// nextStage returns the single legal successor of s, or false if s has no
// successor reachable via set_next_stage (a terminal stage, or a stage
// reached only via add_pending_update's Commit/Abort outcome which is
// validated separately against the transaction's decision).
func nextStage(s TxStage) (TxStage, bool) {
	switch s {
	case StageNew:
		return StagePrepared, true
	case StagePrepared:
		return StageLocalPrepared, true
	case StageLocalPrepared:
		return StageAllPrepared, true
	case StageAllPrepared:
		return StageAccepted, true
	default:
		return s, false
	}
}

// CanAdvance reports whether the pool invariant (spec §8 property 5)
// permits moving from `from` to `to` in one call to set_next_stage.
func CanAdvance(from, to TxStage) bool {
	if to == StageCommitted || to == StageAborted {
		return from == StageAccepted
	}
	next, ok := nextStage(from)
	return ok && next == to
}

// TxDecision is the outcome a transaction resolves to.
type TxDecision uint8

const (
	DecisionCommit TxDecision = iota
	DecisionAbort
)

func (d TxDecision) String() string {
	if d == DecisionCommit {
		return "Commit"
	}
	return "Abort"
}

// PendingTransition records a stage change proposed by a not-yet-committed
// block; it only becomes the committed stage once confirm_all_transitions
// is invoked for a block that becomes locked (spec §4.2, §9).
type PendingTransition struct {
	BlockID ids.ID
	Height  uint64
	Stage   TxStage
	IsReady bool
}

// TransactionPoolRecord is a transaction's position in the BFT stage
// machine, with an optional pending update not yet confirmed by locking.
type TransactionPoolRecord struct {
	TransactionID    ids.ID
	CommittedStage   TxStage
	Pending          *PendingTransition
	OriginalDecision TxDecision
	LocalDecision    TxDecision
	RemoteDecision   *TxDecision
	IsReady          bool
}

// StageAt returns the stage this record is effectively at for a block
// height h, given the committed stage and any still-pending update: the
// pending stage only applies once h is at or after the block that set it.
func (r TransactionPoolRecord) StageAt(h uint64) TxStage {
	if r.Pending != nil && h >= r.Pending.Height {
		return r.Pending.Stage
	}
	return r.CommittedStage
}
