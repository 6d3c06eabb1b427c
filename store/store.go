// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store defines the persisted layout of spec §6.3: blocks,
// quorum certificates, parked blocks, transactions, the transaction pool
// and its history, substates and their locks, pending state-tree diffs,
// the bookkeeping singletons, foreign proposals/counters, and votes.
//
// The state store exclusively owns all persisted records (spec §3
// Ownership). Consensus components borrow a ReadTx for validation and
// acquire a single WriteTx to commit all effects of processing one
// inbound block or vote atomically (spec §5 Concurrency).
package store

import (
	"context"
	"errors"

	"github.com/luxfi/ids"

	"github.com/luxfi/shardbft/model"
)

// ErrReadOnly is returned when a write method is called against a ReadTx.
var ErrReadOnly = errors.New("store: transaction is read-only")

// ErrAlreadyCommitted is returned when Commit is called on a transaction
// that is already closed. Rollback returns no error.
var ErrAlreadyCommitted = errors.New("store: transaction already closed")

// ReadTx is a read-only snapshot over the store, valid for the lifetime of
// the call that opened it.
type ReadTx interface {
	GetBlock(id ids.ID) (*model.Block, error)
	GetBlockByHeight(epoch, height uint64) (*model.Block, error)
	GetQc(id ids.ID) (*model.QuorumCertificate, error)
	GetQcForBlock(blockID ids.ID) (*model.QuorumCertificate, error)

	GetHighQc(epoch uint64) (*model.HighQc, error)
	GetLocked(epoch uint64) (*model.LockedBlock, error)
	GetLeaf(epoch uint64) (*model.LeafBlock, error)
	GetLastVoted(epoch uint64) (*model.LastVoted, error)
	GetLastProposed(epoch uint64) (*model.LastProposed, error)
	GetLastSentVote(epoch uint64) (*model.LastSentVote, error)
	GetLastExecuted(epoch uint64) (*model.LastExecuted, error)

	GetPoolRecord(txID ids.ID) (*model.TransactionPoolRecord, error)
	HasPoolRecord(txID ids.ID) bool

	GetParked(blockID ids.ID) (*ParkedBlock, error)

	GetForeignCounter(key model.ForeignCounterKey) (uint64, error)

	GetEvidence(txID ids.ID) (model.Evidence, error)

	GetPendingDiffs(shard model.ShardID) ([]StateDiff, error)

	Close()
}

// WriteTx extends ReadTx with the mutations needed to process one inbound
// block or vote. All writes made through a WriteTx become visible
// atomically on Commit, or are discarded entirely on Rollback (spec §4.6:
// "on any error, the whole transaction is rolled back leaving state
// unchanged").
type WriteTx interface {
	ReadTx

	PutBlock(b *model.Block) error
	PutQc(qc *model.QuorumCertificate) error

	SetHighQc(hq model.HighQc) error
	SetLocked(lb model.LockedBlock) error
	SetLeaf(lf model.LeafBlock) error
	SetLastVoted(lv model.LastVoted) error
	SetLastProposed(lp model.LastProposed) error
	SetLastSentVote(lsv model.LastSentVote) error
	SetLastExecuted(le model.LastExecuted) error

	PutPoolRecord(r *model.TransactionPoolRecord) error
	DeletePoolRecord(txID ids.ID) error

	ParkBlock(p ParkedBlock) error
	UnparkBlock(blockID ids.ID) error

	IncrementForeignCounter(key model.ForeignCounterKey) (uint64, error)

	// MergeEvidence folds a foreign shard's pledge-derived evidence into
	// the evidence accumulated so far for txID (spec §4.8 steps 3-4),
	// refusing to let a recorded QC regress (model.Evidence.Merge).
	MergeEvidence(txID ids.ID, shard model.ShardGroup, ev model.ShardEvidence) error

	AppendPendingDiff(shard model.ShardID, diff StateDiff) error
	FlushPendingDiffs(shard model.ShardID, upToVersion uint64) error
	DropPendingDiffs(shard model.ShardID, blockID ids.ID) error

	Commit() error
	Rollback()
}

// ParkedBlock is a block whose justify references an unknown ancestor, or
// whose commands reference unknown transactions, awaiting a bounded number
// of fetch attempts before being dropped (spec §7 "Network" error kind;
// SPEC_FULL.md "Supplemented features").
type ParkedBlock struct {
	Block       *model.Block
	Reason      string
	Attempts    int
	MaxAttempts int
}

// StateDiff is a single version-ordered mutation pending against a
// shard's Merkle tree, not yet flushed to the committed tree (spec §4.1,
// §9 "State tree diff pending across uncommitted blocks").
type StateDiff struct {
	BlockID     ids.ID
	Shard       model.ShardID
	FromVersion uint64
	ToVersion   uint64
	RootAfter   ids.ID
	Creates     []model.VersionedSubstateID
	Destroys    []model.VersionedSubstateID
}

// Store is the top-level handle consensus components are constructed
// with. Writes to a single persisted singleton are serialized behind the
// store's write lock; readers operate concurrently on snapshots (spec §5).
type Store interface {
	BeginRead(ctx context.Context) (ReadTx, error)
	BeginWrite(ctx context.Context) (WriteTx, error)
}
