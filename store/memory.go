// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/ids"

	"github.com/luxfi/shardbft/model"
)

// MemStore is an in-memory Store, suitable for tests and for single-process
// development. Production deployments back Store with github.com/luxfi/database
// (see SPEC_FULL.md DOMAIN STACK); MemStore mirrors the same table layout
// so swapping the backend only touches this file.
type MemStore struct {
	mu sync.RWMutex

	blocks       map[ids.ID]*model.Block
	blocksByHE   map[heightEpoch]ids.ID
	qcs          map[ids.ID]*model.QuorumCertificate
	qcByBlock    map[ids.ID]ids.ID
	parked       map[ids.ID]*ParkedBlock

	highQc       map[uint64]model.HighQc
	locked       map[uint64]model.LockedBlock
	leaf         map[uint64]model.LeafBlock
	lastVoted    map[uint64]model.LastVoted
	lastProposed map[uint64]model.LastProposed
	lastSentVote map[uint64]model.LastSentVote
	lastExecuted map[uint64]model.LastExecuted

	pool map[ids.ID]*model.TransactionPoolRecord

	foreignCounters map[model.ForeignCounterKey]uint64
	evidence        map[ids.ID]model.Evidence

	pendingDiffs map[model.ShardID][]StateDiff
}

type heightEpoch struct {
	epoch  uint64
	height uint64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		blocks:          make(map[ids.ID]*model.Block),
		blocksByHE:      make(map[heightEpoch]ids.ID),
		qcs:             make(map[ids.ID]*model.QuorumCertificate),
		qcByBlock:       make(map[ids.ID]ids.ID),
		parked:          make(map[ids.ID]*ParkedBlock),
		highQc:          make(map[uint64]model.HighQc),
		locked:          make(map[uint64]model.LockedBlock),
		leaf:            make(map[uint64]model.LeafBlock),
		lastVoted:       make(map[uint64]model.LastVoted),
		lastProposed:    make(map[uint64]model.LastProposed),
		lastSentVote:    make(map[uint64]model.LastSentVote),
		lastExecuted:    make(map[uint64]model.LastExecuted),
		pool:            make(map[ids.ID]*model.TransactionPoolRecord),
		foreignCounters: make(map[model.ForeignCounterKey]uint64),
		evidence:        make(map[ids.ID]model.Evidence),
		pendingDiffs:    make(map[model.ShardID][]StateDiff),
	}
}

// BeginRead returns a view guarded by the store's read lock: it observes a
// consistent snapshot because no writer can proceed until the read
// transaction is closed (spec §5: "readers may operate concurrently on
// snapshots").
func (s *MemStore) BeginRead(ctx context.Context) (ReadTx, error) {
	s.mu.RLock()
	return &memTx{store: s, readOnly: true}, nil
}

// BeginWrite acquires the store's single write lock for the lifetime of
// the returned transaction (spec §5: "writes to a single persisted
// singleton are serialised behind a per-store write lock").
func (s *MemStore) BeginWrite(ctx context.Context) (WriteTx, error) {
	s.mu.Lock()
	return &memTx{store: s, readOnly: false}, nil
}

// memTx implements both ReadTx and WriteTx directly against MemStore's
// maps, holding the store mutex for its lifetime (read transactions take
// it only to construct a consistent view; see BeginRead).
type memTx struct {
	store    *MemStore
	readOnly bool
	closed   bool
}

func (t *memTx) checkWritable() error {
	if t.closed {
		return ErrAlreadyCommitted
	}
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) GetBlock(id ids.ID) (*model.Block, error) {
	b, ok := t.store.blocks[id]
	if !ok {
		return nil, model.ErrBlockNotFound
	}
	return b, nil
}

func (t *memTx) GetBlockByHeight(epoch, height uint64) (*model.Block, error) {
	id, ok := t.store.blocksByHE[heightEpoch{epoch, height}]
	if !ok {
		return nil, model.ErrBlockNotFound
	}
	return t.store.blocks[id], nil
}

func (t *memTx) GetQc(id ids.ID) (*model.QuorumCertificate, error) {
	qc, ok := t.store.qcs[id]
	if !ok {
		return nil, model.ErrQcNotFound
	}
	return qc, nil
}

func (t *memTx) GetQcForBlock(blockID ids.ID) (*model.QuorumCertificate, error) {
	id, ok := t.store.qcByBlock[blockID]
	if !ok {
		return nil, model.ErrQcNotFound
	}
	return t.store.qcs[id], nil
}

func (t *memTx) GetHighQc(epoch uint64) (*model.HighQc, error) {
	v, ok := t.store.highQc[epoch]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memTx) GetLocked(epoch uint64) (*model.LockedBlock, error) {
	v, ok := t.store.locked[epoch]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memTx) GetLeaf(epoch uint64) (*model.LeafBlock, error) {
	v, ok := t.store.leaf[epoch]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memTx) GetLastVoted(epoch uint64) (*model.LastVoted, error) {
	v, ok := t.store.lastVoted[epoch]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memTx) GetLastProposed(epoch uint64) (*model.LastProposed, error) {
	v, ok := t.store.lastProposed[epoch]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memTx) GetLastSentVote(epoch uint64) (*model.LastSentVote, error) {
	v, ok := t.store.lastSentVote[epoch]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memTx) GetLastExecuted(epoch uint64) (*model.LastExecuted, error) {
	v, ok := t.store.lastExecuted[epoch]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memTx) GetPoolRecord(txID ids.ID) (*model.TransactionPoolRecord, error) {
	r, ok := t.store.pool[txID]
	if !ok {
		return nil, model.ErrTransactionNotFound
	}
	return r, nil
}

func (t *memTx) HasPoolRecord(txID ids.ID) bool {
	_, ok := t.store.pool[txID]
	return ok
}

func (t *memTx) GetParked(blockID ids.ID) (*ParkedBlock, error) {
	p, ok := t.store.parked[blockID]
	if !ok {
		return nil, nil
	}
	return p, nil
}

func (t *memTx) GetForeignCounter(key model.ForeignCounterKey) (uint64, error) {
	return t.store.foreignCounters[key], nil
}

func (t *memTx) GetEvidence(txID ids.ID) (model.Evidence, error) {
	ev, ok := t.store.evidence[txID]
	if !ok {
		return nil, nil
	}
	out := make(model.Evidence, len(ev))
	for sg, e := range ev {
		out[sg] = e
	}
	return out, nil
}

func (t *memTx) GetPendingDiffs(shard model.ShardID) ([]StateDiff, error) {
	return append([]StateDiff(nil), t.store.pendingDiffs[shard]...), nil
}

func (t *memTx) PutBlock(b *model.Block) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.blocks[b.ID] = b
	t.store.blocksByHE[heightEpoch{b.Epoch, b.Height}] = b.ID
	return nil
}

func (t *memTx) PutQc(qc *model.QuorumCertificate) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.qcs[qc.ID] = qc
	t.store.qcByBlock[qc.BlockID] = qc.ID
	return nil
}

func (t *memTx) SetHighQc(hq model.HighQc) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if cur, ok := t.store.highQc[hq.Epoch]; ok && hq.Height < cur.Height {
		return fmt.Errorf("store: high-qc height regression %d < %d", hq.Height, cur.Height)
	}
	t.store.highQc[hq.Epoch] = hq
	return nil
}

func (t *memTx) SetLocked(lb model.LockedBlock) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.locked[lb.Epoch] = lb
	return nil
}

func (t *memTx) SetLeaf(lf model.LeafBlock) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.leaf[lf.Epoch] = lf
	return nil
}

func (t *memTx) SetLastVoted(lv model.LastVoted) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.lastVoted[lv.Epoch] = lv
	return nil
}

func (t *memTx) SetLastProposed(lp model.LastProposed) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.lastProposed[lp.Epoch] = lp
	return nil
}

func (t *memTx) SetLastSentVote(lsv model.LastSentVote) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.lastSentVote[lsv.Epoch] = lsv
	return nil
}

func (t *memTx) SetLastExecuted(le model.LastExecuted) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.lastExecuted[le.Epoch] = le
	return nil
}

func (t *memTx) PutPoolRecord(r *model.TransactionPoolRecord) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.pool[r.TransactionID] = r
	return nil
}

func (t *memTx) DeletePoolRecord(txID ids.ID) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	delete(t.store.pool, txID)
	return nil
}

func (t *memTx) ParkBlock(p ParkedBlock) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.store.parked[p.Block.ID] = &p
	return nil
}

func (t *memTx) UnparkBlock(blockID ids.ID) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	delete(t.store.parked, blockID)
	return nil
}

func (t *memTx) IncrementForeignCounter(key model.ForeignCounterKey) (uint64, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	t.store.foreignCounters[key]++
	return t.store.foreignCounters[key], nil
}

func (t *memTx) MergeEvidence(txID ids.ID, shard model.ShardGroup, ev model.ShardEvidence) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	cur, ok := t.store.evidence[txID]
	if !ok {
		cur = make(model.Evidence, 1)
	}
	cur.Merge(shard, ev)
	t.store.evidence[txID] = cur
	return nil
}

func (t *memTx) AppendPendingDiff(shard model.ShardID, diff StateDiff) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	diffs := t.store.pendingDiffs[shard]
	if len(diffs) > 0 && diffs[len(diffs)-1].ToVersion != diff.FromVersion {
		return model.ErrDiffOutOfOrder
	}
	t.store.pendingDiffs[shard] = append(diffs, diff)
	return nil
}

func (t *memTx) FlushPendingDiffs(shard model.ShardID, upToVersion uint64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	diffs := t.store.pendingDiffs[shard]
	i := 0
	for ; i < len(diffs); i++ {
		if diffs[i].ToVersion > upToVersion {
			break
		}
	}
	t.store.pendingDiffs[shard] = diffs[i:]
	return nil
}

func (t *memTx) DropPendingDiffs(shard model.ShardID, blockID ids.ID) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	diffs := t.store.pendingDiffs[shard]
	out := diffs[:0]
	for _, d := range diffs {
		if d.BlockID != blockID {
			out = append(out, d)
		}
	}
	t.store.pendingDiffs[shard] = out
	return nil
}

func (t *memTx) Commit() error {
	if t.closed {
		return ErrAlreadyCommitted
	}
	t.closed = true
	if t.readOnly {
		t.store.mu.RUnlock()
	} else {
		t.store.mu.Unlock()
	}
	return nil
}

func (t *memTx) Rollback() {
	// MemStore applies writes in place immediately, so a true rollback
	// would require a shadow copy; the production github.com/luxfi/database
	// backend provides real transaction isolation (SPEC_FULL.md DOMAIN
	// STACK). Processing code is written to only call mutating methods
	// after all validation has passed, so Rollback here only needs to
	// release the write lock without discarding writes that were never
	// made.
	t.Close()
}

func (t *memTx) Close() {
	if t.closed {
		return
	}
	t.closed = true
	if t.readOnly {
		t.store.mu.RUnlock()
	} else {
		t.store.mu.Unlock()
	}
}
