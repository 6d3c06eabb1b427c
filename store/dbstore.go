// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"

	"github.com/luxfi/shardbft/model"
)

// Key prefixes partition the flat keyspace database.Database exposes
// into the tables spec §6.3 describes, mirroring MemStore's map set but
// as a single namespaced byte-string store.
const (
	prefixBlock           byte = 0x01
	prefixBlockByHeight   byte = 0x02
	prefixQc              byte = 0x03
	prefixQcByBlock       byte = 0x04
	prefixParked          byte = 0x05
	prefixHighQc          byte = 0x06
	prefixLocked          byte = 0x07
	prefixLeaf            byte = 0x08
	prefixLastVoted       byte = 0x09
	prefixLastProposed    byte = 0x0A
	prefixLastSentVote    byte = 0x0B
	prefixLastExecuted    byte = 0x0C
	prefixPool            byte = 0x0D
	prefixForeignCounter  byte = 0x0E
	prefixPendingDiffList byte = 0x0F
	prefixEvidence        byte = 0x10
)

// DBStore backs Store with a github.com/luxfi/database.Database key-value
// handle, the production counterpart to MemStore (spec §6.3). It
// serializes every record with the same JSON codec used on the wire
// (github.com/luxfi/shardbft/codec), and serializes writers behind a
// single mutex the way MemStore serializes behind its RWMutex, since
// database.Database itself makes no multi-writer isolation promise
// beyond per-key atomicity.
type DBStore struct {
	mu sync.Mutex
	db database.Database
}

// NewDBStore returns a Store backed by db. db is expected to already be
// opened and owned by the caller; DBStore never closes it.
func NewDBStore(db database.Database) *DBStore {
	return &DBStore{db: db}
}

// BeginRead returns a view that reads directly from db. Since
// database.Database exposes no snapshot isolation, concurrent writers
// may be visible mid-read; callers needing a consistent snapshot should
// use BeginWrite instead, which holds the store's write lock (spec §5
// documents MemStore's stronger guarantee as the in-process reference;
// production deployments relying on true snapshot isolation configure a
// database.Database backend that provides one, e.g. a versioned store).
func (s *DBStore) BeginRead(ctx context.Context) (ReadTx, error) {
	return &dbTx{store: s, readOnly: true}, nil
}

// BeginWrite acquires the store's write mutex for the lifetime of the
// returned transaction, buffering writes into a database.Batch that is
// only applied on Commit (spec §4.6: "on any error, the whole
// transaction is rolled back leaving state unchanged").
func (s *DBStore) BeginWrite(ctx context.Context) (WriteTx, error) {
	s.mu.Lock()
	return &dbTx{store: s, readOnly: false, batch: s.db.NewBatch(), overlay: make(map[string][]byte)}, nil
}

// dbTx implements ReadTx/WriteTx against a DBStore. Writes accumulate in
// batch and overlay (so reads within the same transaction observe its
// own not-yet-committed writes); Commit flushes the batch, Rollback
// discards it untouched.
type dbTx struct {
	store    *DBStore
	readOnly bool
	closed   bool
	batch    database.Batch
	overlay  map[string][]byte // key -> value, or key -> nil for a delete
}

func (t *dbTx) checkWritable() error {
	if t.closed {
		return ErrAlreadyCommitted
	}
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func key(prefix byte, parts ...[]byte) []byte {
	k := []byte{prefix}
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func u64key(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func (t *dbTx) rawGet(k []byte) ([]byte, bool, error) {
	if t.overlay != nil {
		if v, ok := t.overlay[string(k)]; ok {
			if v == nil {
				return nil, false, nil
			}
			return v, true, nil
		}
	}
	has, err := t.store.db.Has(k)
	if err != nil {
		return nil, false, err
	}
	if !has {
		return nil, false, nil
	}
	v, err := t.store.db.Get(k)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *dbTx) rawPut(k, v []byte) error {
	t.overlay[string(k)] = v
	return t.batch.Put(k, v)
}

func (t *dbTx) rawDelete(k []byte) error {
	t.overlay[string(k)] = nil
	return t.batch.Delete(k)
}

func getJSON[T any](t *dbTx, k []byte) (*T, error) {
	raw, ok, err := t.rawGet(k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("store: decode %x: %w", k, err)
	}
	return &v, nil
}

func putJSON(t *dbTx, k []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %x: %w", k, err)
	}
	return t.rawPut(k, raw)
}

func (t *dbTx) GetBlock(id ids.ID) (*model.Block, error) {
	v, err := getJSON[model.Block](t, key(prefixBlock, id[:]))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, model.ErrBlockNotFound
	}
	return v, nil
}

func (t *dbTx) GetBlockByHeight(epoch, height uint64) (*model.Block, error) {
	idBytes, ok, err := t.rawGet(key(prefixBlockByHeight, u64key(epoch), u64key(height)))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ErrBlockNotFound
	}
	var id ids.ID
	copy(id[:], idBytes)
	return t.GetBlock(id)
}

func (t *dbTx) GetQc(id ids.ID) (*model.QuorumCertificate, error) {
	v, err := getJSON[model.QuorumCertificate](t, key(prefixQc, id[:]))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, model.ErrQcNotFound
	}
	return v, nil
}

func (t *dbTx) GetQcForBlock(blockID ids.ID) (*model.QuorumCertificate, error) {
	idBytes, ok, err := t.rawGet(key(prefixQcByBlock, blockID[:]))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ErrQcNotFound
	}
	var id ids.ID
	copy(id[:], idBytes)
	return t.GetQc(id)
}

func (t *dbTx) GetHighQc(epoch uint64) (*model.HighQc, error) {
	return getJSON[model.HighQc](t, key(prefixHighQc, u64key(epoch)))
}

func (t *dbTx) GetLocked(epoch uint64) (*model.LockedBlock, error) {
	return getJSON[model.LockedBlock](t, key(prefixLocked, u64key(epoch)))
}

func (t *dbTx) GetLeaf(epoch uint64) (*model.LeafBlock, error) {
	return getJSON[model.LeafBlock](t, key(prefixLeaf, u64key(epoch)))
}

func (t *dbTx) GetLastVoted(epoch uint64) (*model.LastVoted, error) {
	return getJSON[model.LastVoted](t, key(prefixLastVoted, u64key(epoch)))
}

func (t *dbTx) GetLastProposed(epoch uint64) (*model.LastProposed, error) {
	return getJSON[model.LastProposed](t, key(prefixLastProposed, u64key(epoch)))
}

func (t *dbTx) GetLastSentVote(epoch uint64) (*model.LastSentVote, error) {
	return getJSON[model.LastSentVote](t, key(prefixLastSentVote, u64key(epoch)))
}

func (t *dbTx) GetLastExecuted(epoch uint64) (*model.LastExecuted, error) {
	return getJSON[model.LastExecuted](t, key(prefixLastExecuted, u64key(epoch)))
}

func (t *dbTx) GetPoolRecord(txID ids.ID) (*model.TransactionPoolRecord, error) {
	v, err := getJSON[model.TransactionPoolRecord](t, key(prefixPool, txID[:]))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, model.ErrTransactionNotFound
	}
	return v, nil
}

func (t *dbTx) HasPoolRecord(txID ids.ID) bool {
	_, ok, _ := t.rawGet(key(prefixPool, txID[:]))
	return ok
}

func (t *dbTx) GetParked(blockID ids.ID) (*ParkedBlock, error) {
	return getJSON[ParkedBlock](t, key(prefixParked, blockID[:]))
}

func (t *dbTx) GetForeignCounter(fck model.ForeignCounterKey) (uint64, error) {
	raw, ok, err := t.rawGet(key(prefixForeignCounter, foreignCounterKeyBytes(fck)))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (t *dbTx) GetEvidence(txID ids.ID) (model.Evidence, error) {
	v, err := getJSON[model.Evidence](t, key(prefixEvidence, txID[:]))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return *v, nil
}

func (t *dbTx) GetPendingDiffs(shard model.ShardID) ([]StateDiff, error) {
	v, err := getJSON[[]StateDiff](t, key(prefixPendingDiffList, u64key(uint64(shard))))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return *v, nil
}

func (t *dbTx) PutBlock(b *model.Block) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if err := putJSON(t, key(prefixBlock, b.ID[:]), b); err != nil {
		return err
	}
	return t.rawPut(key(prefixBlockByHeight, u64key(b.Epoch), u64key(b.Height)), append([]byte(nil), b.ID[:]...))
}

func (t *dbTx) PutQc(certificate *model.QuorumCertificate) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if err := putJSON(t, key(prefixQc, certificate.ID[:]), certificate); err != nil {
		return err
	}
	return t.rawPut(key(prefixQcByBlock, certificate.BlockID[:]), append([]byte(nil), certificate.ID[:]...))
}

func (t *dbTx) SetHighQc(hq model.HighQc) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	cur, err := t.GetHighQc(hq.Epoch)
	if err != nil {
		return err
	}
	if cur != nil && hq.Height < cur.Height {
		return fmt.Errorf("store: high-qc height regression %d < %d", hq.Height, cur.Height)
	}
	return putJSON(t, key(prefixHighQc, u64key(hq.Epoch)), hq)
}

func (t *dbTx) SetLocked(lb model.LockedBlock) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return putJSON(t, key(prefixLocked, u64key(lb.Epoch)), lb)
}

func (t *dbTx) SetLeaf(lf model.LeafBlock) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return putJSON(t, key(prefixLeaf, u64key(lf.Epoch)), lf)
}

func (t *dbTx) SetLastVoted(lv model.LastVoted) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return putJSON(t, key(prefixLastVoted, u64key(lv.Epoch)), lv)
}

func (t *dbTx) SetLastProposed(lp model.LastProposed) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return putJSON(t, key(prefixLastProposed, u64key(lp.Epoch)), lp)
}

func (t *dbTx) SetLastSentVote(lsv model.LastSentVote) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return putJSON(t, key(prefixLastSentVote, u64key(lsv.Epoch)), lsv)
}

func (t *dbTx) SetLastExecuted(le model.LastExecuted) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return putJSON(t, key(prefixLastExecuted, u64key(le.Epoch)), le)
}

func (t *dbTx) PutPoolRecord(r *model.TransactionPoolRecord) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return putJSON(t, key(prefixPool, r.TransactionID[:]), r)
}

func (t *dbTx) DeletePoolRecord(txID ids.ID) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return t.rawDelete(key(prefixPool, txID[:]))
}

func (t *dbTx) ParkBlock(p ParkedBlock) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return putJSON(t, key(prefixParked, p.Block.ID[:]), p)
}

func (t *dbTx) UnparkBlock(blockID ids.ID) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return t.rawDelete(key(prefixParked, blockID[:]))
}

func (t *dbTx) IncrementForeignCounter(fck model.ForeignCounterKey) (uint64, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	cur, err := t.GetForeignCounter(fck)
	if err != nil {
		return 0, err
	}
	cur++
	if err := t.rawPut(key(prefixForeignCounter, foreignCounterKeyBytes(fck)), u64key(cur)); err != nil {
		return 0, err
	}
	return cur, nil
}

func (t *dbTx) MergeEvidence(txID ids.ID, shard model.ShardGroup, ev model.ShardEvidence) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	cur, err := t.GetEvidence(txID)
	if err != nil {
		return err
	}
	if cur == nil {
		cur = make(model.Evidence, 1)
	}
	cur.Merge(shard, ev)
	return putJSON(t, key(prefixEvidence, txID[:]), cur)
}

// foreignCounterKeyBytes renders a ForeignCounterKey as a stable byte
// string suitable for use as a database key.
func foreignCounterKeyBytes(fck model.ForeignCounterKey) []byte {
	return []byte(fmt.Sprintf("%d/%s/%s", fck.Epoch, fck.From, fck.To))
}

func (t *dbTx) AppendPendingDiff(shard model.ShardID, diff StateDiff) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	diffs, err := t.GetPendingDiffs(shard)
	if err != nil {
		return err
	}
	if len(diffs) > 0 && diffs[len(diffs)-1].ToVersion != diff.FromVersion {
		return model.ErrDiffOutOfOrder
	}
	diffs = append(diffs, diff)
	return putJSON(t, key(prefixPendingDiffList, u64key(uint64(shard))), diffs)
}

func (t *dbTx) FlushPendingDiffs(shard model.ShardID, upToVersion uint64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	diffs, err := t.GetPendingDiffs(shard)
	if err != nil {
		return err
	}
	i := 0
	for ; i < len(diffs); i++ {
		if diffs[i].ToVersion > upToVersion {
			break
		}
	}
	return putJSON(t, key(prefixPendingDiffList, u64key(uint64(shard))), diffs[i:])
}

func (t *dbTx) DropPendingDiffs(shard model.ShardID, blockID ids.ID) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	diffs, err := t.GetPendingDiffs(shard)
	if err != nil {
		return err
	}
	out := diffs[:0]
	for _, d := range diffs {
		if d.BlockID != blockID {
			out = append(out, d)
		}
	}
	return putJSON(t, key(prefixPendingDiffList, u64key(uint64(shard))), out)
}

func (t *dbTx) Commit() error {
	if t.closed {
		return ErrAlreadyCommitted
	}
	t.closed = true
	defer t.store.mu.Unlock()
	if t.readOnly {
		return nil
	}
	return t.batch.Write()
}

// Rollback discards the batch without writing it; the overlay it built
// up is never consulted again once the transaction is closed.
func (t *dbTx) Rollback() {
	if t.closed {
		return
	}
	t.closed = true
	if !t.readOnly {
		t.store.mu.Unlock()
	}
}

func (t *dbTx) Close() {
	if t.closed {
		return
	}
	t.closed = true
	if !t.readOnly {
		t.store.mu.Unlock()
	}
}
