// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package onreceive

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"golang.org/x/crypto/blake2b"

	"github.com/luxfi/shardbft/config"
	"github.com/luxfi/shardbft/epoch"
	"github.com/luxfi/shardbft/model"
	"github.com/luxfi/shardbft/qc"
	"github.com/luxfi/shardbft/store"
	"github.com/luxfi/shardbft/wire"
)

type bufferedVote struct {
	vote       wire.Vote
	receivedAt time.Time
}

// VoteAggregator collects votes per block and assembles a quorum
// certificate once enough have arrived, buffering votes that name a
// block this replica has not yet stored (spec §4.7). One aggregator is
// shared across every inbound vote for a shard's committee; Receiver
// only touches it through ReceiveVote.
type VoteAggregator struct {
	mu         sync.Mutex
	assemblers map[ids.ID]*qc.Assembler
	buffered   map[ids.ID][]bufferedVote
	ttl        time.Duration
}

// NewVoteAggregator returns an empty aggregator, buffering unresolved
// votes for params.VoteBufferTTL before Prune discards them.
func NewVoteAggregator(params config.Parameters) *VoteAggregator {
	return &VoteAggregator{
		assemblers: make(map[ids.ID]*qc.Assembler),
		buffered:   make(map[ids.ID][]bufferedVote),
		ttl:        params.VoteBufferTTL,
	}
}

// Buffer records vote as waiting on its block to become known.
func (a *VoteAggregator) Buffer(vote wire.Vote) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffered[vote.BlockID] = append(a.buffered[vote.BlockID], bufferedVote{vote: vote, receivedAt: time.Now()})
}

// TakeBuffered removes and returns every vote buffered for blockID, so a
// caller can replay them through ReceiveVote once the block is known
// (spec §4.7 "re-checked after each block insertion").
func (a *VoteAggregator) TakeBuffered(blockID ids.ID) []wire.Vote {
	a.mu.Lock()
	defer a.mu.Unlock()
	buffered := a.buffered[blockID]
	delete(a.buffered, blockID)
	out := make([]wire.Vote, len(buffered))
	for i, bv := range buffered {
		out[i] = bv.vote
	}
	return out
}

// Prune discards buffered votes older than the configured TTL, relative
// to now.
func (a *VoteAggregator) Prune(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for blockID, votes := range a.buffered {
		kept := votes[:0]
		for _, bv := range votes {
			if now.Sub(bv.receivedAt) <= a.ttl {
				kept = append(kept, bv)
			}
		}
		if len(kept) == 0 {
			delete(a.buffered, blockID)
		} else {
			a.buffered[blockID] = append([]bufferedVote(nil), kept...)
		}
	}
}

// addVote records one vote against the block's assembler, creating one
// on first sight, and reports the assembled certificate once quorum is
// reached.
func (a *VoteAggregator) addVote(committee epoch.Committee, vote wire.Vote) (model.QuorumCertificate, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	asm, ok := a.assemblers[vote.BlockID]
	if !ok {
		asm = qc.NewAssembler(committee, vote.BlockID, vote.BlockHeight, vote.Epoch, vote.Decision)
		a.assemblers[vote.BlockID] = asm
	}
	if err := asm.AddVote(vote.Signer, vote.Signature); err != nil {
		return model.QuorumCertificate{}, false, err
	}
	if !asm.Ready() {
		return model.QuorumCertificate{}, false, nil
	}
	cert, err := asm.Finish()
	if err != nil {
		return model.QuorumCertificate{}, false, err
	}
	delete(a.assemblers, vote.BlockID)
	return cert, true, nil
}

// ReceiveVote runs spec §4.7: buffer the vote if its block is unknown,
// otherwise fold it into agg's assembler for that block. Once quorum is
// reached it assembles and persists the quorum certificate, advances
// high_qc if the certificate is higher, and resets the pacemaker so the
// next height's leader can beat immediately. A non-nil certificate
// signals the caller to trigger its own OnBeat.
func (r *Receiver) ReceiveVote(ctx context.Context, tx store.WriteTx, agg *VoteAggregator, vote wire.Vote, committee epoch.Committee) (*model.QuorumCertificate, error) {
	if !committee.Has(vote.Signer) {
		return nil, qc.ErrUnknownSigner
	}

	if _, err := tx.GetBlock(vote.BlockID); err != nil {
		agg.Buffer(vote)
		return nil, nil
	}

	cert, ready, err := agg.addVote(committee, vote)
	if err != nil {
		if r.metrics != nil {
			r.metrics.ValidationFailed("vote: " + err.Error())
		}
		return nil, err
	}
	if !ready {
		return nil, nil
	}

	cert.ID = computeQcID(cert)
	if err := tx.PutQc(&cert); err != nil {
		return nil, fmt.Errorf("onreceive: persist quorum certificate: %w", err)
	}

	hq, err := tx.GetHighQc(vote.Epoch)
	if err != nil {
		return nil, fmt.Errorf("onreceive: load high qc: %w", err)
	}
	if hq == nil || cert.BlockHeight > hq.Height {
		if err := tx.SetHighQc(model.HighQc{Epoch: vote.Epoch, BlockID: cert.BlockID, Height: cert.BlockHeight, QcID: cert.ID}); err != nil {
			return nil, fmt.Errorf("onreceive: advance high qc: %w", err)
		}
	}
	if r.pm != nil {
		r.pm.Reset(cert.BlockHeight, cert.BlockHeight)
	}
	if r.metrics != nil {
		r.metrics.VoteReceived(qcDecisionLabel(cert.Decision))
	}
	return &cert, nil
}

func qcDecisionLabel(d model.QcDecision) string {
	if d == model.QcAccept {
		return "accept"
	}
	return "reject"
}

// computeQcID derives a quorum certificate's content id the way
// Block.ComputeID derives a block's: a hash of every field the
// certificate commits to, independent of signature collection order.
func computeQcID(cert model.QuorumCertificate) ids.ID {
	h, _ := blake2b.New256(nil)
	h.Write(cert.BlockID[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], cert.BlockHeight)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], cert.Epoch)
	h.Write(buf[:])
	h.Write([]byte{byte(cert.Decision)})

	sigs := append([]model.ValidatorSignature(nil), cert.Signatures...)
	sort.Slice(sigs, func(i, j int) bool { return nodeIDLess(sigs[i].Signer, sigs[j].Signer) })
	for _, s := range sigs {
		h.Write(s.Signer[:])
		h.Write(s.Signature)
	}

	var out ids.ID
	copy(out[:], h.Sum(nil))
	return out
}

func nodeIDLess(a, b ids.NodeID) bool {
	ab, bb := a[:], b[:]
	for i := range ab {
		if ab[i] != bb[i] {
			return ab[i] < bb[i]
		}
	}
	return false
}
