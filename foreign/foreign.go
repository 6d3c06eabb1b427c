// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package foreign implements the receiving half of cross-shard pledge
// exchange (spec §4.8): folding another committee's pledges for a
// shared transaction into this replica's evidence, and promoting a
// pool entry's readiness and stage once every foreign shard it depends
// on has supplied what the transaction's current stage requires. It is
// grounded on the onreceive package's transaction pipeline, adapted
// from validating a full block to validating a leaner pledge-exchange
// message.
package foreign

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/ids"
	luxlog "github.com/luxfi/log"

	"github.com/luxfi/shardbft/epoch"
	shardlog "github.com/luxfi/shardbft/log"
	"github.com/luxfi/shardbft/metrics"
	"github.com/luxfi/shardbft/model"
	"github.com/luxfi/shardbft/pool"
	"github.com/luxfi/shardbft/qc"
	"github.com/luxfi/shardbft/store"
	"github.com/luxfi/shardbft/wire"
)

// ErrWrongLeader is returned when a foreign proposal's claimed sender is
// not the leader the foreign committee would have resolved for the
// height it names.
var ErrWrongLeader = errors.New("foreign: sender is not the foreign committee's leader for this height")

// ErrBadJustify is returned when a foreign proposal's Justify does not
// certify the proposal's own parent, or fails to verify against the
// foreign committee: either way the pledges it carries have no
// cryptographic backing and must not be merged.
var ErrBadJustify = errors.New("foreign: justify does not certify the foreign block's parent")

// Receiver runs the on-receive-foreign-proposal pipeline for one
// replica's own shard.
type Receiver struct {
	local    model.ShardGroup
	epochMgr epoch.Manager
	pool     *pool.Pool
	metrics  *metrics.Metrics
	log      luxlog.Logger
}

// New builds a Receiver.
func New(local model.ShardGroup, epochMgr epoch.Manager, pl *pool.Pool, m *metrics.Metrics, logger luxlog.Logger) *Receiver {
	return &Receiver{local: local, epochMgr: epochMgr, pool: pl, metrics: m, log: logger}
}

// Outcome reports what ReceiveForeignProposal did with an inbound
// pledge message.
type Outcome struct {
	Rejected     bool
	RejectReason error

	// ReadyTransactionIDs lists transactions whose readiness flag was
	// just set because the merged evidence now satisfies their current
	// stage's foreign-QC requirement (spec §4.8 step 4).
	ReadyTransactionIDs []ids.ID

	// PromotedTransactionIDs lists transactions moved directly from
	// LocalPrepared to AllPrepared: an off-chain transition that fires
	// the moment every foreign shard's PreparedQC has arrived, with no
	// leader command involved (spec §9 "foreign pledge ordering").
	PromotedTransactionIDs []ids.ID
}

// ReceiveForeignProposal validates that msg was sent by the foreign
// committee's resolved leader for the height it names and that
// Justify is a valid quorum certificate that committee produced for
// the proposal's parent, then extracts and merges each transaction's
// pledges into this replica's evidence store, marking local pool
// entries ready or promoting them to AllPrepared as the merged
// evidence now permits (spec §4.8).
func (r *Receiver) ReceiveForeignProposal(
	ctx context.Context,
	tx store.WriteTx,
	msg wire.ForeignProposal,
	foreignCommittee epoch.Committee,
) (*Outcome, error) {
	leader, err := r.epochMgr.LeaderForHeight(foreignCommittee, msg.Height)
	if err != nil {
		return nil, fmt.Errorf("foreign: resolve leader for height %d: %w", msg.Height, err)
	}
	if leader != msg.Sender {
		if r.metrics != nil {
			r.metrics.ValidationFailed("foreign: wrong leader")
		}
		r.log.Debug("rejected foreign proposal", "shard", msg.ShardGroup.String(), "height", msg.Height, "sender", msg.Sender)
		return &Outcome{Rejected: true, RejectReason: ErrWrongLeader}, nil
	}

	if msg.Justify.BlockHeight+1 != msg.Height || msg.Justify.ShardGroup != msg.ShardGroup {
		if r.metrics != nil {
			r.metrics.ValidationFailed("foreign: bad justify")
		}
		r.log.Debug("rejected foreign proposal", "shard", msg.ShardGroup.String(), "height", msg.Height, "reason", "justify does not certify parent")
		return &Outcome{Rejected: true, RejectReason: ErrBadJustify}, nil
	}
	if err := qc.Verify(foreignCommittee, msg.Justify); err != nil {
		if r.metrics != nil {
			r.metrics.ValidationFailed("foreign: bad justify")
		}
		r.log.Debug("rejected foreign proposal", "shard", msg.ShardGroup.String(), "height", msg.Height, "err", err)
		return &Outcome{Rejected: true, RejectReason: fmt.Errorf("%w: %v", ErrBadJustify, err)}, nil
	}

	outcome := &Outcome{}
	for _, tp := range msg.Pledges {
		ev := evidenceFromPledges(tp.Pledges, msg.Height)
		if err := tx.MergeEvidence(tp.TransactionID, msg.ShardGroup, ev); err != nil {
			return nil, fmt.Errorf("foreign: merge evidence for %s: %w", tp.TransactionID, err)
		}

		rec, ok := r.pool.Get(tp.TransactionID)
		if !ok {
			// Not tracked locally (yet); the pledge is still persisted so
			// a later local submission of this transaction finds it.
			continue
		}

		merged, err := tx.GetEvidence(tp.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("foreign: load evidence for %s: %w", tp.TransactionID, err)
		}

		if !merged.IsReadyFor(rec.CommittedStage, r.local) {
			continue
		}
		if err := r.pool.MarkReady(tp.TransactionID); err != nil {
			return nil, fmt.Errorf("foreign: mark %s ready: %w", tp.TransactionID, err)
		}
		shardlog.WithTx(r.log, tp.TransactionID).Debug("marked ready by foreign evidence", "shard", msg.ShardGroup.String())
		outcome.ReadyTransactionIDs = append(outcome.ReadyTransactionIDs, tp.TransactionID)

		if rec.CommittedStage == model.StageLocalPrepared && merged.IsReadyFor(model.StageAllPrepared, r.local) {
			if err := r.pool.SetNextStage(tp.TransactionID, model.StageAllPrepared, true); err != nil {
				return nil, fmt.Errorf("foreign: promote %s to all-prepared: %w", tp.TransactionID, err)
			}
			outcome.PromotedTransactionIDs = append(outcome.PromotedTransactionIDs, tp.TransactionID)
		}
	}
	return outcome, nil
}

// evidenceFromPledges turns one transaction's pledge set into the
// ShardEvidence recorded against the foreign shard that sent it. A
// leader only forwards pledges once its own command for the
// transaction reached LocalPrepared or Accept, so receipt of the
// message itself is the evidence: both PreparedQC and AcceptedQC are
// stamped at the proposed height, since ForeignProposal carries no
// separate signal distinguishing which of the two the sender reached.
func evidenceFromPledges(pledges []model.SubstatePledge, height uint64) model.ShardEvidence {
	var ev model.ShardEvidence
	for _, p := range pledges {
		switch p.Variant {
		case model.PledgeInput:
			ev.InputLocks = append(ev.InputLocks, p.SubstateID)
		case model.PledgeOutput:
			ev.OutputLocks = append(ev.OutputLocks, p.SubstateID)
		}
	}
	ref := &model.QcRef{Height: height}
	ev.PreparedQC = ref
	ev.AcceptedQC = ref
	return ev
}
