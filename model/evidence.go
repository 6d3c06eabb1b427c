// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package model

import "github.com/luxfi/ids"

// QcRef is a lightweight pointer to a quorum certificate: enough to look
// it up in the store without embedding the full certificate in every
// piece of evidence that references it.
type QcRef struct {
	QcID   ids.ID
	Height uint64
}

// ShardEvidence is the per-shard slice of a transaction's Evidence map: the
// lock intents a transaction holds on that shard's inputs/outputs, plus
// the highest prepared/accepted QC that shard has produced for the
// transaction so far.
type ShardEvidence struct {
	InputLocks  []VersionedSubstateID
	OutputLocks []VersionedSubstateID
	PreparedQC  *QcRef
	AcceptedQC  *QcRef
}

// Evidence maps each shard a transaction touches to that shard's lock
// intents and QC evidence. Spec invariant: for each referenced shard, lock
// intents are non-overlapping, and once a QC is recorded it may not
// regress (see Evidence.Merge).
type Evidence map[ShardGroup]ShardEvidence

// RequiredShards returns the shard groups whose substates the transaction
// inputs or outputs touch.
func (e Evidence) RequiredShards() []ShardGroup {
	out := make([]ShardGroup, 0, len(e))
	for sg := range e {
		out = append(out, sg)
	}
	return out
}

// Merge folds incoming evidence for a single shard into e, refusing to let
// a recorded QC regress in height.
func (e Evidence) Merge(sg ShardGroup, incoming ShardEvidence) {
	cur, ok := e[sg]
	if !ok {
		e[sg] = incoming
		return
	}
	if len(incoming.InputLocks) > 0 {
		cur.InputLocks = incoming.InputLocks
	}
	if len(incoming.OutputLocks) > 0 {
		cur.OutputLocks = incoming.OutputLocks
	}
	if incoming.PreparedQC != nil && (cur.PreparedQC == nil || incoming.PreparedQC.Height > cur.PreparedQC.Height) {
		cur.PreparedQC = incoming.PreparedQC
	}
	if incoming.AcceptedQC != nil && (cur.AcceptedQC == nil || incoming.AcceptedQC.Height > cur.AcceptedQC.Height) {
		cur.AcceptedQC = incoming.AcceptedQC
	}
	e[sg] = cur
}

// IsReadyFor reports whether every shard referenced by the evidence has
// supplied the QC required for the given stage. LocalPrepared requires a
// PreparedQC from every foreign shard; AllPrepared/Accepted require an
// AcceptedQC from every foreign shard. local is the committee's own shard
// group, which never needs foreign evidence for itself.
func (e Evidence) IsReadyFor(stage TxStage, local ShardGroup) bool {
	for sg, ev := range e {
		if sg.Equal(local) {
			continue
		}
		switch stage {
		case StageLocalPrepared, StagePrepared:
			if ev.PreparedQC == nil {
				return false
			}
		case StageAllPrepared, StageAccepted:
			if ev.AcceptedQC == nil {
				return false
			}
		}
	}
	return true
}
