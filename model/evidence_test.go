// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package model

import "testing"

func TestEvidenceMergeDoesNotRegressQC(t *testing.T) {
	ev := make(Evidence)
	sg := ShardGroup{Start: 4, End: 8}

	ev.Merge(sg, ShardEvidence{PreparedQC: &QcRef{QcID: idFromByte(1), Height: 5}})
	if ev[sg].PreparedQC.Height != 5 {
		t.Fatalf("expected initial height 5, got %d", ev[sg].PreparedQC.Height)
	}

	// A lower height must not overwrite the recorded QC.
	ev.Merge(sg, ShardEvidence{PreparedQC: &QcRef{QcID: idFromByte(2), Height: 3}})
	if ev[sg].PreparedQC.Height != 5 {
		t.Fatalf("regression: height dropped to %d", ev[sg].PreparedQC.Height)
	}

	// A higher height must advance it.
	ev.Merge(sg, ShardEvidence{PreparedQC: &QcRef{QcID: idFromByte(3), Height: 9}})
	if ev[sg].PreparedQC.Height != 9 {
		t.Fatalf("expected advance to height 9, got %d", ev[sg].PreparedQC.Height)
	}
}

func TestEvidenceMergePreservesLocksWhenIncomingIsEmpty(t *testing.T) {
	ev := make(Evidence)
	sg := ShardGroup{Start: 0, End: 4}
	locks := []VersionedSubstateID{{Address: SubstateAddress(idFromByte(1)), Version: 1}}

	ev.Merge(sg, ShardEvidence{InputLocks: locks})
	ev.Merge(sg, ShardEvidence{AcceptedQC: &QcRef{QcID: idFromByte(4), Height: 1}})

	if len(ev[sg].InputLocks) != 1 {
		t.Fatalf("expected InputLocks preserved across an update that didn't set them, got %v", ev[sg].InputLocks)
	}
	if ev[sg].AcceptedQC == nil || ev[sg].AcceptedQC.Height != 1 {
		t.Fatalf("expected AcceptedQC set, got %v", ev[sg].AcceptedQC)
	}
}

func TestEvidenceRequiredShards(t *testing.T) {
	ev := make(Evidence)
	a := ShardGroup{Start: 0, End: 4}
	b := ShardGroup{Start: 4, End: 8}
	ev.Merge(a, ShardEvidence{})
	ev.Merge(b, ShardEvidence{})

	got := ev.RequiredShards()
	if len(got) != 2 {
		t.Fatalf("expected 2 shard groups, got %d", len(got))
	}
}

func TestEvidenceIsReadyForSkipsLocalShard(t *testing.T) {
	local := ShardGroup{Start: 0, End: 4}
	ev := make(Evidence)
	ev.Merge(local, ShardEvidence{})
	if !ev.IsReadyFor(StageLocalPrepared, local) {
		t.Fatal("a transaction with only local-shard evidence should be ready with no foreign QCs")
	}
}

func TestEvidenceIsReadyForRequiresForeignQC(t *testing.T) {
	local := ShardGroup{Start: 0, End: 4}
	foreign := ShardGroup{Start: 4, End: 8}
	ev := make(Evidence)
	ev.Merge(foreign, ShardEvidence{})

	if ev.IsReadyFor(StageLocalPrepared, local) {
		t.Fatal("expected not ready: foreign shard has no PreparedQC yet")
	}

	ev.Merge(foreign, ShardEvidence{PreparedQC: &QcRef{QcID: idFromByte(1), Height: 1}})
	if !ev.IsReadyFor(StageLocalPrepared, local) {
		t.Fatal("expected ready once foreign shard supplies a PreparedQC")
	}

	if ev.IsReadyFor(StageAccepted, local) {
		t.Fatal("expected not ready for Accepted: foreign shard has no AcceptedQC yet")
	}
	ev.Merge(foreign, ShardEvidence{AcceptedQC: &QcRef{QcID: idFromByte(2), Height: 2}})
	if !ev.IsReadyFor(StageAccepted, local) {
		t.Fatal("expected ready for Accepted once foreign shard supplies an AcceptedQC")
	}
}
