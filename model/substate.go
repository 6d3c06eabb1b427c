// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package model

import "github.com/luxfi/ids"

// SubstateAddress is the content-addressed identity of a piece of
// substate (a component, resource, vault, NFT, ...), independent of its
// version.
type SubstateAddress ids.ID

// VersionedSubstateID pins a substate address to a specific version.
type VersionedSubstateID struct {
	Address SubstateAddress
	Version uint32
}

// String renders "address:version".
func (v VersionedSubstateID) String() string {
	return ids.ID(v.Address).String() + ":" + itoa(v.Version)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := [10]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}

// PledgeVariant distinguishes an input pledge (which carries a value) from
// an output pledge (which only asserts production).
type PledgeVariant uint8

const (
	PledgeInput PledgeVariant = iota
	PledgeOutput
)

func (p PledgeVariant) String() string {
	if p == PledgeInput {
		return "Input"
	}
	return "Output"
}

// LockIntent distinguishes a read lock from a read-write lock held on an
// input substate while a transaction is pending.
type LockIntent uint8

const (
	LockRead LockIntent = iota
	LockWrite
)

// SubstatePledge is a committee's binding promise about the value or
// existence of a substate relevant to a pending transaction. A
// transaction holds at most one pledge per substate id (model.ErrPledgeConflict
// guards this in BlockPledge.Add). Output pledges never carry a value.
type SubstatePledge struct {
	SubstateID VersionedSubstateID
	Variant    PledgeVariant
	Value      []byte // nil for PledgeOutput
}

// BlockPledge is the per-transaction pledge set produced while importing a
// foreign proposal (spec §4.8) or consumed while assembling evidence for a
// local proposal.
type BlockPledge struct {
	byTx map[ids.ID][]SubstatePledge
}

// NewBlockPledge returns an empty pledge set.
func NewBlockPledge() *BlockPledge {
	return &BlockPledge{byTx: make(map[ids.ID][]SubstatePledge)}
}

// Add records a pledge for txID, rejecting a second pledge for the same
// substate id (model.ErrPledgeConflict).
func (bp *BlockPledge) Add(txID ids.ID, pledge SubstatePledge) error {
	for _, existing := range bp.byTx[txID] {
		if existing.SubstateID == pledge.SubstateID {
			return ErrPledgeConflict
		}
	}
	bp.byTx[txID] = append(bp.byTx[txID], pledge)
	return nil
}

// For returns the pledges recorded for a transaction.
func (bp *BlockPledge) For(txID ids.ID) []SubstatePledge {
	return bp.byTx[txID]
}

// Transactions lists the transaction ids with at least one pledge.
func (bp *BlockPledge) Transactions() []ids.ID {
	out := make([]ids.ID, 0, len(bp.byTx))
	for id := range bp.byTx {
		out = append(out, id)
	}
	return out
}
